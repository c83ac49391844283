package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTTL is how long a published set of snapshots stays visible after
// its proxy process stops reporting.
const DefaultTTL = 5 * time.Second

// Source yields the snapshots of one or more relays.
type Source interface {
	Snapshots(ctx context.Context) ([]Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Snapshot, error)

func (f SourceFunc) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return f(ctx)
}

// Collect concatenates the snapshots of every source. A failing source is
// skipped and its error returned alongside whatever the others produced.
func Collect(ctx context.Context, sources ...Source) ([]Snapshot, error) {
	var (
		all      []Snapshot
		firstErr error
	)
	for _, src := range sources {
		snaps, err := src.Snapshots(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		all = append(all, snaps...)
	}
	return all, firstErr
}

// RedisExchange shares snapshots between relay processes. Each process
// writes its own key with a TTL, so a process that stops reporting drops
// out of the merge once the key expires.
type RedisExchange struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	proxyID string
}

// NewRedisExchange wraps client. An empty prefix defaults to "plotrelay".
func NewRedisExchange(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisExchange {
	if prefix == "" {
		prefix = "plotrelay"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisExchange{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		proxyID: uuid.NewString(),
	}
}

// ProxyID identifies this process in the exchange
func (x *RedisExchange) ProxyID() string {
	return x.proxyID
}

func (x *RedisExchange) key() string {
	return x.prefix + ":" + x.proxyID
}

// Publish stores this process's snapshots, stamping them with its id.
func (x *RedisExchange) Publish(ctx context.Context, snapshots []Snapshot) error {
	stamped := make([]Snapshot, len(snapshots))
	for i, s := range snapshots {
		s.ProxyID = x.proxyID
		stamped[i] = s
	}
	b, err := wire.Marshal(stamped)
	if err != nil {
		return fmt.Errorf("encoding snapshots: %w", err)
	}
	if err := x.client.Set(ctx, x.key(), b, x.ttl).Err(); err != nil {
		return fmt.Errorf("publishing snapshots: %w", err)
	}
	return nil
}

// Snapshots reads the snapshots of every live process, ordered by key so
// the merge is stable between ticks.
func (x *RedisExchange) Snapshots(ctx context.Context) ([]Snapshot, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := x.client.Scan(ctx, cursor, x.prefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := x.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}

	var out []Snapshot
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var snaps []Snapshot
		if err := wire.UnmarshalFromString(s, &snaps); err != nil {
			continue
		}
		out = append(out, snaps...)
	}
	return out, nil
}

// Remove deletes this process's key, used on shutdown.
func (x *RedisExchange) Remove(ctx context.Context) error {
	return x.client.Del(ctx, x.key()).Err()
}
