package chain

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

const (
	// DefaultRetryInterval is the wait between two winner queries.
	DefaultRetryInterval = 5 * time.Second
	// DefaultMaxRetries bounds polling to DefaultMaxRetries*DefaultRetryInterval.
	DefaultMaxRetries = 24

	winnerCacheSize = 512
)

// Resolver polls a Querier until it gets a definitive winner or gives up.
// Wallets often lag behind the pool's round change, so a miss right after
// the round ended is expected.
type Resolver struct {
	querier    Querier
	interval   time.Duration
	maxRetries int
	cache      *lru.Cache[string, string]
	log        *logger.Logger
}

type ResolverOption func(*Resolver)

func WithRetryInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.interval = d }
}

func WithMaxRetries(n int) ResolverOption {
	return func(r *Resolver) { r.maxRetries = n }
}

func WithLogger(l *logger.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

func NewResolver(q Querier, opts ...ResolverOption) *Resolver {
	cache, _ := lru.New[string, string](winnerCacheSize)
	r := &Resolver{
		querier:    q,
		interval:   DefaultRetryInterval,
		maxRetries: DefaultMaxRetries,
		cache:      cache,
		log:        logger.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	return r
}

// Budget is the longest time ResolveWithRetry spends waiting between attempts.
func (r *Resolver) Budget() time.Duration {
	return time.Duration(r.maxRetries) * r.interval
}

// ResolveWithRetry returns the winning account for height, or ok=false once
// retries are exhausted or ctx is done. Unknown is a normal outcome.
func (r *Resolver) ResolveWithRetry(ctx context.Context, ep Endpoint, height uint64) (string, bool) {
	key := cacheKey(ep, height)
	if id, hit := r.cache.Get(key); hit {
		return id, true
	}

	for attempt := 0; ; attempt++ {
		if id, ok := r.querier.WinnerOf(ctx, ep, height); ok {
			r.cache.Add(key, id)
			return id, true
		}
		if attempt >= r.maxRetries {
			r.log.Info("winner of block %d unknown after %d attempts", height, attempt+1)
			return "", false
		}

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false
		case <-timer.C:
		}
	}
}

func cacheKey(ep Endpoint, height uint64) string {
	return fmt.Sprintf("%s|%s|%d", ep.Protocol, ep.URL, height)
}
