// Package dashboard merges relay snapshots every tick and hands the
// result, with the last log lines, to its sinks.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

// DefaultInterval is the render period
const DefaultInterval = time.Second

// Config holds the dashboard settings
type Config struct {
	Version           string
	LogLines          int
	LogLevel          string
	ExtendedStats     bool
	HumanizeDeadlines bool
	Interval          time.Duration
}

// Frame is one rendered tick
type Frame struct {
	At          time.Time      `json:"at"`
	Version     string         `json:"version"`
	Records     []stats.Record `json:"records"`
	SingleProxy bool           `json:"singleProxy"`
	LogLines    []string       `json:"logLines"`
}

// Sink receives every frame
type Sink interface {
	Render(f Frame)
}

// Exchange shares snapshots with other relay processes
type Exchange interface {
	stats.Source
	Publish(ctx context.Context, snapshots []stats.Snapshot) error
}

// Dashboard is the render loop
type Dashboard struct {
	cfg      Config
	bus      *bus.Bus
	local    stats.Source
	exchange Exchange
	log      *logger.Logger
	now      func() time.Time

	mu     sync.Mutex
	sinks  []Sink
	lines  *LogBuffer
	latest Frame
}

// New creates a dashboard over the local relays' snapshots
func New(cfg Config, b *bus.Bus, local stats.Source, log *logger.Logger) *Dashboard {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dashboard{
		cfg:   cfg,
		bus:   b,
		local: local,
		log:   log.With("component", "dashboard"),
		now:   time.Now,
		lines: NewLogBuffer(cfg.LogLines, cfg.LogLevel),
	}
}

// SetExchange makes the dashboard publish local snapshots and merge those
// of every process instead.
func (d *Dashboard) SetExchange(x Exchange) {
	d.exchange = x
}

// AddSink registers a sink for every subsequent frame
func (d *Dashboard) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Run subscribes to the log topics and renders every interval until ctx
// is done.
func (d *Dashboard) Run(ctx context.Context) {
	if d.bus != nil {
		unsubscribe := d.lines.Attach(d.bus, d.now)
		defer unsubscribe()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick builds one frame and renders it to every sink
func (d *Dashboard) Tick(ctx context.Context) Frame {
	snaps := d.collect(ctx)

	f := Frame{
		At:          d.now(),
		Version:     d.cfg.Version,
		Records:     stats.Merge(snaps),
		SingleProxy: stats.ProxyCount(snaps) <= 1,
		LogLines:    d.lines.Lines(),
	}

	d.mu.Lock()
	d.latest = f
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()

	for _, s := range sinks {
		s.Render(f)
	}
	return f
}

func (d *Dashboard) collect(ctx context.Context) []stats.Snapshot {
	var local []stats.Snapshot
	if d.local != nil {
		var err error
		local, err = d.local.Snapshots(ctx)
		if err != nil {
			d.log.Error("collecting snapshots: %v", err)
		}
	}
	if d.exchange == nil {
		return local
	}

	if err := d.exchange.Publish(ctx, local); err != nil {
		d.log.Error("publishing snapshots: %v", err)
		return local
	}
	all, err := d.exchange.Snapshots(ctx)
	if err != nil {
		d.log.Error("reading shared snapshots: %v", err)
		return local
	}
	return all
}

// Latest returns the last rendered frame
func (d *Dashboard) Latest() Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// LogLines returns the buffered log lines
func (d *Dashboard) LogLines() []string {
	return d.lines.Lines()
}
