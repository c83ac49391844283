package dashboard

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

func u(v uint64) *uint64 { return &v }

type captureSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *captureSink) Render(f Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeExchange struct {
	published []stats.Snapshot
	others    []stats.Snapshot
	pubErr    error
}

func (x *fakeExchange) Publish(ctx context.Context, s []stats.Snapshot) error {
	if x.pubErr != nil {
		return x.pubErr
	}
	x.published = s
	return nil
}

func (x *fakeExchange) Snapshots(ctx context.Context) ([]stats.Snapshot, error) {
	return append(append([]stats.Snapshot(nil), x.published...), x.others...), nil
}

func localSource(snaps ...stats.Snapshot) stats.Source {
	return stats.SourceFunc(func(context.Context) ([]stats.Snapshot, error) {
		return snaps, nil
	})
}

func TestTickMergesLocalSnapshots(t *testing.T) {
	d := New(Config{Version: "v1"}, nil, localSource(
		stats.Snapshot{Proxy: "p1", Upstream: "A", RoundHeight: 10, BestDL: u(100), CapacityGiB: 1024},
		stats.Snapshot{Proxy: "p2", Upstream: "A", RoundHeight: 10, BestDL: u(50), CapacityGiB: 1024},
	), nil)
	sink := &captureSink{}
	d.AddSink(sink)

	f := d.Tick(context.Background())
	if len(f.Records) != 1 || *f.Records[0].BestDL != 50 || f.Records[0].CapacityGiB != 2048 {
		t.Errorf("unexpected records %+v", f.Records)
	}
	if f.SingleProxy {
		t.Error("two proxies reported")
	}
	if sink.count() != 1 {
		t.Errorf("sink rendered %d frames", sink.count())
	}
	if d.Latest().Version != "v1" {
		t.Error("Latest should return the last frame")
	}
}

func TestTickUsesExchange(t *testing.T) {
	x := &fakeExchange{others: []stats.Snapshot{{ProxyID: "other", Upstream: "B"}}}
	d := New(Config{}, nil, localSource(stats.Snapshot{Upstream: "A"}), nil)
	d.SetExchange(x)

	f := d.Tick(context.Background())
	if len(x.published) != 1 {
		t.Fatalf("local snapshots not published")
	}
	if len(f.Records) != 2 || f.Records[0].Name != "A" || f.Records[1].Name != "B" {
		t.Errorf("unexpected records %+v", f.Records)
	}
}

func TestTickFallsBackToLocal(t *testing.T) {
	x := &fakeExchange{pubErr: errors.New("redis down"), others: []stats.Snapshot{{Upstream: "B"}}}
	d := New(Config{}, nil, localSource(stats.Snapshot{Upstream: "A"}), nil)
	d.SetExchange(x)

	f := d.Tick(context.Background())
	if len(f.Records) != 1 || f.Records[0].Name != "A" {
		t.Errorf("expected local records only, got %+v", f.Records)
	}
}

func TestRunRendersUntilCancelled(t *testing.T) {
	b := bus.New()
	defer b.Close()

	d := New(Config{Interval: 10 * time.Millisecond, LogLevel: "info"}, b, localSource(), nil)
	sink := &captureSink{}
	d.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("dashboard did not render")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Info("hello")
	for len(d.LogLines()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("log line not buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLogBuffer(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		level string
		want  int
	}{
		{"Debug keeps all", "debug", 3},
		{"Info drops debug", "info", 2},
		{"Error keeps errors", "error", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLogBuffer(10, tt.level)
			b.Add(at, "debug", "d")
			b.Add(at, "info", "i")
			b.Add(at, "error", "e")
			if got := len(b.Lines()); got != tt.want {
				t.Errorf("kept %d lines, want %d", got, tt.want)
			}
		})
	}

	b := NewLogBuffer(2, "info")
	b.Add(at, "info", "one")
	b.Add(at, "info", "two")
	b.Add(at, "error", "three")
	lines := b.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1] != "2024-05-01 12:30:00.000 [ERROR]  three" {
		t.Errorf("unexpected line %q", lines[1])
	}
	if !strings.HasSuffix(lines[0], "two") {
		t.Errorf("oldest line should be dropped, got %q", lines[0])
	}
}

func TestForwardLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := bus.New()
	defer b.Close()

	unsubscribe := ForwardLogs(b, logger.NewWithCore(core))
	defer unsubscribe()

	b.Error("boom")
	b.Debug("detail")

	deadline := time.Now().Add(2 * time.Second)
	for logs.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d lines, want 2", logs.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	tests := []struct {
		msg   string
		level zapcore.Level
	}{
		{"boom", zapcore.ErrorLevel},
		{"detail", zapcore.DebugLevel},
	}
	for _, tt := range tests {
		entries := logs.FilterMessage(tt.msg).All()
		if len(entries) != 1 || entries[0].Level != tt.level {
			t.Errorf("%q forwarded as %+v", tt.msg, entries)
		}
	}
}

func TestTerminalRender(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, Config{ExtendedStats: true}, false)
	now := time.Unix(1700000000, 0)
	term.now = func() time.Time { return now }

	term.Render(Frame{
		Version: "v1.2.3",
		Records: []stats.Record{{
			Name:          "FoxyPool BHD",
			Height:        500,
			NetDiff:       50,
			RoundStart:    now.Add(-75 * time.Second),
			BestDL:        u(3725),
			WonRounds:     2,
			CapacityGiB:   2048,
			RoundProgress: 42.5,
			Status:        stats.StatusInProgress,
			ActiveMiners: []stats.MinerSnapshot{
				{Index: 1, ScanSpeed: "1 GiB/s", RemainingTime: "10s", Progress: 42.5},
			},
		}},
		LogLines: []string{"line one"},
	})

	out := buf.String()
	for _, want := range []string{
		"plotrelay v1.2.3",
		"Best DL So Far",
		"FoxyPool BHD",
		"00:01:15",
		"01:02:05",
		"2.0 TiB",
		"50 TiB",
		"42.50 %",
		"Miner #1 | Scanning with 1 GiB/s, 10s (42.50 %)",
		"Last log lines:",
		"line one",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, clearScreen) {
		t.Error("clear sequence written to a non-terminal")
	}
}

func TestFormatDeadline(t *testing.T) {
	tests := []struct {
		name  string
		dl    *uint64
		human bool
		want  string
	}{
		{"Unknown", nil, false, "N/A"},
		{"Seconds", u(59), false, "00:00:59"},
		{"Hours", u(3725), false, "01:02:05"},
		{"Days", u(2*86400 + 61), false, "2d 00:01:01"},
		{"Human minutes", u(180), true, "3 minutes"},
		{"Human zero", u(0), true, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDeadline(tt.dl, tt.human); got != tt.want {
				t.Errorf("FormatDeadline() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatCapacity(t *testing.T) {
	if got := FormatCapacity(0); got != "N/A" {
		t.Errorf("FormatCapacity(0) = %q", got)
	}
	if got := FormatCapacity(512); got != "512 GiB" {
		t.Errorf("FormatCapacity(512) = %q", got)
	}
	if got := FormatNetDiff(0); got != "N/A" {
		t.Errorf("FormatNetDiff(0) = %q", got)
	}
}
