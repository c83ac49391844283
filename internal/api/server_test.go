package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/dashboard"
	"github.com/carlosrabelo/plotrelay/internal/metrics"
	"github.com/carlosrabelo/plotrelay/internal/ratelimit"
	"github.com/carlosrabelo/plotrelay/internal/relay"
	"github.com/carlosrabelo/plotrelay/internal/round"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/internal/storage"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
)

type stubSession struct {
	name string
	rd   round.Round
	mx   *metrics.Collector

	listeners []func(round.Round)
}

func (s *stubSession) Name() string                    { return s.name }
func (s *stubSession) FullName() string                { return "pool | " + s.name }
func (s *stubSession) Current() (round.Round, bool)    { return s.rd, true }
func (s *stubSession) Metrics() *metrics.Collector     { return s.mx }
func (s *stubSession) OnNewRound(fn func(round.Round)) { s.listeners = append(s.listeners, fn) }

func (s *stubSession) Stats() upstream.Stats {
	rd := s.rd
	return upstream.Stats{Name: s.name, Coin: rd.Coin, Round: &rd}
}

func (s *stubSession) Observe(upstream.Submission, upstream.SubmitOptions) {}

func (s *stubSession) SubmitNonce(ctx context.Context, sub upstream.Submission, software string, opts upstream.SubmitOptions) upstream.SubmitResult {
	return upstream.SubmitResult{Result: &upstream.SubmitReply{Result: "success"}}
}

type staticStatus struct{ f dashboard.Frame }

func (s staticStatus) Latest() dashboard.Frame { return s.f }

func newRelay(t *testing.T, name string) *relay.Relay {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	sess := &stubSession{
		name: name + "-up",
		rd:   round.Round{Height: 42, BaseTarget: 1000, GenerationSignature: "ab", Coin: "BHD"},
		mx:   metrics.NewCollector(name+"-up", nil),
	}
	rl, err := relay.New(relay.Config{Name: name}, []relay.Session{sess}, b, nil)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	return rl
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealthz(t *testing.T) {
	s := NewServer(Options{})
	var out map[string]string
	if code := getJSON(t, s.Handler(), "/healthz", &out); code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, out)
	}
}

func TestRelayRoutes(t *testing.T) {
	t.Run("Single proxy is also served at the root", func(t *testing.T) {
		s := NewServer(Options{Relays: []*relay.Relay{newRelay(t, "home")}})
		h := s.Handler()

		for _, path := range []string{"/home/burst?requestType=getMiningInfo", "/burst?requestType=getMiningInfo"} {
			var info map[string]any
			if code := getJSON(t, h, path, &info); code != http.StatusOK {
				t.Fatalf("%s = %d", path, code)
			}
			if info["height"] != float64(42) || info["baseTarget"] != "1000" {
				t.Errorf("%s returned %v", path, info)
			}
		}
	})

	t.Run("Several proxies are only served under their name", func(t *testing.T) {
		s := NewServer(Options{Relays: []*relay.Relay{newRelay(t, "a"), newRelay(t, "b")}})
		h := s.Handler()

		if code := getJSON(t, h, "/b/burst?requestType=getMiningInfo", nil); code != http.StatusOK {
			t.Errorf("/b/burst = %d", code)
		}
		if code := getJSON(t, h, "/burst?requestType=getMiningInfo", nil); code != http.StatusNotFound {
			t.Errorf("/burst = %d, want 404", code)
		}
	})

	t.Run("Rate limited", func(t *testing.T) {
		cfg := ratelimit.DefaultConfig()
		cfg.Enabled = true
		cfg.MaxRequestsPerMinute = 1
		s := NewServer(Options{
			Relays:  []*relay.Relay{newRelay(t, "home")},
			Limiter: ratelimit.NewLimiter(cfg),
		})
		h := s.Handler()

		if code := getJSON(t, h, "/home/burst?requestType=getMiningInfo", nil); code != http.StatusOK {
			t.Fatalf("first request = %d", code)
		}
		if code := getJSON(t, h, "/home/burst?requestType=getMiningInfo", nil); code != http.StatusTooManyRequests {
			t.Errorf("second request = %d, want 429", code)
		}
		// status endpoints are not limited
		if code := getJSON(t, h, "/healthz", nil); code != http.StatusOK {
			t.Errorf("healthz = %d", code)
		}
	})
}

func TestStatus(t *testing.T) {
	s := NewServer(Options{})
	if code := getJSON(t, s.Handler(), "/api/status", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status without dashboard = %d", code)
	}

	s = NewServer(Options{Status: staticStatus{dashboard.Frame{
		Version:  "v1",
		Records:  []stats.Record{{Name: "up", Height: 7}},
		LogLines: []string{"hello"},
	}}})
	var out statusResponse
	if code := getJSON(t, s.Handler(), "/api/status", &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Version != "v1" || len(out.Records) != 1 || out.Records[0].Height != 7 || out.LogLines[0] != "hello" {
		t.Errorf("unexpected status %+v", out)
	}
}

func TestUpstreams(t *testing.T) {
	s := NewServer(Options{Relays: []*relay.Relay{newRelay(t, "a"), newRelay(t, "b")}})

	var out []UpstreamView
	if code := getJSON(t, s.Handler(), "/api/upstreams", &out); code != http.StatusOK {
		t.Fatalf("upstreams = %d", code)
	}
	if len(out) != 2 || out[0].Proxy != "a" || out[1].Session.Name != "b-up" || out[1].Metrics.Upstream != "b-up" {
		t.Errorf("unexpected upstreams %+v", out)
	}
}

func TestRounds(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "rounds.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i := uint64(1); i <= 3; i++ {
		rd := round.Round{Height: 100 + i, BaseTarget: 1000, GenerationSignature: "ab", Coin: "BHD"}
		if err := store.RecordRound(ctx, "up", rd, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordRound: %v", err)
		}
	}

	s := NewServer(Options{Rounds: store})
	h := s.Handler()

	var out []storage.RoundRecord
	if code := getJSON(t, h, "/api/rounds?limit=2", &out); code != http.StatusOK {
		t.Fatalf("rounds = %d", code)
	}
	if len(out) != 2 || out[0].Height != 103 {
		t.Errorf("unexpected rounds %+v", out)
	}

	out = nil
	if code := getJSON(t, h, "/api/rounds?upstream=other", &out); code != http.StatusOK || len(out) != 0 {
		t.Errorf("rounds of unknown upstream = %d %+v", code, out)
	}

	if code := getJSON(t, h, "/api/rounds?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}
	if code := getJSON(t, NewServer(Options{}).Handler(), "/api/rounds", nil); code != http.StatusServiceUnavailable {
		t.Errorf("rounds without store = %d", code)
	}
}

func TestRateLimitStats(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	l := ratelimit.NewLimiter(cfg)
	l.Allow("10.0.0.1")

	s := NewServer(Options{Limiter: l})
	var global ratelimit.GlobalStats
	if code := getJSON(t, s.Handler(), "/api/ratelimit", &global); code != http.StatusOK || global.TotalIPs != 1 {
		t.Errorf("global = %d %+v", code, global)
	}
	var ip ratelimit.IPStats
	if code := getJSON(t, s.Handler(), "/api/ratelimit?ip=10.0.0.1", &ip); code != http.StatusOK || ip.Active != 1 {
		t.Errorf("ip = %d %+v", code, ip)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	prom := metrics.NewPrometheus("plotrelay", prometheus.NewRegistry())
	mx := metrics.NewCollector("up", prom)
	mx.RoundAccepted(time.Now())

	s := NewServer(Options{Metrics: prom.Handler()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `plotrelay_rounds_total{upstream="up"} 1`) {
		t.Errorf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketReceivesFrames(t *testing.T) {
	s := NewServer(Options{Listen: "127.0.0.1:0"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Hub().Render(dashboard.Frame{Version: "v9", Records: []stats.Record{{Name: "up"}}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string          `json:"type"`
		Data dashboard.Frame `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "frame" || msg.Data.Version != "v9" || msg.Data.Records[0].Name != "up" {
		t.Errorf("unexpected message %+v", msg)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
