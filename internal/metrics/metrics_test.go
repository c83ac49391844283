package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollector(t *testing.T) {
	c := NewCollector("pool-a", nil)

	// Test initial state
	if c.IsUpstreamConnected() {
		t.Error("Initial upstream state should be false")
	}
	if c.GetTotalSubmissions() != 0 {
		t.Error("Initial submissions should be 0")
	}
	if c.GetAcceptanceRate() != 0 {
		t.Error("Initial acceptance rate should be 0")
	}
	if !c.GetLastRound().IsZero() {
		t.Error("Initial last round should be zero")
	}
	if c.Upstream() != "pool-a" {
		t.Errorf("Upstream() = %q", c.Upstream())
	}
}

func TestCollectorUpstream(t *testing.T) {
	c := NewCollector("pool-a", nil)

	c.SetUpstreamConnected(true)
	if !c.IsUpstreamConnected() {
		t.Error("Upstream should be connected")
	}

	c.SetUpstreamConnected(false)
	if c.IsUpstreamConnected() {
		t.Error("Upstream should be disconnected")
	}
}

func TestCollectorSubmissions(t *testing.T) {
	c := NewCollector("pool-a", nil)

	c.Submission(OutcomeAccepted)
	c.Submission(OutcomeAccepted)
	c.Submission(OutcomeAccepted)
	c.Submission(OutcomeRejected)
	c.Submission(OutcomeFiltered)
	c.Submission("something else")

	if c.SubmissionsOK.Load() != 3 {
		t.Errorf("SubmissionsOK = %d, want 3", c.SubmissionsOK.Load())
	}
	if c.SubmissionsBad.Load() != 2 {
		t.Errorf("SubmissionsBad = %d, want 2", c.SubmissionsBad.Load())
	}
	if c.SubmissionsFiltered.Load() != 1 {
		t.Errorf("SubmissionsFiltered = %d, want 1", c.SubmissionsFiltered.Load())
	}
	if c.GetTotalSubmissions() != 5 {
		t.Errorf("Total = %d, want 5", c.GetTotalSubmissions())
	}
	if rate := c.GetAcceptanceRate(); rate != 60 {
		t.Errorf("Acceptance rate = %v, want 60", rate)
	}
}

func TestCollectorRounds(t *testing.T) {
	c := NewCollector("pool-a", nil)

	now := time.Now()
	c.RoundAccepted(now)
	c.RoundDuplicate()
	c.RoundDuplicate()

	if c.Rounds.Load() != 1 || c.Duplicates.Load() != 2 {
		t.Errorf("rounds=%d duplicates=%d", c.Rounds.Load(), c.Duplicates.Load())
	}
	// Compare only seconds since we store Unix timestamp
	if c.GetLastRound().Unix() != now.Unix() {
		t.Errorf("Last round time mismatch: got %v, want %v", c.GetLastRound().Unix(), now.Unix())
	}
}

func TestCollectorResolutions(t *testing.T) {
	c := NewCollector("pool-a", nil)

	c.Resolution(ResolutionWon)
	c.Resolution(ResolutionLost)
	c.Resolution(ResolutionLost)
	c.Resolution(ResolutionUnknown)

	snap := c.Snapshot()
	if snap.WonRounds != 1 || snap.LostRounds != 2 || snap.UnknownRounds != 1 {
		t.Errorf("unexpected resolution counts: %+v", snap)
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector("pool-a", nil)

	c.SetUpstreamConnected(true)
	c.SetDynamicDeadline(3600)
	c.SetCapacity(2048.5)
	c.Submission(OutcomeAccepted)

	snap := c.Snapshot()
	if !snap.UpConnected {
		t.Error("Snapshot should show upstream connected")
	}
	if snap.DynamicDeadline != 3600 {
		t.Errorf("DynamicDeadline = %d", snap.DynamicDeadline)
	}
	if snap.CapacityGiB != 2048.5 {
		t.Errorf("CapacityGiB = %v", snap.CapacityGiB)
	}
	if snap.AcceptanceRate != 100 {
		t.Errorf("AcceptanceRate = %v", snap.AcceptanceRate)
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector("pool-a", nil)

	c.SetUpstreamConnected(true)
	c.RoundAccepted(time.Now())
	c.Submission(OutcomeAccepted)
	c.Resolution(ResolutionWon)
	c.SetCapacity(10)

	c.Reset()

	snap := c.Snapshot()
	if snap.UpConnected || snap.Rounds != 0 || snap.SubmissionsOK != 0 || snap.WonRounds != 0 || snap.CapacityGiB != 0 {
		t.Errorf("Reset left values behind: %+v", snap)
	}
}

func TestPrometheusMirror(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("plotrelay", reg)

	a := NewCollector("pool-a", p)
	b := NewCollector("pool-b", p)

	a.RoundAccepted(time.Now())
	a.RoundAccepted(time.Now())
	b.RoundAccepted(time.Now())
	a.Submission(OutcomeAccepted)
	b.Resolution(ResolutionWon)
	a.SetUpstreamConnected(true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	rounds := map[string]float64{}
	var sawSubmission, sawResolution, sawConnected bool
	for _, mf := range families {
		switch mf.GetName() {
		case "plotrelay_rounds_total":
			for _, m := range mf.GetMetric() {
				rounds[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
			}
		case "plotrelay_submissions_total":
			sawSubmission = len(mf.GetMetric()) == 1
		case "plotrelay_round_resolutions_total":
			sawResolution = len(mf.GetMetric()) == 1
		case "plotrelay_upstream_connected":
			sawConnected = mf.GetMetric()[0].GetGauge().GetValue() == 1
		}
	}

	if rounds["pool-a"] != 2 || rounds["pool-b"] != 1 {
		t.Errorf("unexpected round counters: %v", rounds)
	}
	if !sawSubmission || !sawResolution || !sawConnected {
		t.Errorf("missing series: submission=%v resolution=%v connected=%v", sawSubmission, sawResolution, sawConnected)
	}
}

func TestPrometheusRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	p1 := NewPrometheus("plotrelay", reg)
	p2 := NewPrometheus("plotrelay", reg)

	NewCollector("x", p1).RoundAccepted(time.Now())
	NewCollector("x", p2).RoundAccepted(time.Now())

	if p1.Rounds != p2.Rounds {
		t.Error("second registration should reuse the existing collector")
	}
}

func TestPrometheusHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("plotrelay", reg)
	NewCollector("pool-a", p).SetDynamicDeadline(42)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `plotrelay_dynamic_target_deadline_seconds{upstream="pool-a"} 42`) {
		t.Errorf("metric not exposed:\n%s", body)
	}
}
