// Package metrics provides collection and reporting of relay metrics
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Submission outcomes as reported to prometheus.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFiltered = "filtered"
)

// Resolution outcomes as reported to prometheus.
const (
	ResolutionWon     = "won"
	ResolutionLost    = "lost"
	ResolutionUnknown = "unknown"
)

// Collector holds the counters of one upstream session. When built with a
// Prometheus set every update is mirrored there under the upstream label.
type Collector struct {
	upstream string
	prom     *Prometheus

	// Connection metrics
	UpConnected atomic.Bool

	// Round metrics
	Rounds        atomic.Uint64
	Duplicates    atomic.Uint64
	LastRoundUnix atomic.Int64

	// Submission metrics
	SubmissionsOK       atomic.Uint64
	SubmissionsBad      atomic.Uint64
	SubmissionsFiltered atomic.Uint64

	// Resolution metrics
	WonRounds     atomic.Uint64
	LostRounds    atomic.Uint64
	UnknownRounds atomic.Uint64

	DynamicDeadline atomic.Uint64
	capacityBits    atomic.Uint64
}

// NewCollector creates a collector for upstream. prom may be nil.
func NewCollector(upstream string, prom *Prometheus) *Collector {
	return &Collector{upstream: upstream, prom: prom}
}

// Upstream returns the label this collector reports under
func (m *Collector) Upstream() string {
	return m.upstream
}

// SetUpstreamConnected sets the upstream connection status
func (m *Collector) SetUpstreamConnected(connected bool) {
	m.UpConnected.Store(connected)
	if m.prom != nil {
		v := 0.0
		if connected {
			v = 1
		}
		m.prom.UpConnected.WithLabelValues(m.upstream).Set(v)
	}
}

// IsUpstreamConnected returns the upstream connection status
func (m *Collector) IsUpstreamConnected() bool {
	return m.UpConnected.Load()
}

// RoundAccepted counts a new round and stamps its arrival
func (m *Collector) RoundAccepted(at time.Time) {
	m.Rounds.Add(1)
	m.LastRoundUnix.Store(at.Unix())
	if m.prom != nil {
		m.prom.Rounds.WithLabelValues(m.upstream).Inc()
		m.prom.LastRound.WithLabelValues(m.upstream).Set(float64(at.Unix()))
	}
}

// RoundDuplicate counts a notification that repeated the current round
func (m *Collector) RoundDuplicate() {
	m.Duplicates.Add(1)
	if m.prom != nil {
		m.prom.Duplicates.WithLabelValues(m.upstream).Inc()
	}
}

// GetLastRound returns the time the last round was accepted
func (m *Collector) GetLastRound() time.Time {
	unix := m.LastRoundUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// Submission records one submission outcome
func (m *Collector) Submission(outcome string) {
	switch outcome {
	case OutcomeAccepted:
		m.SubmissionsOK.Add(1)
	case OutcomeFiltered:
		m.SubmissionsFiltered.Add(1)
	default:
		outcome = OutcomeRejected
		m.SubmissionsBad.Add(1)
	}
	if m.prom != nil {
		m.prom.Submissions.WithLabelValues(m.upstream, outcome).Inc()
	}
}

// GetTotalSubmissions returns forwarded submissions (accepted + rejected)
func (m *Collector) GetTotalSubmissions() uint64 {
	return m.SubmissionsOK.Load() + m.SubmissionsBad.Load()
}

// GetAcceptanceRate calculates the submission acceptance rate as percentage
func (m *Collector) GetAcceptanceRate() float64 {
	total := m.GetTotalSubmissions()
	if total == 0 {
		return 0
	}
	return (float64(m.SubmissionsOK.Load()) / float64(total)) * 100
}

// Resolution records how a finished round was settled
func (m *Collector) Resolution(outcome string) {
	switch outcome {
	case ResolutionWon:
		m.WonRounds.Add(1)
	case ResolutionLost:
		m.LostRounds.Add(1)
	default:
		outcome = ResolutionUnknown
		m.UnknownRounds.Add(1)
	}
	if m.prom != nil {
		m.prom.Resolutions.WithLabelValues(m.upstream, outcome).Inc()
	}
}

// SetDynamicDeadline records the computed target deadline, 0 for none
func (m *Collector) SetDynamicDeadline(dl uint64) {
	m.DynamicDeadline.Store(dl)
	if m.prom != nil {
		m.prom.DynamicDeadline.WithLabelValues(m.upstream).Set(float64(dl))
	}
}

// SetCapacity records the last reported farm capacity in GiB
func (m *Collector) SetCapacity(gib float64) {
	m.capacityBits.Store(math.Float64bits(gib))
	if m.prom != nil {
		m.prom.Capacity.WithLabelValues(m.upstream).Set(gib)
	}
}

// GetCapacity returns the last reported farm capacity in GiB
func (m *Collector) GetCapacity() float64 {
	return math.Float64frombits(m.capacityBits.Load())
}

// Reset resets all metrics to zero values
func (m *Collector) Reset() {
	m.UpConnected.Store(false)
	m.Rounds.Store(0)
	m.Duplicates.Store(0)
	m.LastRoundUnix.Store(0)
	m.SubmissionsOK.Store(0)
	m.SubmissionsBad.Store(0)
	m.SubmissionsFiltered.Store(0)
	m.WonRounds.Store(0)
	m.LostRounds.Store(0)
	m.UnknownRounds.Store(0)
	m.DynamicDeadline.Store(0)
	m.capacityBits.Store(0)
}

// Snapshot returns a snapshot of current metrics
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		Upstream:            m.upstream,
		UpConnected:         m.IsUpstreamConnected(),
		Rounds:              m.Rounds.Load(),
		Duplicates:          m.Duplicates.Load(),
		LastRound:           m.GetLastRound(),
		SubmissionsOK:       m.SubmissionsOK.Load(),
		SubmissionsBad:      m.SubmissionsBad.Load(),
		SubmissionsFiltered: m.SubmissionsFiltered.Load(),
		AcceptanceRate:      m.GetAcceptanceRate(),
		WonRounds:           m.WonRounds.Load(),
		LostRounds:          m.LostRounds.Load(),
		UnknownRounds:       m.UnknownRounds.Load(),
		DynamicDeadline:     m.DynamicDeadline.Load(),
		CapacityGiB:         m.GetCapacity(),
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	Upstream            string    `json:"upstream"`
	UpConnected         bool      `json:"connected"`
	Rounds              uint64    `json:"rounds"`
	Duplicates          uint64    `json:"duplicates"`
	LastRound           time.Time `json:"last_round"`
	SubmissionsOK       uint64    `json:"submissions_ok"`
	SubmissionsBad      uint64    `json:"submissions_bad"`
	SubmissionsFiltered uint64    `json:"submissions_filtered"`
	AcceptanceRate      float64   `json:"acceptance_rate"`
	WonRounds           uint64    `json:"won_rounds"`
	LostRounds          uint64    `json:"lost_rounds"`
	UnknownRounds       uint64    `json:"unknown_rounds"`
	DynamicDeadline     uint64    `json:"dynamic_deadline"`
	CapacityGiB         float64   `json:"capacity_gib"`
}
