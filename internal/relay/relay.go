// Package relay serves the Burst mining protocol to local miners and
// switches them between the upstream sessions of one proxy.
package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/metrics"
	"github.com/carlosrabelo/plotrelay/internal/round"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
	apperrors "github.com/carlosrabelo/plotrelay/pkg/errors"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

// minerTTL drops miners that stopped reporting progress
const minerTTL = 10 * time.Minute

// Config holds the settings of one proxy
type Config struct {
	Name  string
	Index int
	Color string
}

// Session is what a relay needs from an upstream session
type Session interface {
	Name() string
	FullName() string
	OnNewRound(fn func(round.Round))
	Current() (round.Round, bool)
	Observe(sub upstream.Submission, opts upstream.SubmitOptions)
	SubmitNonce(ctx context.Context, sub upstream.Submission, minerSoftware string, opts upstream.SubmitOptions) upstream.SubmitResult
	Stats() upstream.Stats
	Metrics() *metrics.Collector
}

// Progress is a scan progress report sent by a miner
type Progress struct {
	Miner     string  `json:"miner"`
	Height    uint64  `json:"height"`
	Progress  float64 `json:"progress"`
	ScanSpeed string  `json:"scanSpeed"`
	Remaining string  `json:"remainingTime"`
}

type minerState struct {
	snap    stats.MinerSnapshot
	updated time.Time
}

type sessionProgress struct {
	height   uint64
	progress float64
}

// Relay routes miner requests to the session with the freshest round.
type Relay struct {
	cfg      Config
	sessions []Session
	bus      *bus.Bus
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	active   int
	miners   map[string]*minerState
	progress map[int]sessionProgress
}

// New creates a relay over sessions, listed in priority order
func New(cfg Config, sessions []Session, b *bus.Bus, log *logger.Logger) (*Relay, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("relay: name is required")
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("relay %s: at least one upstream is required", cfg.Name)
	}
	if b == nil {
		return nil, fmt.Errorf("relay %s: bus is required", cfg.Name)
	}
	if log == nil {
		log = logger.Default()
	}

	r := &Relay{
		cfg:      cfg,
		sessions: sessions,
		bus:      b,
		log:      log.With("proxy", cfg.Name),
		now:      time.Now,
		active:   -1,
		miners:   make(map[string]*minerState),
		progress: make(map[int]sessionProgress),
	}
	for i, s := range sessions {
		i := i
		s.OnNewRound(func(rd round.Round) { r.onNewRound(i, rd) })
	}
	return r, nil
}

// Name returns the proxy name
func (r *Relay) Name() string { return r.cfg.Name }

// Sessions returns the upstream sessions in priority order
func (r *Relay) Sessions() []Session { return r.sessions }

func (r *Relay) onNewRound(i int, rd round.Round) {
	r.mu.Lock()
	prev := r.active
	r.active = i
	delete(r.progress, i)
	r.mu.Unlock()

	if prev != i {
		r.log.Debug("switching to %s at height %d", r.sessions[i].FullName(), rd.Height)
	}
}

// Active returns the session whose round changed most recently. Before
// any round change it falls back to the first session with a round.
func (r *Relay) Active() (Session, round.Round, bool) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active >= 0 {
		if rd, ok := r.sessions[active].Current(); ok {
			return r.sessions[active], rd, true
		}
	}
	for _, s := range r.sessions {
		if rd, ok := s.Current(); ok {
			return s, rd, true
		}
	}
	return nil, round.Round{}, false
}

// sessionFor picks the session currently mining height, in priority order,
// falling back to the active one.
func (r *Relay) sessionFor(height uint64) (Session, round.Round, bool) {
	if height > 0 {
		for _, s := range r.sessions {
			if rd, ok := s.Current(); ok && rd.Height == height {
				return s, rd, true
			}
		}
	}
	return r.Active()
}

// Submit handles one nonce. Deadlines above the round's target deadline
// are answered locally and never reach the pool.
func (r *Relay) Submit(ctx context.Context, sub upstream.Submission, minerSoftware string, opts upstream.SubmitOptions) upstream.SubmitResult {
	s, rd, ok := r.sessionFor(sub.Height)
	if !ok {
		return upstream.SubmitResult{Err: apperrors.New(apperrors.CodeUpstreamDisconnected, "no upstream has a round yet")}
	}
	if sub.Height == 0 {
		sub.Height = rd.Height
	}

	adjusted := sub.AdjustedDeadline(rd.BaseTarget)
	if sub.Height == rd.Height && rd.TargetDeadline > 0 && adjusted > rd.TargetDeadline {
		s.Observe(sub, opts)
		s.Metrics().Submission(metrics.OutcomeFiltered)
		r.bus.Debug(fmt.Sprintf("%s | %s | DL %d above target %d, not submitted", s.FullName(), sub.AccountID, adjusted, rd.TargetDeadline))
		return upstream.SubmitResult{Result: &upstream.SubmitReply{Result: "success", Deadline: adjusted}}
	}

	res := s.SubmitNonce(ctx, sub, minerSoftware, opts)
	if res.Err != nil {
		r.bus.Error(fmt.Sprintf("%s | %s | submitting DL %d failed: %s", s.FullName(), sub.AccountID, adjusted, res.Err.Message))
		return res
	}
	if res.Result != nil && res.Result.Deadline == 0 && sub.Height == rd.Height {
		res.Result.Deadline = adjusted
	}
	r.bus.Info(fmt.Sprintf("%s | %s | submitted DL %d", s.FullName(), sub.AccountID, adjusted))
	return res
}

// ReportProgress records a miner's scan progress. Every session mining the
// reported height takes it as its round progress.
func (r *Relay) ReportProgress(p Progress) {
	key := p.Miner
	if key == "" {
		key = "default"
	}

	heights := make([]uint64, len(r.sessions))
	for i, s := range r.sessions {
		if rd, ok := s.Current(); ok {
			heights[i] = rd.Height
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.miners[key] = &minerState{
		snap: stats.MinerSnapshot{
			Index:          r.cfg.Index,
			Color:          r.cfg.Color,
			Name:           p.Miner,
			ScanningHeight: p.Height,
			Progress:       p.Progress,
			ScanSpeed:      p.ScanSpeed,
			RemainingTime:  p.Remaining,
		},
		updated: r.now(),
	}
	for i, h := range heights {
		if h != 0 && h == p.Height {
			r.progress[i] = sessionProgress{height: h, progress: p.Progress}
		}
	}
}

// Snapshots returns one snapshot per session. Miners are attached once,
// to the first snapshot, so merging never counts them twice.
func (r *Relay) Snapshots() []stats.Snapshot {
	out := make([]stats.Snapshot, 0, len(r.sessions))
	for i, s := range r.sessions {
		st := s.Stats()
		snap := stats.Snapshot{
			Proxy:       r.cfg.Name,
			Upstream:    st.Name,
			Coin:        st.Coin,
			RoundStart:  st.RoundStart,
			BestDL:      st.BestDL,
			BestDLEver:  st.BestDLEver,
			WonRounds:   st.WonRounds,
			CapacityGiB: st.CapacityGiB,
		}
		if st.Round != nil {
			snap.RoundHeight = st.Round.Height
			snap.NetDiff = st.Round.NetDiff
		}

		r.mu.Lock()
		if p, ok := r.progress[i]; ok && p.height == snap.RoundHeight {
			snap.RoundProgress = p.progress
		}
		r.mu.Unlock()

		out = append(out, snap)
	}

	if miners := r.activeMiners(); len(out) > 0 {
		out[0].Miners = miners
	}
	return out
}

func (r *Relay) activeMiners() []stats.MinerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []stats.MinerSnapshot
	for key, m := range r.miners {
		if now.Sub(m.updated) > minerTTL {
			delete(r.miners, key)
			continue
		}
		out = append(out, m.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
