// Package upstream tracks the mining rounds of one pool upstream: duplicate
// suppression, the dynamic target deadline, nonce submission and the
// deferred lookup of who won each finished round.
package upstream

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/chain"
	"github.com/carlosrabelo/plotrelay/internal/metrics"
	"github.com/carlosrabelo/plotrelay/internal/round"
	apperrors "github.com/carlosrabelo/plotrelay/pkg/errors"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

const (
	// DefaultGraceDelay lets the wallet catch up with the pool before the
	// first winner query.
	DefaultGraceDelay = 7 * time.Second

	// DefaultAgent is the first half of the user agent sent upstream.
	DefaultAgent = "plotrelay"

	historyTimeout = 5 * time.Second
)

// WinnerResolver finds the account that forged a block.
type WinnerResolver interface {
	ResolveWithRetry(ctx context.Context, ep chain.Endpoint, height uint64) (string, bool)
}

// History persists round outcomes, keyed by the session's full name.
// Errors are logged, never fatal.
type History interface {
	RecordRound(ctx context.Context, upstream string, r round.Round, startedAt time.Time) error
	RecordBestDeadline(ctx context.Context, upstream string, height, dl uint64) error
	RecordWinner(ctx context.Context, upstream string, height uint64, winner string, won bool, at time.Time) error
}

// NewRoundEvent is published on bus.TopicNewRound.
type NewRoundEvent struct {
	Upstream string      `json:"upstream"`
	Round    round.Round `json:"round"`
}

// ConnectionEvent is published on bus.TopicConnection.
type ConnectionEvent struct {
	Upstream  string `json:"upstream"`
	Connected bool   `json:"connected"`
}

// Deps are the collaborators of a Session. Gateway, Bus and Tracker are
// required; the rest may be left nil.
type Deps struct {
	Gateway  Gateway
	Resolver WinnerResolver
	Bus      *bus.Bus
	Tracker  *Tracker
	History  History
	Metrics  *metrics.Collector
	Logger   *logger.Logger
	Halt     HaltPredicate
	Now      func() time.Time

	// Agent and DefaultMinerName feed the submission options defaults.
	Agent            string
	DefaultMinerName string
	GraceDelay       time.Duration
}

// Stats is a point-in-time copy of the session state
type Stats struct {
	Name                  string       `json:"name"`
	FullName              string       `json:"fullName"`
	Coin                  string       `json:"coin"`
	Connected             bool         `json:"connected"`
	Round                 *round.Round `json:"round"`
	RoundStart            time.Time    `json:"roundStart"`
	PreviousHeight        uint64       `json:"previousHeight"`
	BestDL                *uint64      `json:"bestDL"`
	BestDLEver            *uint64      `json:"bestDLEver"`
	WonRounds             uint64       `json:"wonRounds"`
	CapacityGiB           float64      `json:"capacityGiB"`
	DynamicTargetDeadline uint64       `json:"dynamicTargetDeadline"`
	Accounts              int          `json:"accounts"`
}

// Session is the round state machine of one upstream.
type Session struct {
	cfg      Config
	endpoint chain.Endpoint
	factor   float64

	gw       Gateway
	resolver WinnerResolver
	bus      *bus.Bus
	tracker  *Tracker
	history  History
	mx       *metrics.Collector
	log      *logger.Logger
	halt     HaltPredicate
	now      func() time.Time

	agent            string
	defaultMinerName string
	graceDelay       time.Duration

	mu                    sync.Mutex
	current               *round.Round
	previousHeight        uint64
	accounts              map[string]struct{}
	wonRounds             uint64
	lastCapacityGiB       float64
	dynamicTargetDeadline uint64
	bestDL                *uint64
	bestDLEver            *uint64
	roundStart            time.Time
	connected             bool
	listeners             []func(round.Round)
}

// NewSession creates a session. cfg is validated here.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Bus == nil || deps.Tracker == nil {
		return nil, fmt.Errorf("upstream %s: gateway, bus and tracker are required", cfg.Name)
	}

	s := &Session{
		cfg:              cfg,
		endpoint:         cfg.Endpoint(),
		factor:           cfg.Factor(),
		gw:               deps.Gateway,
		resolver:         deps.Resolver,
		bus:              deps.Bus,
		tracker:          deps.Tracker,
		history:          deps.History,
		mx:               deps.Metrics,
		log:              deps.Logger,
		halt:             deps.Halt,
		now:              deps.Now,
		agent:            deps.Agent,
		defaultMinerName: deps.DefaultMinerName,
		graceDelay:       deps.GraceDelay,
		accounts:         make(map[string]struct{}),
	}
	if s.mx == nil {
		s.mx = metrics.NewCollector(cfg.Name, nil)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	s.log = s.log.With("upstream", cfg.FullName())
	if s.halt == nil {
		s.halt = MaintenanceWindows(cfg.Maintenance)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.agent == "" {
		s.agent = DefaultAgent
	}
	if s.defaultMinerName == "" {
		s.defaultMinerName = DefaultAgent
	}
	if s.graceDelay <= 0 {
		s.graceDelay = DefaultGraceDelay
	}
	return s, nil
}

func (s *Session) Name() string     { return s.cfg.Name }
func (s *Session) Coin() string     { return s.cfg.Coin }
func (s *Session) FullName() string { return s.cfg.FullName() }
func (s *Session) Config() Config   { return s.cfg }

// Metrics returns the session's collector
func (s *Session) Metrics() *metrics.Collector {
	return s.mx
}

// OnNewRound registers fn to be called with every accepted round, in order.
// fn runs on the notification goroutine and must not block.
func (s *Session) OnNewRound(fn func(round.Round)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Init subscribes to the gateway and processes the current mining info.
func (s *Session) Init(ctx context.Context) error {
	s.gw.OnConnectionStateChange(s.setConnected)
	s.gw.OnMiningInfo(s.cfg.Coin, s.HandleNotification)
	s.setConnected(s.gw.Connected())

	n, err := s.gw.MiningInfo(ctx, s.cfg.Coin)
	if err != nil {
		return fmt.Errorf("upstream %s: initial mining info: %w", s.cfg.Name, err)
	}
	s.HandleNotification(n)
	return nil
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	s.mx.SetUpstreamConnected(connected)
	if !changed {
		return
	}
	s.bus.Publish(bus.TopicConnection, ConnectionEvent{Upstream: s.cfg.Name, Connected: connected})
	if connected {
		s.bus.Info(fmt.Sprintf("%s | Connected", s.cfg.FullName()))
	} else {
		s.bus.Error(fmt.Sprintf("%s | Disconnected", s.cfg.FullName()))
	}
}

// HandleNotification processes a round-change payload from the gateway.
func (s *Session) HandleNotification(n round.Notification) {
	if s.cfg.SendTargetDL > 0 {
		n.TargetDeadline = round.Number(fmt.Sprintf("%d", s.cfg.SendTargetDL))
	}

	candidate, err := round.New(n, s.cfg.Coin)
	if err != nil {
		s.log.Error("dropping mining info: %v", err)
		s.bus.Error(fmt.Sprintf("%s | Invalid mining info: %v", s.cfg.FullName(), err))
		return
	}

	now := s.now()

	s.mu.Lock()
	if round.Same(&candidate, s.current) {
		s.mu.Unlock()
		s.mx.RoundDuplicate()
		return
	}
	// a late reply to a refresh can carry a round that was already replaced
	if s.current != nil && candidate.Height < s.current.Height {
		stale := s.current.Height
		s.mu.Unlock()
		s.mx.RoundDuplicate()
		s.log.Debug("ignoring mining info for height %d, already at %d", candidate.Height, stale)
		return
	}

	lastHeight := uint64(0)
	if s.current != nil {
		lastHeight = s.current.Height
	}

	s.dynamicTargetDeadline = 0
	if s.cfg.SubmitProbabilityEnabled() && s.lastCapacityGiB > 0 {
		s.dynamicTargetDeadline = DynamicTargetDeadline(s.factor, candidate.NetDiff, s.lastCapacityGiB)
		if s.dynamicTargetDeadline > 0 {
			candidate = candidate.WithTargetDeadline(s.dynamicTargetDeadline)
		}
	}
	dynamic := s.dynamicTargetDeadline

	if s.halt != nil && s.halt(candidate, now) {
		candidate = candidate.Halted()
	}

	accepted := candidate
	s.current = &accepted
	s.previousHeight = lastHeight
	s.bestDL = nil
	s.roundStart = now
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.mx.RoundAccepted(now)
	s.mx.SetDynamicDeadline(dynamic)
	if dynamic > 0 {
		s.bus.Debug(fmt.Sprintf("%s | Submit Probability | Using targetDL %d", s.cfg.FullName(), dynamic))
	}

	s.bus.Publish(bus.TopicNewRound, NewRoundEvent{Upstream: s.cfg.Name, Round: accepted})
	for _, fn := range listeners {
		fn(accepted)
	}
	s.bus.Info(fmt.Sprintf("%s | New %s", s.cfg.FullName(), accepted))

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.history.RecordRound(ctx, s.cfg.FullName(), accepted, now); err != nil {
			s.log.Error("recording round: %v", err)
		}
		cancel()
	}

	if lastHeight > 0 {
		s.scheduleResolution(lastHeight)
	}
}

// scheduleResolution looks up the winner of height in the background.
// It is not cancelled by later rounds.
func (s *Session) scheduleResolution(height uint64) {
	if s.resolver == nil || s.endpoint.URL == "" {
		return
	}
	s.tracker.Go(func(ctx context.Context) {
		timer := time.NewTimer(s.graceDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		winner, ok := s.resolver.ResolveWithRetry(ctx, s.endpoint, height)
		if ctx.Err() != nil {
			return
		}
		s.settle(height, winner, ok)
	})
}

func (s *Session) settle(height uint64, winner string, ok bool) {
	if !ok {
		s.mx.Resolution(metrics.ResolutionUnknown)
		return
	}

	s.mu.Lock()
	_, won := s.accounts[winner]
	if won {
		s.wonRounds++
	}
	s.mu.Unlock()

	if won {
		s.mx.Resolution(metrics.ResolutionWon)
		s.bus.Info(fmt.Sprintf("%s | Won block %d with account %s", s.cfg.FullName(), height, winner))
	} else {
		s.mx.Resolution(metrics.ResolutionLost)
		s.log.Debug("block %d won by %s", height, winner)
	}

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.history.RecordWinner(ctx, s.cfg.FullName(), height, winner, won, s.now()); err != nil {
			s.log.Error("recording winner: %v", err)
		}
	}
}

// Observe records the submitting account and the reported capacity. It
// runs for every submission, including ones never forwarded upstream.
func (s *Session) Observe(sub Submission, opts SubmitOptions) {
	s.mu.Lock()
	if sub.AccountID != "" {
		s.accounts[sub.AccountID] = struct{}{}
	}
	if opts.CapacityGiB > 0 {
		s.lastCapacityGiB = opts.CapacityGiB
	}
	s.mu.Unlock()

	if opts.CapacityGiB > 0 {
		s.mx.SetCapacity(opts.CapacityGiB)
	}
}

// SubmitNonce forwards a nonce upstream. Failures come back in the result.
func (s *Session) SubmitNonce(ctx context.Context, sub Submission, minerSoftware string, opts SubmitOptions) SubmitResult {
	s.Observe(sub, opts)

	s.mu.Lock()
	var baseTarget uint64
	if s.current != nil && s.current.Height == sub.Height {
		baseTarget = s.current.BaseTarget
	}
	s.mu.Unlock()

	if sub.AccountID == "" {
		s.mx.Submission(metrics.OutcomeRejected)
		return SubmitResult{Err: apperrors.New(apperrors.CodeInvalidSubmission, "missing account id")}
	}

	merged := s.submitOptions(minerSoftware, opts)
	reply, err := s.gw.SubmitNonce(ctx, s.cfg.Coin, sub, merged)
	if err != nil {
		s.mx.Submission(metrics.OutcomeRejected)
		return SubmitResult{Err: s.classify(err)}
	}
	s.mx.Submission(metrics.OutcomeAccepted)

	if baseTarget > 0 {
		s.recordDeadline(ctx, sub.Height, sub.AdjustedDeadline(baseTarget))
	}
	return SubmitResult{Result: reply}
}

// submitOptions merges options: upstream config, then the caller, then defaults.
func (s *Session) submitOptions(minerSoftware string, opts SubmitOptions) SubmitOptions {
	out := SubmitOptions{
		MinerName:         firstNonEmpty(s.cfg.MinerName, opts.MinerName, s.defaultMinerName),
		UserAgent:         s.agent,
		CapacityGiB:       opts.CapacityGiB,
		PayoutAddress:     firstNonEmpty(s.cfg.PayoutAddress, s.cfg.AccountKey),
		AccountName:       firstNonEmpty(s.cfg.AccountName, opts.AccountName),
		DistributionRatio: firstNonEmpty(s.cfg.DistributionRatio, opts.DistributionRatio),
	}
	if minerSoftware != "" {
		out.UserAgent = s.agent + " | " + minerSoftware
	}
	return out
}

func (s *Session) classify(err error) *apperrors.AppError {
	if code := apperrors.Code(err); code != "" {
		return apperrors.Wrap(code, err.Error(), err)
	}
	if !s.gw.Connected() {
		return apperrors.Wrap(apperrors.CodeUpstreamDisconnected, "upstream not connected", err)
	}
	return apperrors.Wrap(apperrors.CodeUpstreamTransport, "submission failed", err)
}

func (s *Session) recordDeadline(ctx context.Context, height, dl uint64) {
	s.mu.Lock()
	if s.current == nil || s.current.Height != height {
		s.mu.Unlock()
		return
	}
	improved := s.bestDL == nil || dl < *s.bestDL
	if improved {
		v := dl
		s.bestDL = &v
	}
	if s.bestDLEver == nil || dl < *s.bestDLEver {
		v := dl
		s.bestDLEver = &v
	}
	s.mu.Unlock()

	if improved && s.history != nil {
		if err := s.history.RecordBestDeadline(ctx, s.cfg.FullName(), height, dl); err != nil {
			s.log.Error("recording best deadline: %v", err)
		}
	}
}

// Current returns a copy of the current round, if any
func (s *Session) Current() (round.Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return round.Round{}, false
	}
	return *s.current, true
}

// WonRounds returns the number of finished rounds won by a known account
func (s *Session) WonRounds() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wonRounds
}

// KnowsAccount reports whether id has ever submitted through this session
func (s *Session) KnowsAccount(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[id]
	return ok
}

// Stats returns a copy of the session state for display
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Name:                  s.cfg.Name,
		FullName:              s.cfg.FullName(),
		Coin:                  s.cfg.Coin,
		Connected:             s.connected,
		RoundStart:            s.roundStart,
		PreviousHeight:        s.previousHeight,
		WonRounds:             s.wonRounds,
		CapacityGiB:           s.lastCapacityGiB,
		DynamicTargetDeadline: s.dynamicTargetDeadline,
		Accounts:              len(s.accounts),
		BestDL:                copyUint(s.bestDL),
		BestDLEver:            copyUint(s.bestDLEver),
	}
	if s.current != nil {
		r := *s.current
		st.Round = &r
	}
	return st
}

func copyUint(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
