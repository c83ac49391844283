// Package api serves the miner endpoints of every relay together with the
// status API, the live websocket feed and the prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/carlosrabelo/plotrelay/internal/dashboard"
	"github.com/carlosrabelo/plotrelay/internal/ratelimit"
	"github.com/carlosrabelo/plotrelay/internal/relay"
	"github.com/carlosrabelo/plotrelay/internal/storage"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

const shutdownTimeout = 2 * time.Second

// StatusSource returns the last dashboard frame
type StatusSource interface {
	Latest() dashboard.Frame
}

// RoundStore reads the round history
type RoundStore interface {
	RecentRounds(ctx context.Context, upstream string, limit int) ([]storage.RoundRecord, error)
}

// Options wires the server to the rest of the process. Only Listen and
// Relays are required.
type Options struct {
	Listen  string
	Relays  []*relay.Relay
	Status  StatusSource
	Rounds  RoundStore
	Limiter *ratelimit.Limiter
	Metrics http.Handler
	Logger  *logger.Logger
}

// Server represents the HTTP server
type Server struct {
	opts Options
	log  *logger.Logger
	hub  *WebSocketHub
}

// NewServer creates a new server
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "api")
	return &Server{
		opts: opts,
		log:  log,
		hub:  NewWebSocketHub(log),
	}
}

// Hub returns the websocket hub, a dashboard sink
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Capacity", "X-Miner", "X-MinerName", "X-AccountName"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/upstreams", s.handleUpstreams)
		r.Get("/rounds", s.handleRounds)
		r.Get("/ratelimit", s.handleRateLimit)
	})
	r.Get("/ws", s.handleWebSocket)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	var mws []func(http.Handler) http.Handler
	if s.opts.Limiter != nil && s.opts.Limiter.Enabled() {
		mws = append(mws, s.opts.Limiter.Middleware)
	}
	for _, rl := range s.opts.Relays {
		r.Mount("/"+rl.Name(), rl.Routes(mws...))
	}
	// a single proxy also answers on the root path, which is what miners
	// configured with a bare host expect
	if len(s.opts.Relays) == 1 {
		rl := s.opts.Relays[0]
		miner := rl.Routes(mws...)
		r.Handle("/burst", miner)
		r.Handle("/progress", miner)
	}

	return r
}

// Run serves until ctx is done, then shuts down within two seconds
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run()
	defer s.hub.Stop()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	s.log.Info("http: listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
