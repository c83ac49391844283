package api

import (
	"net/http"
	"strconv"

	"github.com/carlosrabelo/plotrelay/internal/metrics"
	"github.com/carlosrabelo/plotrelay/internal/ratelimit"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/internal/storage"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
)

const maxRounds = 500

// UpstreamView is one session as seen by /api/upstreams
type UpstreamView struct {
	Proxy   string           `json:"proxy"`
	Session upstream.Stats   `json:"session"`
	Metrics metrics.Snapshot `json:"metrics"`
}

type statusResponse struct {
	Version     string         `json:"version"`
	SingleProxy bool           `json:"singleProxy"`
	Records     []stats.Record `json:"records"`
	LogLines    []string       `json:"logLines"`
	Clients     int            `json:"wsClients"`
}

// handleHealth reports liveness
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleStatus returns the last merged records and log lines
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		http.Error(w, "dashboard disabled", http.StatusServiceUnavailable)
		return
	}
	f := s.opts.Status.Latest()
	out := statusResponse{
		Version:     f.Version,
		SingleProxy: f.SingleProxy,
		Records:     f.Records,
		LogLines:    f.LogLines,
		Clients:     s.hub.Clients(),
	}
	if f.Records == nil {
		out.Records = []stats.Record{}
	}
	if out.LogLines == nil {
		out.LogLines = []string{}
	}
	s.jsonResponse(w, out)
}

// handleUpstreams returns session state and counters of every upstream
// GET /api/upstreams
func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	result := make([]UpstreamView, 0)
	for _, rl := range s.opts.Relays {
		for _, sess := range rl.Sessions() {
			v := UpstreamView{Proxy: rl.Name(), Session: sess.Stats()}
			if m := sess.Metrics(); m != nil {
				v.Metrics = m.Snapshot()
			}
			result = append(result, v)
		}
	}
	s.jsonResponse(w, result)
}

// handleRounds returns the round history
// GET /api/rounds?limit=50&upstream=<proxy | name>
func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rounds == nil {
		http.Error(w, "round history disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxRounds {
		limit = maxRounds
	}

	rounds, err := s.opts.Rounds.RecentRounds(r.Context(), r.URL.Query().Get("upstream"), limit)
	if err != nil {
		s.log.Error("reading rounds: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []storage.RoundRecord{}
	}
	s.jsonResponse(w, rounds)
}

// handleRateLimit returns the limiter counters
// GET /api/ratelimit?ip=1.2.3.4
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Limiter == nil {
		s.jsonResponse(w, ratelimit.GlobalStats{})
		return
	}
	if ip := r.URL.Query().Get("ip"); ip != "" {
		s.jsonResponse(w, s.opts.Limiter.Stats(ip))
		return
	}
	s.jsonResponse(w, s.opts.Limiter.Global())
}

func (s *Server) jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := wire.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response: %v", err)
	}
}
