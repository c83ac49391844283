package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus holds all prometheus metric collectors, labeled by upstream
type Prometheus struct {
	Rounds          *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	Resolutions     *prometheus.CounterVec
	UpConnected     *prometheus.GaugeVec
	DynamicDeadline *prometheus.GaugeVec
	Capacity        *prometheus.GaugeVec
	LastRound       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewPrometheus creates and registers the relay collectors on reg.
// A nil reg uses the process-wide default registry.
func NewPrometheus(namespace string, reg *prometheus.Registry) *Prometheus {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	// Helper to safely register or get existing collector
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := registerer.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)).(*prometheus.CounterVec)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)).(*prometheus.GaugeVec)
	}

	return &Prometheus{
		Rounds:          counter("rounds_total", "Total number of new mining rounds accepted", "upstream"),
		Duplicates:      counter("rounds_duplicate_total", "Round notifications discarded as duplicates", "upstream"),
		Submissions:     counter("submissions_total", "Nonce submissions by outcome", "upstream", "outcome"),
		Resolutions:     counter("round_resolutions_total", "Finished rounds by resolution outcome", "upstream", "outcome"),
		UpConnected:     gauge("upstream_connected", "Upstream connection status (1 = connected, 0 = disconnected)", "upstream"),
		DynamicDeadline: gauge("dynamic_target_deadline_seconds", "Target deadline derived from network difficulty and capacity", "upstream"),
		Capacity:        gauge("capacity_gib", "Farm capacity last reported by miners", "upstream"),
		LastRound:       gauge("last_round_timestamp_seconds", "Unix timestamp of the last accepted round", "upstream"),
		gatherer:        gatherer,
	}
}

// Handler serves the registry these collectors live in
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
