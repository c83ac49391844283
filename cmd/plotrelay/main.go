// plotrelay - pool switching relay for PoC miners
// Author: Carlos Rabelo <contato@carlosrabelo.com.br>

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/carlosrabelo/plotrelay/internal/api"
	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/internal/chain"
	"github.com/carlosrabelo/plotrelay/internal/config"
	"github.com/carlosrabelo/plotrelay/internal/dashboard"
	"github.com/carlosrabelo/plotrelay/internal/gateway"
	"github.com/carlosrabelo/plotrelay/internal/metrics"
	"github.com/carlosrabelo/plotrelay/internal/proxysocks"
	"github.com/carlosrabelo/plotrelay/internal/ratelimit"
	"github.com/carlosrabelo/plotrelay/internal/relay"
	"github.com/carlosrabelo/plotrelay/internal/stats"
	"github.com/carlosrabelo/plotrelay/internal/storage"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

var version = "v0.1.0"

const walletTimeout = 10 * time.Second

func main() {
	cfgFile := flag.String("config", "plotrelay.yaml", "Path to configuration file (YAML or JSON)")
	showVersion := flag.Bool("version", false, "Show version information")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("plotrelay " + version)
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	if *printConfig {
		data, err := cfg.Marshal()
		if err != nil {
			logger.Error("Failed to render config: %v", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(data)
		return
	}

	log := logger.New(cfg.LogLevel)
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start: %v", err)
		os.Exit(1)
	}
	if cfg.Dashboard.Enabled && isatty.IsTerminal(os.Stdout.Fd()) {
		a.attachTerminal(os.Stdout, true)
	}

	if err := a.Run(ctx); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

// app holds every long-lived component of the process
type app struct {
	cfg *config.Config
	log *logger.Logger
	bus *bus.Bus

	store    *storage.SQLiteStorage
	prom     *metrics.Prometheus
	gw       *gateway.Client
	tracker  *upstream.Tracker
	sessions []*upstream.Session
	relays   []*relay.Relay
	limiter  *ratelimit.Limiter
	dash     *dashboard.Dashboard
	server   *api.Server

	redis    *redis.Client
	exchange *stats.RedisExchange
	terminal bool
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, bus: bus.New()}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error
	if cfg.Database.Path != "" {
		if a.store, err = storage.NewSQLiteStorage(cfg.Database.Path); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.prom = metrics.NewPrometheus("plotrelay", reg)

	agent := "plotrelay/" + version
	if a.gw, err = gateway.New(cfg.GatewayClientConfig(agent), log); err != nil {
		return nil, err
	}

	// wallet queries share the gateway's SOCKS settings
	pd, err := proxysocks.NewProxyDialer(cfg.Gateway.SocksProxy)
	if err != nil {
		return nil, err
	}
	transport := chain.NewHTTPTransport(pd.HTTPClient(walletTimeout), agent)
	resolver := chain.NewResolver(chain.NewClient(transport, log), chain.WithLogger(log))

	var history upstream.History
	if a.store != nil {
		history = a.store
	}
	a.tracker = upstream.NewTracker(ctx)

	for i := range cfg.Proxies {
		var sessions []relay.Session
		for _, uc := range cfg.UpstreamConfigs(i) {
			s, err := upstream.NewSession(uc, upstream.Deps{
				Gateway:  a.gw,
				Resolver: resolver,
				Bus:      a.bus,
				Tracker:  a.tracker,
				History:  history,
				Metrics:  metrics.NewCollector(uc.FullName(), a.prom),
				Logger:   log,
				Agent:    agent,
			})
			if err != nil {
				return nil, err
			}
			a.sessions = append(a.sessions, s)
			sessions = append(sessions, s)
		}

		rl, err := relay.New(cfg.RelayConfig(i), sessions, a.bus, log)
		if err != nil {
			return nil, err
		}
		a.relays = append(a.relays, rl)
	}

	a.limiter = ratelimit.NewLimiter(cfg.RateLimit)

	a.dash = dashboard.New(cfg.DashboardSettings(version), a.bus, stats.SourceFunc(a.localSnapshots), log)
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(cfg.RedisOptions())
		a.exchange = stats.NewRedisExchange(a.redis, cfg.Redis.KeyPrefix, cfg.RedisTTL())
		a.dash.SetExchange(a.exchange)
	}

	a.server = api.NewServer(api.Options{
		Listen:  cfg.Listen,
		Relays:  a.relays,
		Status:  a.dash,
		Rounds:  a.roundStore(),
		Limiter: a.limiter,
		Metrics: a.prom.Handler(),
		Logger:  log,
	})
	a.dash.AddSink(a.server.Hub())

	ready = true
	return a, nil
}

func (a *app) roundStore() api.RoundStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) localSnapshots(context.Context) ([]stats.Snapshot, error) {
	var out []stats.Snapshot
	for _, rl := range a.relays {
		out = append(out, rl.Snapshots()...)
	}
	return out, nil
}

// attachTerminal renders the dashboard table to w instead of forwarding
// operator lines to the logger
func (a *app) attachTerminal(w io.Writer, clear bool) {
	a.dash.AddSink(dashboard.NewTerminal(w, a.cfg.DashboardSettings(version), clear))
	a.terminal = true
}

// Run starts every loop and blocks until ctx is done or the HTTP server
// fails
func (a *app) Run(ctx context.Context) error {
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !a.terminal {
		unsubscribe := dashboard.ForwardLogs(a.bus, a.log)
		defer unsubscribe()
	}

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { a.gw.Run(ctx) })
	start(func() { a.limiter.Run(ctx) })
	start(func() { a.dash.Run(ctx) })
	start(func() { a.initSessions(ctx) })

	a.log.Info("plotrelay %s: %d proxies, %d upstreams", version, len(a.relays), len(a.sessions))
	err := a.server.Run(ctx)
	if err != nil {
		err = fmt.Errorf("http server: %w", err)
	}

	cancel()
	a.tracker.Stop()
	wg.Wait()
	return err
}

// initSessions loads the first mining info of every session. A session
// that misses it is filled in by the gateway's refresh on connect.
func (a *app) initSessions(ctx context.Context) {
	for _, s := range a.sessions {
		ictx, cancel := context.WithTimeout(ctx, gateway.DefaultRequestTimeout)
		if err := s.Init(ictx); err != nil {
			a.log.Debug("%v", err)
		}
		cancel()
	}
}

func (a *app) close() {
	if a.exchange != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := a.exchange.Remove(ctx); err != nil {
			a.log.Debug("removing shared snapshots: %v", err)
		}
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.gw != nil {
		a.gw.Close()
	}
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.bus.Close()
}
