// Package ratelimit limits miner HTTP requests per client IP
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds rate limiting configuration
type Config struct {
	// Enabled indicates if rate limiting is active
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// MaxConcurrentPerIP limits in-flight requests from a single IP
	MaxConcurrentPerIP int `json:"maxConcurrentPerIp" yaml:"maxConcurrentPerIp" mapstructure:"maxConcurrentPerIp"`
	// MaxRequestsPerMinute limits requests per minute from a single IP
	MaxRequestsPerMinute int `json:"maxRequestsPerMinute" yaml:"maxRequestsPerMinute" mapstructure:"maxRequestsPerMinute"`
	// BanDurationSeconds how long to ban an IP that exceeds limits
	BanDurationSeconds int `json:"banDurationSeconds" yaml:"banDurationSeconds" mapstructure:"banDurationSeconds"`
	// CleanupIntervalSeconds how often to cleanup old entries
	CleanupIntervalSeconds int `json:"cleanupIntervalSeconds" yaml:"cleanupIntervalSeconds" mapstructure:"cleanupIntervalSeconds"`
}

// DefaultConfig is permissive enough for a farm of scanners polling
// getMiningInfo every few seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		MaxConcurrentPerIP:     32,
		MaxRequestsPerMinute:   1200,
		BanDurationSeconds:     60,
		CleanupIntervalSeconds: 60,
	}
}

type ipStats struct {
	mu           sync.Mutex
	active       int
	requestTimes []time.Time
	bannedUntil  time.Time
}

// IPStats is a copy of the counters of one IP
type IPStats struct {
	IP               string    `json:"ip"`
	Active           int       `json:"active"`
	RequestsInMinute int       `json:"requestsInMinute"`
	Banned           bool      `json:"banned"`
	BannedUntil      time.Time `json:"bannedUntil,omitempty"`
}

// GlobalStats summarizes the limiter
type GlobalStats struct {
	TotalIPs    int `json:"totalIps"`
	TotalActive int `json:"totalActive"`
	BannedIPs   int `json:"bannedIps"`
	MaxPerIP    int `json:"maxPerIp"`
	MaxPerMin   int `json:"maxPerMinute"`
	BanSeconds  int `json:"banDurationSeconds"`
}

// Limiter implements rate limiting logic
type Limiter struct {
	cfg   Config
	now   func() time.Time
	mu    sync.RWMutex
	stats map[string]*ipStats
}

// NewLimiter creates a new rate limiter
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*ipStats),
	}
}

// Enabled reports whether requests are being limited
func (l *Limiter) Enabled() bool {
	return l.cfg.Enabled
}

// Run removes idle entries until ctx is done
func (l *Limiter) Run(ctx context.Context) {
	if !l.cfg.Enabled || l.cfg.CleanupIntervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(l.cfg.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// Allow checks if a request from ip should be served. A true result must
// be paired with Release.
func (l *Limiter) Allow(ip string) bool {
	if !l.cfg.Enabled {
		return true
	}
	if ip == "" {
		return false
	}

	// Get or create stats for this IP
	l.mu.RLock()
	stats, exists := l.stats[ip]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		stats, exists = l.stats[ip]
		if !exists {
			stats = &ipStats{}
			l.stats[ip] = stats
		}
		l.mu.Unlock()
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := l.now()

	if now.Before(stats.bannedUntil) {
		return false
	}

	if l.cfg.MaxConcurrentPerIP > 0 && stats.active >= l.cfg.MaxConcurrentPerIP {
		return false
	}

	if l.cfg.MaxRequestsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := stats.requestTimes[:0]
		for _, t := range stats.requestTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		stats.requestTimes = kept

		if len(stats.requestTimes) >= l.cfg.MaxRequestsPerMinute {
			stats.bannedUntil = now.Add(time.Duration(l.cfg.BanDurationSeconds) * time.Second)
			return false
		}
		stats.requestTimes = append(stats.requestTimes, now)
	}

	stats.active++
	return true
}

// Release decrements the in-flight count for ip
func (l *Limiter) Release(ip string) {
	if !l.cfg.Enabled || ip == "" {
		return
	}

	l.mu.RLock()
	stats, exists := l.stats[ip]
	l.mu.RUnlock()
	if !exists {
		return
	}

	stats.mu.Lock()
	if stats.active > 0 {
		stats.active--
	}
	stats.mu.Unlock()
}

// IsBanned checks if an IP is currently banned
func (l *Limiter) IsBanned(ip string) bool {
	if !l.cfg.Enabled {
		return false
	}

	l.mu.RLock()
	stats, exists := l.stats[ip]
	l.mu.RUnlock()
	if !exists {
		return false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	return l.now().Before(stats.bannedUntil)
}

// Stats returns current statistics for an IP
func (l *Limiter) Stats(ip string) IPStats {
	l.mu.RLock()
	stats, exists := l.stats[ip]
	l.mu.RUnlock()

	out := IPStats{IP: ip}
	if !exists {
		return out
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	out.Active = stats.active
	out.RequestsInMinute = len(stats.requestTimes)
	out.Banned = l.now().Before(stats.bannedUntil)
	out.BannedUntil = stats.bannedUntil
	return out
}

// Global returns global rate limiting statistics
func (l *Limiter) Global() GlobalStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	g := GlobalStats{
		TotalIPs:   len(l.stats),
		MaxPerIP:   l.cfg.MaxConcurrentPerIP,
		MaxPerMin:  l.cfg.MaxRequestsPerMinute,
		BanSeconds: l.cfg.BanDurationSeconds,
	}
	now := l.now()
	for _, stats := range l.stats {
		stats.mu.Lock()
		g.TotalActive += stats.active
		if now.Before(stats.bannedUntil) {
			g.BannedIPs++
		}
		stats.mu.Unlock()
	}
	return g
}

// Middleware rejects requests over the limits with 429
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if !l.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !l.Allow(ip) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		defer l.Release(ip)
		next.ServeHTTP(w, r)
	})
}

// cleanup removes entries with no active requests and no recent activity
func (l *Limiter) cleanup() {
	now := l.now()
	cutoff := now.Add(-5 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, stats := range l.stats {
		stats.mu.Lock()
		if stats.active == 0 &&
			now.After(stats.bannedUntil) &&
			(len(stats.requestTimes) == 0 || stats.requestTimes[len(stats.requestTimes)-1].Before(cutoff)) {
			delete(l.stats, ip)
		}
		stats.mu.Unlock()
	}
}

// ClientIP extracts the IP address of the remote peer
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
