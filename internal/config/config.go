// Package config loads the relay configuration from YAML or JSON files,
// with PLOTRELAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/carlosrabelo/plotrelay/internal/dashboard"
	"github.com/carlosrabelo/plotrelay/internal/gateway"
	"github.com/carlosrabelo/plotrelay/internal/proxysocks"
	"github.com/carlosrabelo/plotrelay/internal/ratelimit"
	"github.com/carlosrabelo/plotrelay/internal/relay"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
)

// EnvPrefix prefixes environment overrides, e.g. PLOTRELAY_REDIS_ADDR
const EnvPrefix = "PLOTRELAY"

// paths taken by the status API on the shared router
var reservedNames = map[string]bool{
	"api": true, "ws": true, "metrics": true, "healthz": true,
	"burst": true, "progress": true, "snapshots": true,
}

// DashboardConfig defines the render loop settings
type DashboardConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	LogLines          int  `json:"logLines" yaml:"logLines" mapstructure:"logLines"`
	ExtendedStats     bool `json:"extendedStats" yaml:"extendedStats" mapstructure:"extendedStats"`
	HumanizeDeadlines bool `json:"humanizeDeadlines" yaml:"humanizeDeadlines" mapstructure:"humanizeDeadlines"`
}

// DatabaseConfig defines the round history store
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// RedisConfig defines the snapshot exchange between relay processes
type RedisConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr       string `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	DB         int    `json:"db" yaml:"db" mapstructure:"db"`
	KeyPrefix  string `json:"keyPrefix" yaml:"keyPrefix" mapstructure:"keyPrefix"`
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds" mapstructure:"ttlSeconds"`
}

// GatewayConfig defines the connection to the pool gateway
type GatewayConfig struct {
	URL          string            `json:"url" yaml:"url" mapstructure:"url"`
	Backups      []string          `json:"backups,omitempty" yaml:"backups,omitempty" mapstructure:"backups"`
	APIKey       string            `json:"apiKey,omitempty" yaml:"apiKey,omitempty" mapstructure:"apiKey"`
	BackoffMinMs int               `json:"backoffMinMs" yaml:"backoffMinMs" mapstructure:"backoffMinMs"`
	BackoffMaxMs int               `json:"backoffMaxMs" yaml:"backoffMaxMs" mapstructure:"backoffMaxMs"`
	SocksProxy   proxysocks.Config `json:"socksProxy" yaml:"socksProxy" mapstructure:"socksProxy"`
}

// UpstreamConfig defines one upstream of a proxy
type UpstreamConfig struct {
	Name              string            `json:"name" yaml:"name" mapstructure:"name"`
	Coin              string            `json:"coin" yaml:"coin" mapstructure:"coin"`
	Protocol          string            `json:"protocol,omitempty" yaml:"protocol,omitempty" mapstructure:"protocol"`
	WalletURL         string            `json:"walletUrl,omitempty" yaml:"walletUrl,omitempty" mapstructure:"walletUrl"`
	CustomEndpoint    string            `json:"customEndpoint,omitempty" yaml:"customEndpoint,omitempty" mapstructure:"customEndpoint"`
	SendTargetDL      uint64            `json:"sendTargetDL,omitempty" yaml:"sendTargetDL,omitempty" mapstructure:"sendTargetDL"`
	SubmitProbability float64           `json:"submitProbability,omitempty" yaml:"submitProbability,omitempty" mapstructure:"submitProbability"`
	TargetDLFactor    float64           `json:"targetDLFactor,omitempty" yaml:"targetDLFactor,omitempty" mapstructure:"targetDLFactor"`
	BlockTimeSeconds  int               `json:"blockTimeSeconds,omitempty" yaml:"blockTimeSeconds,omitempty" mapstructure:"blockTimeSeconds"`
	MinerName         string            `json:"minerName,omitempty" yaml:"minerName,omitempty" mapstructure:"minerName"`
	AccountKey        string            `json:"accountKey,omitempty" yaml:"accountKey,omitempty" mapstructure:"accountKey"`
	PayoutAddress     string            `json:"payoutAddress,omitempty" yaml:"payoutAddress,omitempty" mapstructure:"payoutAddress"`
	AccountName       string            `json:"accountName,omitempty" yaml:"accountName,omitempty" mapstructure:"accountName"`
	DistributionRatio string            `json:"distributionRatio,omitempty" yaml:"distributionRatio,omitempty" mapstructure:"distributionRatio"`
	Maintenance       []upstream.Window `json:"maintenance,omitempty" yaml:"maintenance,omitempty" mapstructure:"maintenance"`
}

// ProxyConfig defines one miner-facing proxy and its upstreams, in
// priority order
type ProxyConfig struct {
	Name      string           `json:"name" yaml:"name" mapstructure:"name"`
	Color     string           `json:"color,omitempty" yaml:"color,omitempty" mapstructure:"color"`
	Upstreams []UpstreamConfig `json:"upstreams" yaml:"upstreams" mapstructure:"upstreams"`
}

// Config is the main configuration structure
type Config struct {
	Listen    string           `json:"listen" yaml:"listen" mapstructure:"listen"`
	LogLevel  string           `json:"logLevel" yaml:"logLevel" mapstructure:"logLevel"`
	Dashboard DashboardConfig  `json:"dashboard" yaml:"dashboard" mapstructure:"dashboard"`
	Database  DatabaseConfig   `json:"database" yaml:"database" mapstructure:"database"`
	Redis     RedisConfig      `json:"redis" yaml:"redis" mapstructure:"redis"`
	Gateway   GatewayConfig    `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	RateLimit ratelimit.Config `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
	Proxies   []ProxyConfig    `json:"proxies" yaml:"proxies" mapstructure:"proxies"`
}

func setDefaults(v *viper.Viper) {
	rl := ratelimit.DefaultConfig()

	v.SetDefault("listen", "0.0.0.0:8124")
	v.SetDefault("logLevel", "info")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.logLines", dashboard.DefaultLogLines)
	v.SetDefault("dashboard.extendedStats", false)
	v.SetDefault("dashboard.humanizeDeadlines", false)

	v.SetDefault("database.path", "plotrelay.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "plotrelay")
	v.SetDefault("redis.ttlSeconds", 5)

	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.apiKey", "")
	v.SetDefault("gateway.backoffMinMs", 1000)
	v.SetDefault("gateway.backoffMaxMs", 30000)
	v.SetDefault("gateway.socksProxy.enabled", false)
	v.SetDefault("gateway.socksProxy.type", "socks5")
	v.SetDefault("gateway.socksProxy.host", "")
	v.SetDefault("gateway.socksProxy.port", 0)

	v.SetDefault("rateLimit.enabled", rl.Enabled)
	v.SetDefault("rateLimit.maxConcurrentPerIp", rl.MaxConcurrentPerIP)
	v.SetDefault("rateLimit.maxRequestsPerMinute", rl.MaxRequestsPerMinute)
	v.SetDefault("rateLimit.banDurationSeconds", rl.BanDurationSeconds)
	v.SetDefault("rateLimit.cleanupIntervalSeconds", rl.CleanupIntervalSeconds)
}

// Default returns the configuration used when no file sets a key
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Load reads path (YAML or JSON, by extension), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if strings.TrimSpace(c.Gateway.URL) == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.BackoffMaxMs < c.Gateway.BackoffMinMs {
		return fmt.Errorf("gateway.backoffMaxMs (%d) must be >= backoffMinMs (%d)",
			c.Gateway.BackoffMaxMs, c.Gateway.BackoffMinMs)
	}
	if c.Gateway.SocksProxy.Enabled && (c.Gateway.SocksProxy.Host == "" || c.Gateway.SocksProxy.Port <= 0) {
		return fmt.Errorf("gateway.socksProxy requires host and port")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Redis.TTLSeconds < 0 {
		return fmt.Errorf("redis.ttlSeconds must not be negative")
	}
	if c.Dashboard.LogLines < 0 {
		return fmt.Errorf("dashboard.logLines must not be negative")
	}
	if len(c.Proxies) == 0 {
		return fmt.Errorf("at least one proxy is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Proxies {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			return fmt.Errorf("proxies[%d]: name is required", i)
		case strings.ContainsAny(name, "/?#% "):
			return fmt.Errorf("proxy %q: name must be usable as a path segment", name)
		case reservedNames[strings.ToLower(name)]:
			return fmt.Errorf("proxy %q: name is reserved", name)
		case seen[name]:
			return fmt.Errorf("proxy %q: duplicate name", name)
		}
		seen[name] = true

		if len(p.Upstreams) == 0 {
			return fmt.Errorf("proxy %s: at least one upstream is required", name)
		}
		upstreams := make(map[string]bool)
		for _, uc := range c.UpstreamConfigs(i) {
			if err := uc.Validate(); err != nil {
				return fmt.Errorf("proxy %s: %w", name, err)
			}
			if upstreams[uc.Name] {
				return fmt.Errorf("proxy %s: duplicate upstream %q", name, uc.Name)
			}
			upstreams[uc.Name] = true
		}
	}
	return nil
}

// UpstreamConfigs returns the session settings of proxy i
func (c *Config) UpstreamConfigs(i int) []upstream.Config {
	p := c.Proxies[i]
	out := make([]upstream.Config, 0, len(p.Upstreams))
	for _, u := range p.Upstreams {
		out = append(out, upstream.Config{
			ProxyName:         strings.TrimSpace(p.Name),
			Name:              u.Name,
			Coin:              u.Coin,
			Protocol:          u.Protocol,
			WalletURL:         u.WalletURL,
			CustomEndpoint:    u.CustomEndpoint,
			SendTargetDL:      u.SendTargetDL,
			SubmitProbability: u.SubmitProbability,
			TargetDLFactor:    u.TargetDLFactor,
			BlockTime:         time.Duration(u.BlockTimeSeconds) * time.Second,
			MinerName:         u.MinerName,
			AccountKey:        u.AccountKey,
			PayoutAddress:     u.PayoutAddress,
			AccountName:       u.AccountName,
			DistributionRatio: u.DistributionRatio,
			Maintenance:       u.Maintenance,
		})
	}
	return out
}

// RelayConfig returns the settings of proxy i
func (c *Config) RelayConfig(i int) relay.Config {
	p := c.Proxies[i]
	return relay.Config{Name: strings.TrimSpace(p.Name), Index: i, Color: p.Color}
}

// GatewayClientConfig returns the gateway client settings
func (c *Config) GatewayClientConfig(userAgent string) gateway.Config {
	return gateway.Config{
		URL:        c.Gateway.URL,
		Backups:    c.Gateway.Backups,
		APIKey:     c.Gateway.APIKey,
		UserAgent:  userAgent,
		BackoffMin: time.Duration(c.Gateway.BackoffMinMs) * time.Millisecond,
		BackoffMax: time.Duration(c.Gateway.BackoffMaxMs) * time.Millisecond,
		Socks:      c.Gateway.SocksProxy,
	}
}

// DashboardSettings returns the dashboard settings
func (c *Config) DashboardSettings(version string) dashboard.Config {
	return dashboard.Config{
		Version:           version,
		LogLines:          c.Dashboard.LogLines,
		LogLevel:          c.LogLevel,
		ExtendedStats:     c.Dashboard.ExtendedStats,
		HumanizeDeadlines: c.Dashboard.HumanizeDeadlines,
	}
}

// RedisOptions returns the go-redis client options
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// RedisTTL returns how long published snapshots live
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
