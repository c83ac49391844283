// Package proxysocks routes outbound gateway and wallet traffic through an
// optional SOCKS5 proxy.
package proxysocks

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

// Config holds SOCKS proxy configuration
type Config struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Type     string `json:"type" yaml:"type" mapstructure:"type"` // "socks5", empty means socks5
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

// ProxyDialer dials either directly or through the configured SOCKS5 proxy
type ProxyDialer struct {
	config Config
	dialer proxy.Dialer
}

// NewProxyDialer creates a new SOCKS proxy dialer
func NewProxyDialer(config Config) (*ProxyDialer, error) {
	direct := &net.Dialer{Timeout: dialTimeout}
	if !config.Enabled {
		return &ProxyDialer{config: config, dialer: direct}, nil
	}

	if config.Type == "" {
		config.Type = "socks5"
	}
	if config.Type != "socks5" {
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5')", config.Type)
	}
	if config.Host == "" || config.Port == 0 {
		return nil, fmt.Errorf("proxy host and port are required when proxy is enabled")
	}

	proxyURL := &url.URL{
		Scheme: "socks5",
		Host:   net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
	}
	if config.Username != "" {
		proxyURL.User = url.UserPassword(config.Username, config.Password)
	}

	dialer, err := proxy.FromURL(proxyURL, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS proxy dialer: %w", err)
	}

	return &ProxyDialer{config: config, dialer: dialer}, nil
}

// DialContext creates a network connection with context using the configured proxy
func (p *ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if dialerCtx, ok := p.dialer.(proxy.ContextDialer); ok {
		return dialerCtx.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := p.dialer.Dial(network, address)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// HTTPClient returns a client whose connections go through the dialer
func (p *ProxyDialer) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = p.DialContext
	return &http.Client{Transport: transport, Timeout: timeout}
}

// IsEnabled returns true if SOCKS proxy is configured and enabled
func (p *ProxyDialer) IsEnabled() bool {
	return p.config.Enabled
}

// GetAddress returns the proxy address
func (p *ProxyDialer) GetAddress() string {
	if !p.config.Enabled {
		return ""
	}
	return net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port))
}

func (p *ProxyDialer) String() string {
	if !p.config.Enabled {
		return "direct"
	}
	return p.config.Type + "://" + p.GetAddress()
}
