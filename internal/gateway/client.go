// Package gateway connects the relay to a pool gateway over a websocket.
// It implements upstream.Gateway for every session sharing the connection.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/carlosrabelo/plotrelay/internal/proxysocks"
	"github.com/carlosrabelo/plotrelay/internal/round"
	"github.com/carlosrabelo/plotrelay/internal/upstream"
	apperrors "github.com/carlosrabelo/plotrelay/pkg/errors"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultRequestTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// Config holds the gateway connection settings
type Config struct {
	URL     string
	Backups []string
	APIKey  string

	UserAgent      string
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	Socks          proxysocks.Config
}

type response struct {
	result []byte
	err    error
}

// Client is a reconnecting gateway connection
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	reqID     atomic.Int64
	connected atomic.Bool

	respMu  sync.Mutex
	pending map[int64]chan response

	handlersMu   sync.RWMutex
	infoHandlers map[string][]func(round.Notification)
	connHandlers []func(bool)
}

var _ upstream.Gateway = (*Client)(nil)

// New creates a gateway client; nothing is dialed until Run
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	pd, err := proxysocks.NewProxyDialer(cfg.Socks)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		NetDialContext:   pd.DialContext,
		HandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		cfg:          cfg,
		dialer:       dialer,
		log:          log.With("component", "gateway"),
		pending:      make(map[int64]chan response),
		infoHandlers: make(map[string][]func(round.Notification)),
	}, nil
}

// Run keeps the connection alive until ctx is done, cycling through the
// primary URL and its backups.
func (c *Client) Run(ctx context.Context) {
	urls := append([]string{c.cfg.URL}, c.cfg.Backups...)
	idx := 0

	for ctx.Err() == nil {
		target := urls[idx]
		if err := c.Dial(ctx, target); err != nil {
			d := Backoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
			c.log.Error("gateway dial fail (%s): %v; retry in %s", target, err, d)
			idx = (idx + 1) % len(urls)
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		c.log.Info("gateway connected: %s", target)
		c.setConnected(true)
		go c.refreshMiningInfo(ctx)

		stop := context.AfterFunc(ctx, c.Close)
		err := c.readLoop()
		stop()

		c.Close()
		c.setConnected(false)
		c.failPending(apperrors.New(apperrors.CodeUpstreamDisconnected, "gateway connection lost"))

		if ctx.Err() != nil {
			return
		}
		d := Backoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
		c.log.Error("gateway disconnected: %v; retry in %s", err, d)
		idx = (idx + 1) % len(urls)
		if !sleep(ctx, d) {
			return
		}
	}
}

// Dial establishes the websocket connection to url
func (c *Client) Dial(ctx context.Context, url string) error {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-Api-Key", c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close closes the current connection, if any
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether the gateway socket is up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	c.handlersMu.RLock()
	handlers := slices.Clone(c.connHandlers)
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(v)
	}
}

// OnMiningInfo registers fn for round notifications of coin
func (c *Client) OnMiningInfo(coin string, fn func(round.Notification)) {
	c.handlersMu.Lock()
	c.infoHandlers[coin] = append(c.infoHandlers[coin], fn)
	c.handlersMu.Unlock()
}

// OnConnectionStateChange registers fn for connect and disconnect events
func (c *Client) OnConnectionStateChange(fn func(bool)) {
	c.handlersMu.Lock()
	c.connHandlers = append(c.connHandlers, fn)
	c.handlersMu.Unlock()
}

// MiningInfo asks the gateway for the current round of coin
func (c *Client) MiningInfo(ctx context.Context, coin string) (round.Notification, error) {
	raw, err := c.call(ctx, MethodGetMiningInfo, coin, nil)
	if err != nil {
		return round.Notification{}, err
	}
	var n round.Notification
	if err := wire.Unmarshal(raw, &n); err != nil {
		return round.Notification{}, fmt.Errorf("decoding mining info: %w", err)
	}
	return n, nil
}

// SubmitNonce forwards a submission. A gateway-side refusal comes back as
// an upstream_rejected AppError.
func (c *Client) SubmitNonce(ctx context.Context, coin string, s upstream.Submission, opts upstream.SubmitOptions) (*upstream.SubmitReply, error) {
	raw, err := c.call(ctx, MethodSubmitNonce, coin, SubmitParams{Submission: s, Options: opts})
	if err != nil {
		return nil, err
	}
	var reply upstream.SubmitReply
	if err := wire.Unmarshal(raw, &reply); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamTransport, "decoding submit reply", err)
	}
	return &reply, nil
}

func (c *Client) call(ctx context.Context, method, coin string, params any) ([]byte, error) {
	if !c.Connected() {
		return nil, apperrors.New(apperrors.CodeUpstreamDisconnected, "gateway not connected")
	}

	id := c.reqID.Add(1)
	ch := make(chan response, 1)
	c.respMu.Lock()
	c.pending[id] = ch
	c.respMu.Unlock()
	defer c.removePending(id)

	if err := c.send(Request{ID: id, Method: method, Coin: coin, Params: params}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamTransport, "sending "+method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		return nil, apperrors.New(apperrors.CodeUpstreamTransport, method+" timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(req Request) error {
	b, err := wire.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway nil")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) removePending(id int64) {
	c.respMu.Lock()
	delete(c.pending, id)
	c.respMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	for id, ch := range c.pending {
		ch <- response{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway nil")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := wire.Unmarshal(data, &msg); err != nil {
			c.log.Debug("bad gateway message: %v", err)
			continue
		}
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *Message) {
	if msg.IsResponse() {
		c.respMu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.respMu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			ch <- response{err: apperrors.Wrap(apperrors.CodeUpstreamRejected, msg.Error.Message, msg.Error)}
			return
		}
		ch <- response{result: msg.Result}
		return
	}

	if msg.Method != MethodMiningInfo {
		c.log.Debug("ignoring gateway method %q", msg.Method)
		return
	}
	var n round.Notification
	if err := wire.Unmarshal(msg.Params, &n); err != nil {
		c.log.Error("bad mining info for %s: %v", msg.Coin, err)
		return
	}
	c.dispatch(msg.Coin, n)
}

func (c *Client) dispatch(coin string, n round.Notification) {
	c.handlersMu.RLock()
	handlers := slices.Clone(c.infoHandlers[coin])
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// refreshMiningInfo re-reads the round of every subscribed coin after a
// reconnect, so sessions do not wait for the next block.
func (c *Client) refreshMiningInfo(ctx context.Context) {
	c.handlersMu.RLock()
	coins := make([]string, 0, len(c.infoHandlers))
	for coin := range c.infoHandlers {
		coins = append(coins, coin)
	}
	c.handlersMu.RUnlock()

	for _, coin := range coins {
		n, err := c.MiningInfo(ctx, coin)
		if err != nil {
			c.log.Debug("refresh mining info %s: %v", coin, err)
			continue
		}
		c.dispatch(coin, n)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
