package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

// Protocol selects the query dialect a wallet speaks.
type Protocol string

const (
	// ProtocolBitcoinLike: JSON-RPC getblockhash + getblock, winner in plotterId.
	ProtocolBitcoinLike Protocol = "bitcoin"
	// ProtocolBurstLike: query-string getBlock, winner in generator.
	ProtocolBurstLike Protocol = "burst"
)

const DefaultBurstPath = "burst"

// ProtocolForCoin returns the protocol a coin's wallet speaks by default.
// BURST nodes use the query-string API, every other PoC coin is a bitcoin fork.
func ProtocolForCoin(coin string) Protocol {
	if strings.EqualFold(coin, "BURST") {
		return ProtocolBurstLike
	}
	return ProtocolBitcoinLike
}

// ParseProtocol accepts "bitcoin"/"burst" and falls back to the coin default.
func ParseProtocol(s, coin string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ProtocolForCoin(coin), nil
	case string(ProtocolBitcoinLike):
		return ProtocolBitcoinLike, nil
	case string(ProtocolBurstLike):
		return ProtocolBurstLike, nil
	default:
		return "", fmt.Errorf("unknown wallet protocol %q", s)
	}
}

// Endpoint is a wallet or node to ask.
type Endpoint struct {
	URL      string
	Protocol Protocol
	// Path is the query-string API path for burst-like nodes.
	Path string
}

// Querier answers "who won block height" with a single attempt.
type Querier interface {
	WinnerOf(ctx context.Context, ep Endpoint, height uint64) (accountID string, ok bool)
}

// Client is the single-attempt Querier. It never returns errors: any
// failure means no answer.
type Client struct {
	transport Transport
	log       *logger.Logger
}

func NewClient(t Transport, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{transport: t, log: log}
}

func (c *Client) WinnerOf(ctx context.Context, ep Endpoint, height uint64) (string, bool) {
	var (
		id  string
		err error
	)
	switch ep.Protocol {
	case ProtocolBurstLike:
		id, err = c.burstWinner(ctx, ep, height)
	default:
		id, err = c.bitcoinWinner(ctx, ep.URL, height)
	}
	if err != nil {
		c.log.Debug("winner query %s height=%d: %v", ep.URL, height, err)
		return "", false
	}
	if id == "" {
		return "", false
	}
	return id, true
}

func (c *Client) bitcoinWinner(ctx context.Context, endpoint string, height uint64) (string, error) {
	hashRes, err := c.transport.CallJSONRPC(ctx, endpoint, "getblockhash", height)
	if err != nil {
		return "", err
	}
	hash, ok := hashRes.(string)
	if !ok || hash == "" {
		return "", fmt.Errorf("getblockhash: unexpected result %v", hashRes)
	}

	blockRes, err := c.transport.CallJSONRPC(ctx, endpoint, "getblock", hash)
	if err != nil {
		return "", err
	}
	block, ok := blockRes.(map[string]any)
	if !ok {
		return "", fmt.Errorf("getblock: unexpected result type %T", blockRes)
	}
	id, err := identity(block["plotterId"])
	if err != nil {
		return "", fmt.Errorf("getblock: plotterId: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("getblock: missing plotterId")
	}
	return id, nil
}

func (c *Client) burstWinner(ctx context.Context, ep Endpoint, height uint64) (string, error) {
	path := ep.Path
	if path == "" {
		path = DefaultBurstPath
	}
	params := url.Values{"height": {strconv.FormatUint(height, 10)}}
	block, err := c.transport.CallQuery(ctx, ep.URL, path, "getBlock", params)
	if err != nil {
		return "", err
	}
	if code, exists := block["errorCode"]; exists && code != nil {
		return "", nil
	}
	// A node that has not seen the block yet answers without a generator.
	return identity(block["generator"])
}

// identity renders an account/plotter id without losing precision.
func identity(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(id), nil
	case json.Number:
		return id.String(), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}
