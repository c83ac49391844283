// Package chain asks PoC wallets and nodes which account forged a block.
package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// numberJSON keeps large integers (account ids, plotter ids) as json.Number.
var numberJSON = jsoniter.Config{
	EscapeHTML:             false,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

const maxResponseBytes = 4 << 20

// Transport is the request layer for both query protocols.
type Transport interface {
	// CallJSONRPC posts a JSON-RPC 2.0 request and returns its "result".
	CallJSONRPC(ctx context.Context, endpoint, method string, params ...any) (any, error)
	// CallQuery issues GET {endpoint}/{path}?requestType=method&params.
	CallQuery(ctx context.Context, endpoint, path, method string, params url.Values) (map[string]any, error)
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport wraps client; a nil client gets a 10s timeout default.
func NewHTTPTransport(client *http.Client, userAgent string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{client: client, userAgent: userAgent}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result any `json:"result"`
	Error  any `json:"error"`
}

func (t *HTTPTransport) CallJSONRPC(ctx context.Context, endpoint, method string, params ...any) (any, error) {
	if params == nil {
		params = []any{}
	}
	body, err := numberJSON.Marshal(rpcRequest{JSONRPC: "2.0", ID: 0, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := t.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var resp rpcResponse
	if err := numberJSON.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error: %v", method, resp.Error)
	}
	return resp.Result, nil
}

func (t *HTTPTransport) CallQuery(ctx context.Context, endpoint, path, method string, params url.Values) (map[string]any, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("requestType", method)

	u := strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}

	raw, err := t.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var out map[string]any
	if err := numberJSON.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	return out, nil
}

func (t *HTTPTransport) do(req *http.Request) ([]byte, error) {
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return raw, nil
}
