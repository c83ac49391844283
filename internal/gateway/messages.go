package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/carlosrabelo/plotrelay/internal/upstream"
)

// Methods spoken over the gateway socket.
const (
	MethodGetMiningInfo = "getMiningInfo"
	MethodSubmitNonce   = "submitNonce"
	MethodMiningInfo    = "miningInfo"
)

// Request is sent by the relay; ID pairs it with the response.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Coin   string `json:"coin"`
	Params any    `json:"params,omitempty"`
}

// Message is anything read from the gateway: a response carries an ID,
// a notification carries a method.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Coin   string          `json:"coin,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a request
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RemoteError is an error reported by the gateway for one request
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// SubmitParams is the payload of a submitNonce request
type SubmitParams struct {
	Submission upstream.Submission    `json:"submission"`
	Options    upstream.SubmitOptions `json:"options"`
}
