// Package round defines the mining round value type and its wire payload.
package round

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// netDiffBase is the genesis base target of a 240s PoC chain expressed in TiB.
// netDiff = netDiffBase / baseTarget.
const netDiffBase = 18325193796

// Round is one block-mining interval. It is a value: build it with New and
// never mutate it afterwards.
type Round struct {
	Height              uint64  `json:"height"`
	BaseTarget          uint64  `json:"baseTarget"`
	GenerationSignature string  `json:"generationSignature"`
	TargetDeadline      uint64  `json:"targetDeadline,omitempty"`
	MiningHalted        bool    `json:"miningHalted,omitempty"`
	Coin                string  `json:"coin"`
	NetDiff             float64 `json:"netDiff"`
}

// Same reports whether a and b identify the same round.
// Only height and base target count; see DESIGN.md for the open question
// about netDiff and generation signature changes.
func Same(a, b *Round) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Height == b.Height && a.BaseTarget == b.BaseTarget
}

// Number accepts both JSON numbers and numeric strings, as PoC wallets and
// pools disagree on which one to send.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("number: %w", err)
		}
		*n = Number(strings.TrimSpace(s))
		return nil
	}
	*n = Number(b)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("null"), nil
	}
	return []byte(n), nil
}

func (n Number) IsSet() bool {
	return n != ""
}

func (n Number) Uint64() (uint64, error) {
	return strconv.ParseUint(string(n), 10, 64)
}

func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// Notification is the raw round-change payload delivered by a pool gateway.
type Notification struct {
	Height              Number `json:"height"`
	BaseTarget          Number `json:"baseTarget"`
	GenerationSignature string `json:"generationSignature"`
	TargetDeadline      Number `json:"targetDeadline,omitempty"`
	MiningHalted        bool   `json:"miningHalted,omitempty"`
	NetDiff             Number `json:"netDiff,omitempty"`
}

// New validates a notification and builds the round for coin.
func New(n Notification, coin string) (Round, error) {
	if !n.Height.IsSet() {
		return Round{}, fmt.Errorf("round: missing height")
	}
	height, err := n.Height.Uint64()
	if err != nil {
		return Round{}, fmt.Errorf("round: invalid height %q: %w", n.Height, err)
	}
	if !n.BaseTarget.IsSet() {
		return Round{}, fmt.Errorf("round: missing baseTarget")
	}
	baseTarget, err := n.BaseTarget.Uint64()
	if err != nil {
		return Round{}, fmt.Errorf("round: invalid baseTarget %q: %w", n.BaseTarget, err)
	}
	if baseTarget == 0 {
		return Round{}, fmt.Errorf("round: baseTarget must be positive")
	}
	sig := strings.TrimSpace(n.GenerationSignature)
	if sig == "" {
		return Round{}, fmt.Errorf("round: missing generationSignature")
	}
	if _, err := hex.DecodeString(sig); err != nil {
		return Round{}, fmt.Errorf("round: invalid generationSignature: %w", err)
	}

	var targetDL uint64
	if n.TargetDeadline.IsSet() {
		targetDL, err = n.TargetDeadline.Uint64()
		if err != nil {
			return Round{}, fmt.Errorf("round: invalid targetDeadline %q: %w", n.TargetDeadline, err)
		}
	}

	netDiff := math.Round(netDiffBase / float64(baseTarget))
	if n.NetDiff.IsSet() {
		v, err := n.NetDiff.Float64()
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Round{}, fmt.Errorf("round: invalid netDiff %q", n.NetDiff)
		}
		netDiff = v
	}

	return Round{
		Height:              height,
		BaseTarget:          baseTarget,
		GenerationSignature: strings.ToLower(sig),
		TargetDeadline:      targetDL,
		MiningHalted:        n.MiningHalted,
		Coin:                strings.ToUpper(coin),
		NetDiff:             netDiff,
	}, nil
}

// WithTargetDeadline returns a copy of r with a different target deadline.
func (r Round) WithTargetDeadline(dl uint64) Round {
	r.TargetDeadline = dl
	return r
}

// Halted returns a copy of r that tells miners to stop scanning.
func (r Round) Halted() Round {
	r.MiningHalted = true
	return r
}

// Notification converts the round back to its wire form.
func (r Round) Notification() Notification {
	n := Notification{
		Height:              Number(strconv.FormatUint(r.Height, 10)),
		BaseTarget:          Number(strconv.FormatUint(r.BaseTarget, 10)),
		GenerationSignature: r.GenerationSignature,
		MiningHalted:        r.MiningHalted,
		NetDiff:             Number(strconv.FormatFloat(r.NetDiff, 'f', -1, 64)),
	}
	if r.TargetDeadline > 0 {
		n.TargetDeadline = Number(strconv.FormatUint(r.TargetDeadline, 10))
	}
	return n
}

func (r Round) String() string {
	s := fmt.Sprintf("block %d, baseTarget %d, netDiff %s TiB", r.Height, r.BaseTarget, strconv.FormatFloat(r.NetDiff, 'f', -1, 64))
	if r.TargetDeadline > 0 {
		s += fmt.Sprintf(", targetDL: %d", r.TargetDeadline)
	}
	if r.MiningHalted {
		s += ", mining halted"
	}
	return s
}
