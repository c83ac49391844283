package upstream

import (
	"context"
	"strconv"

	"github.com/carlosrabelo/plotrelay/internal/round"
	apperrors "github.com/carlosrabelo/plotrelay/pkg/errors"
)

// Gateway is the pool connection a session talks through.
type Gateway interface {
	MiningInfo(ctx context.Context, coin string) (round.Notification, error)
	SubmitNonce(ctx context.Context, coin string, s Submission, opts SubmitOptions) (*SubmitReply, error)
	OnMiningInfo(coin string, fn func(round.Notification))
	OnConnectionStateChange(fn func(connected bool))
	Connected() bool
}

// Submission is a nonce found by a miner. Deadline is the raw value the
// miner reports; divide it by the round's base target to get seconds.
type Submission struct {
	AccountID string `json:"accountId"`
	Height    uint64 `json:"height"`
	Nonce     uint64 `json:"nonce,string"`
	Deadline  uint64 `json:"deadline,string"`
}

// AdjustedDeadline converts the raw deadline into seconds for baseTarget
func (s Submission) AdjustedDeadline(baseTarget uint64) uint64 {
	if baseTarget == 0 {
		return s.Deadline
	}
	return s.Deadline / baseTarget
}

func (s Submission) String() string {
	return "account " + s.AccountID + ", height " + strconv.FormatUint(s.Height, 10) + ", nonce " + strconv.FormatUint(s.Nonce, 10)
}

// SubmitOptions are the per-submission details the pool gateway accepts
type SubmitOptions struct {
	MinerName         string  `json:"minerName,omitempty"`
	UserAgent         string  `json:"userAgent,omitempty"`
	CapacityGiB       float64 `json:"capacity,omitempty"`
	PayoutAddress     string  `json:"payoutAddress,omitempty"`
	AccountName       string  `json:"accountName,omitempty"`
	DistributionRatio string  `json:"distributionRatio,omitempty"`
}

// SubmitReply is the pool's answer to an accepted submission
type SubmitReply struct {
	Result   string `json:"result"`
	Deadline uint64 `json:"deadline,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SubmitResult is returned for every submission; Err is nil on success.
type SubmitResult struct {
	Err    *apperrors.AppError `json:"error"`
	Result *SubmitReply        `json:"result"`
}

// OK reports whether the submission was forwarded and accepted
func (r SubmitResult) OK() bool {
	return r.Err == nil
}
