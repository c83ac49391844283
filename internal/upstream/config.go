package upstream

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/chain"
)

// DefaultBlockTime is the target block interval of BHD/BURST style chains.
const DefaultBlockTime = 240 * time.Second

// Config holds the settings of one upstream session
type Config struct {
	// ProxyName prefixes operator log lines; Name identifies the upstream.
	ProxyName string
	Name      string
	Coin      string

	// Protocol is "bitcoin" or "burst"; empty derives it from Coin.
	Protocol       string
	WalletURL      string
	CustomEndpoint string

	// SendTargetDL replaces whatever deadline the pool announces.
	SendTargetDL uint64

	// SubmitProbability in percent (0 < p < 100) enables the dynamic deadline.
	SubmitProbability float64
	// TargetDLFactor overrides the factor derived from SubmitProbability.
	TargetDLFactor float64
	BlockTime      time.Duration

	MinerName         string
	AccountKey        string
	PayoutAddress     string
	AccountName       string
	DistributionRatio string

	Maintenance []Window
}

// Validate checks the session settings and fills defaults
func (c *Config) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("upstream name is required")
	}
	c.Coin = strings.ToUpper(strings.TrimSpace(c.Coin))
	if c.Coin == "" {
		return fmt.Errorf("upstream %s: coin is required", c.Name)
	}
	proto, err := chain.ParseProtocol(c.Protocol, c.Coin)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", c.Name, err)
	}
	c.Protocol = string(proto)
	if c.SubmitProbability < 0 || c.SubmitProbability >= 100 {
		return fmt.Errorf("upstream %s: submitProbability must be in [0, 100)", c.Name)
	}
	if c.TargetDLFactor < 0 {
		return fmt.Errorf("upstream %s: targetDLFactor must not be negative", c.Name)
	}
	if c.BlockTime <= 0 {
		c.BlockTime = DefaultBlockTime
	}
	for i, w := range c.Maintenance {
		if _, _, err := w.parse(); err != nil {
			return fmt.Errorf("upstream %s: maintenance[%d]: %w", c.Name, i, err)
		}
	}
	return nil
}

// FullName is the label used in operator-facing lines
func (c Config) FullName() string {
	if c.ProxyName == "" {
		return c.Name
	}
	return c.ProxyName + " | " + c.Name
}

// Endpoint describes where winner queries for this upstream go
func (c Config) Endpoint() chain.Endpoint {
	proto, err := chain.ParseProtocol(c.Protocol, c.Coin)
	if err != nil {
		proto = chain.ProtocolForCoin(c.Coin)
	}
	return chain.Endpoint{URL: c.WalletURL, Protocol: proto, Path: c.CustomEndpoint}
}

// SubmitProbabilityEnabled reports whether a dynamic deadline is wanted
func (c Config) SubmitProbabilityEnabled() bool {
	return c.TargetDLFactor > 0 || (c.SubmitProbability > 0 && c.SubmitProbability < 100)
}

// Factor returns the submit probability factor.
// For a probability p of submitting the round winner's deadline,
// factor = -ln(1 - p) * blockTime.
func (c Config) Factor() float64 {
	if c.TargetDLFactor > 0 {
		return c.TargetDLFactor
	}
	if c.SubmitProbability <= 0 || c.SubmitProbability >= 100 {
		return 0
	}
	blockTime := c.BlockTime
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}
	return -math.Log(1-c.SubmitProbability/100) * blockTime.Seconds()
}

// DynamicTargetDeadline scales a deadline to the farm's share of the
// network: round(factor * netDiff / capacityTiB). Zero means none.
func DynamicTargetDeadline(factor, netDiffTiB, capacityGiB float64) uint64 {
	if factor <= 0 || netDiffTiB <= 0 || capacityGiB <= 0 {
		return 0
	}
	dl := math.Round(factor * netDiffTiB / (capacityGiB / 1024))
	if dl <= 0 || math.IsInf(dl, 0) || math.IsNaN(dl) {
		return 0
	}
	if dl >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(dl)
}
