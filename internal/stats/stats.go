// Package stats merges per-session snapshots from one or many relay
// processes into one display record per upstream.
package stats

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MinerSnapshot is the last scan progress reported by one miner.
type MinerSnapshot struct {
	Index          int     `json:"index"`
	Color          string  `json:"color,omitempty"`
	Name           string  `json:"name,omitempty"`
	ScanningHeight uint64  `json:"scanningHeight"`
	Progress       float64 `json:"progress"`
	ScanSpeed      string  `json:"scanSpeed"`
	RemainingTime  string  `json:"remainingTime"`
}

// Snapshot is produced every tick by each proxy/upstream pair.
type Snapshot struct {
	ProxyID       string          `json:"proxyId,omitempty"`
	Proxy         string          `json:"proxy,omitempty"`
	Upstream      string          `json:"upstream"`
	Coin          string          `json:"coin,omitempty"`
	RoundHeight   uint64          `json:"roundHeight"`
	NetDiff       float64         `json:"netDiff,omitempty"`
	RoundStart    time.Time       `json:"roundStart"`
	BestDL        *uint64         `json:"bestDL"`
	BestDLEver    *uint64         `json:"bestDLEver"`
	WonRounds     uint64          `json:"wonRounds"`
	RoundProgress float64         `json:"roundProgress"`
	CapacityGiB   float64         `json:"capacityGiB"`
	Miners        []MinerSnapshot `json:"miners,omitempty"`
}

// Status classifies the progress of a merged upstream round.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusDone        Status = "done"
	StatusInterrupted Status = "interrupted"
	StatusInProgress  Status = "in_progress"
)

// Record is the merged view of every snapshot sharing an upstream name.
// Display fields come from the first contributing snapshot.
type Record struct {
	Name          string          `json:"name"`
	Coin          string          `json:"coin,omitempty"`
	Height        uint64          `json:"height"`
	NetDiff       float64         `json:"netDiff,omitempty"`
	RoundStart    time.Time       `json:"roundStart"`
	BestDL        *uint64         `json:"bestDL"`
	BestDLEver    *uint64         `json:"bestDLEver"`
	WonRounds     uint64          `json:"wonRounds"`
	RoundProgress float64         `json:"roundProgress"`
	CapacityGiB   float64         `json:"capacityGiB"`
	Contributors  int             `json:"contributors"`
	ActiveMiners  []MinerSnapshot `json:"activeMiners"`
	Status        Status          `json:"status"`
}

// Merge groups snapshots by upstream name, in order of first appearance.
// It is a pure function of its input.
func Merge(snapshots []Snapshot) []Record {
	var records []Record
	index := make(map[string]int)
	sums := make([]float64, 0)

	for _, s := range snapshots {
		i, ok := index[s.Upstream]
		if !ok {
			index[s.Upstream] = len(records)
			records = append(records, Record{
				Name:         s.Upstream,
				Coin:         s.Coin,
				Height:       s.RoundHeight,
				NetDiff:      s.NetDiff,
				RoundStart:   s.RoundStart,
				BestDL:       copyUint(s.BestDL),
				BestDLEver:   copyUint(s.BestDLEver),
				WonRounds:    s.WonRounds,
				CapacityGiB:  s.CapacityGiB,
				Contributors: 1,
				ActiveMiners: []MinerSnapshot{},
			})
			sums = append(sums, s.RoundProgress)
			continue
		}

		r := &records[i]
		if s.BestDL != nil && (r.BestDL == nil || *s.BestDL < *r.BestDL) {
			r.BestDL = copyUint(s.BestDL)
		}
		r.CapacityGiB += s.CapacityGiB
		r.Contributors++
		sums[i] += s.RoundProgress
	}

	for i := range records {
		records[i].RoundProgress = sums[i] / float64(records[i].Contributors)
	}

	for _, s := range snapshots {
		for _, m := range s.Miners {
			if m.Progress == 100 {
				continue
			}
			for i := range records {
				if records[i].Height == m.ScanningHeight {
					records[i].ActiveMiners = append(records[i].ActiveMiners, m)
					break
				}
			}
		}
	}

	for i := range records {
		records[i].Status = classify(records[i].RoundProgress, len(records[i].ActiveMiners))
		records[i].RoundProgress = RoundPercent(records[i].RoundProgress)
	}
	return records
}

func classify(progress float64, active int) Status {
	switch {
	case active > 0:
		return StatusInProgress
	case progress == 0:
		return StatusWaiting
	case progress == 100:
		return StatusDone
	default:
		return StatusInterrupted
	}
}

// RoundPercent rounds to two decimals; exactly 100 stays an integer.
func RoundPercent(p float64) float64 {
	if p == 100 {
		return 100
	}
	return math.Round(p*100) / 100
}

// FormatPercent renders p the way RoundPercent rounds it.
func FormatPercent(p float64) string {
	if p == 100 {
		return "100"
	}
	return fmt.Sprintf("%.2f", p)
}

// ProgressText renders the progress column. With a single proxy the
// aggregate line and miner labels are left out.
func (r Record) ProgressText(singleProxy bool) string {
	pct := FormatPercent(r.RoundProgress)
	switch r.Status {
	case StatusWaiting:
		return "Waiting (" + pct + " %)"
	case StatusDone:
		return "Done (" + pct + " %)"
	case StatusInterrupted:
		return "Interrupted (" + pct + " %)"
	}

	lines := make([]string, 0, len(r.ActiveMiners)+1)
	if !singleProxy {
		lines = append(lines, pct+" %")
	}
	for _, m := range r.ActiveMiners {
		prefix := ""
		if !singleProxy {
			prefix = fmt.Sprintf("Miner #%d | ", m.Index)
		}
		lines = append(lines, fmt.Sprintf("%sScanning with %s, %s (%s %%)",
			prefix, m.ScanSpeed, m.RemainingTime, FormatPercent(RoundPercent(m.Progress))))
	}
	return strings.Join(lines, "\n")
}

// ProxyCount returns the number of distinct proxies among snapshots.
func ProxyCount(snapshots []Snapshot) int {
	seen := make(map[string]struct{})
	for _, s := range snapshots {
		seen[s.ProxyID+"|"+s.Proxy] = struct{}{}
	}
	return len(seen)
}

func copyUint(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
