package stats

import (
	"testing"
)

func u(v uint64) *uint64 { return &v }

func TestMergeGroupsByUpstream(t *testing.T) {
	recs := Merge([]Snapshot{
		{Upstream: "A", RoundHeight: 10, BestDL: u(100), CapacityGiB: 1024, RoundProgress: 20},
		{Upstream: "B", RoundHeight: 7, CapacityGiB: 10},
		{Upstream: "A", RoundHeight: 10, BestDL: u(50), CapacityGiB: 2048, RoundProgress: 40},
		{Upstream: "A", RoundHeight: 10, BestDL: nil, CapacityGiB: 0, RoundProgress: 60},
	})

	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	a, b := recs[0], recs[1]
	if a.Name != "A" || b.Name != "B" {
		t.Fatalf("records out of order: %q, %q", a.Name, b.Name)
	}
	if a.BestDL == nil || *a.BestDL != 50 {
		t.Errorf("BestDL = %v, want 50", a.BestDL)
	}
	if a.CapacityGiB != 3072 {
		t.Errorf("CapacityGiB = %v, want 3072", a.CapacityGiB)
	}
	if a.Contributors != 3 || a.RoundProgress != 40 {
		t.Errorf("contributors %d progress %v", a.Contributors, a.RoundProgress)
	}
	if b.BestDL != nil {
		t.Errorf("B BestDL should stay nil, got %d", *b.BestDL)
	}
}

func TestMergeDoesNotAliasInput(t *testing.T) {
	in := []Snapshot{
		{Upstream: "A", BestDL: u(100)},
		{Upstream: "A", BestDL: u(50)},
	}
	recs := Merge(in)
	*recs[0].BestDL = 1
	if *in[0].BestDL != 100 || *in[1].BestDL != 50 {
		t.Error("Merge must not share pointers with its input")
	}
}

func TestMergeClassification(t *testing.T) {
	tests := []struct {
		name     string
		progress []float64
		want     Status
	}{
		{"Waiting", []float64{0, 0}, StatusWaiting},
		{"Done", []float64{100, 100}, StatusDone},
		{"Interrupted", []float64{100, 0}, StatusInterrupted},
		{"Interrupted partial", []float64{42.5}, StatusInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var snaps []Snapshot
			for _, p := range tt.progress {
				snaps = append(snaps, Snapshot{Upstream: "A", RoundHeight: 5, RoundProgress: p})
			}
			recs := Merge(snaps)
			if recs[0].Status != tt.want {
				t.Errorf("Status = %s, want %s", recs[0].Status, tt.want)
			}
		})
	}
}

func TestMergeActiveMiners(t *testing.T) {
	recs := Merge([]Snapshot{
		{Upstream: "A", RoundHeight: 10, RoundProgress: 30, Miners: []MinerSnapshot{
			{Index: 1, ScanningHeight: 10, Progress: 30},
			{Index: 2, ScanningHeight: 9, Progress: 50},
		}},
		{Upstream: "B", RoundHeight: 20, Miners: []MinerSnapshot{
			{Index: 3, ScanningHeight: 20, Progress: 100},
			{Index: 4, ScanningHeight: 10, Progress: 10},
		}},
		{Upstream: "B", RoundHeight: 21},
	})

	a, b := recs[0], recs[1]
	if len(a.ActiveMiners) != 2 || a.ActiveMiners[0].Index != 1 || a.ActiveMiners[1].Index != 4 {
		t.Errorf("unexpected miners for A: %+v", a.ActiveMiners)
	}
	if a.Status != StatusInProgress {
		t.Errorf("A status = %s", a.Status)
	}
	if len(b.ActiveMiners) != 0 {
		t.Errorf("finished and stale miners should not attach to B: %+v", b.ActiveMiners)
	}
	if b.Height != 20 {
		t.Errorf("group height comes from the first contributor, got %d", b.Height)
	}
}

func TestMergeMinerAttachesToFirstMatchingGroup(t *testing.T) {
	recs := Merge([]Snapshot{
		{Upstream: "A", RoundHeight: 10},
		{Upstream: "B", RoundHeight: 10, Miners: []MinerSnapshot{{Index: 1, ScanningHeight: 10, Progress: 5}}},
	})
	if len(recs[0].ActiveMiners) != 1 || len(recs[1].ActiveMiners) != 0 {
		t.Errorf("miner should attach to A only: %+v / %+v", recs[0].ActiveMiners, recs[1].ActiveMiners)
	}
}

func TestMergeEmpty(t *testing.T) {
	if recs := Merge(nil); len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestRoundPercent(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
		text string
	}{
		{0, 0, "0.00"},
		{42.5, 42.5, "42.50"},
		{33.33333, 33.33, "33.33"},
		{99.996, 100, "100"},
		{100, 100, "100"},
	}
	for _, tt := range tests {
		got := RoundPercent(tt.in)
		if got != tt.want {
			t.Errorf("RoundPercent(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if txt := FormatPercent(got); txt != tt.text {
			t.Errorf("FormatPercent(%v) = %q, want %q", got, txt, tt.text)
		}
	}
}

func TestProgressText(t *testing.T) {
	miners := []MinerSnapshot{
		{Index: 1, ScanningHeight: 10, Progress: 12.346, ScanSpeed: "1.2 GiB/s", RemainingTime: "20s"},
		{Index: 2, ScanningHeight: 10, Progress: 50, ScanSpeed: "800 MiB/s", RemainingTime: "15s"},
	}

	tests := []struct {
		name   string
		rec    Record
		single bool
		want   string
	}{
		{"Waiting", Record{Status: StatusWaiting}, false, "Waiting (0.00 %)"},
		{"Done", Record{Status: StatusDone, RoundProgress: 100}, false, "Done (100 %)"},
		{"Interrupted", Record{Status: StatusInterrupted, RoundProgress: 42.5}, false, "Interrupted (42.50 %)"},
		{
			"Multi proxy",
			Record{Status: StatusInProgress, RoundProgress: 31.17, ActiveMiners: miners},
			false,
			"31.17 %\nMiner #1 | Scanning with 1.2 GiB/s, 20s (12.35 %)\nMiner #2 | Scanning with 800 MiB/s, 15s (50.00 %)",
		},
		{
			"Single proxy",
			Record{Status: StatusInProgress, RoundProgress: 12.35, ActiveMiners: miners[:1]},
			true,
			"Scanning with 1.2 GiB/s, 20s (12.35 %)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ProgressText(tt.single); got != tt.want {
				t.Errorf("ProgressText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProxyCount(t *testing.T) {
	n := ProxyCount([]Snapshot{
		{Proxy: "a", Upstream: "X"},
		{Proxy: "a", Upstream: "Y"},
		{Proxy: "b", Upstream: "X"},
		{ProxyID: "other", Proxy: "a", Upstream: "X"},
	})
	if n != 3 {
		t.Errorf("ProxyCount = %d, want 3", n)
	}
}
