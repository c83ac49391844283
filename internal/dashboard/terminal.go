package dashboard

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

const clearScreen = "\033[H\033[2J"

// Terminal renders frames as a text table
type Terminal struct {
	w        io.Writer
	clear    bool
	extended bool
	humanize bool
	now      func() time.Time

	mu sync.Mutex
}

// NewTerminal writes frames to w. clear redraws in place and should only
// be set when w is a terminal.
func NewTerminal(w io.Writer, cfg Config, clear bool) *Terminal {
	return &Terminal{
		w:        w,
		clear:    clear,
		extended: cfg.ExtendedStats,
		humanize: cfg.HumanizeDeadlines,
		now:      time.Now,
	}
}

// Render implements Sink
func (t *Terminal) Render(f Frame) {
	var buf bytes.Buffer
	if t.clear {
		buf.WriteString(clearScreen)
	}
	fmt.Fprintf(&buf, "plotrelay %s\n", f.Version)
	t.table(&buf, f)
	buf.WriteString("\nLast log lines:\n")
	for _, l := range f.LogLines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(buf.Bytes())
}

func (t *Terminal) table(w io.Writer, f Frame) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	cols := []string{"Upstream", "Block #", "NetDiff", "Elapsed", "Best DL", "Capacity"}
	if t.extended {
		cols = append(cols, "Best DL So Far", "Won Blocks")
	}
	cols = append(cols, "Progress")
	fmt.Fprintln(tw, strings.Join(cols, "\t"))

	for _, r := range f.Records {
		row := []string{
			r.Name,
			strconv.FormatUint(r.Height, 10),
			FormatNetDiff(r.NetDiff),
			FormatElapsed(t.now().Sub(r.RoundStart)),
			FormatDeadline(r.BestDL, t.humanize),
			FormatCapacity(r.CapacityGiB),
		}
		if t.extended {
			row = append(row, FormatDeadline(r.BestDLEver, t.humanize), strconv.FormatUint(r.WonRounds, 10))
		}

		progress := strings.Split(r.ProgressText(f.SingleProxy), "\n")
		row = append(row, progress[0])
		fmt.Fprintln(tw, strings.Join(row, "\t"))

		// continuation lines only fill the progress column
		pad := strings.Repeat("\t", len(row)-1)
		for _, line := range progress[1:] {
			fmt.Fprintln(tw, pad+line)
		}
	}
	_ = tw.Flush()
}

// FormatDeadline renders a deadline in seconds, N/A when unknown
func FormatDeadline(dl *uint64, human bool) string {
	if dl == nil {
		return "N/A"
	}
	d := time.Duration(*dl) * time.Second
	if human {
		if *dl == 0 {
			return "0s"
		}
		now := time.Now()
		return strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
	}

	days := *dl / 86400
	rest := d - time.Duration(days)*24*time.Hour
	clock := FormatElapsed(rest)
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, clock)
	}
	return clock
}

// FormatElapsed renders d as HH:MM:SS
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// FormatCapacity renders a capacity given in GiB
func FormatCapacity(gib float64) string {
	if gib <= 0 {
		return "N/A"
	}
	return humanize.IBytes(uint64(gib * (1 << 30)))
}

// FormatNetDiff renders a network difficulty given in TiB
func FormatNetDiff(tib float64) string {
	if tib <= 0 {
		return "N/A"
	}
	return humanize.IBytes(uint64(tib * (1 << 40)))
}

var _ Sink = (*Terminal)(nil)
