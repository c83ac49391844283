package upstream

import (
	"fmt"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/round"
)

// HaltPredicate forces a round to be announced as halted when it returns true.
type HaltPredicate func(r round.Round, now time.Time) bool

// Window is a daily maintenance window in local time, "HH:MM" each.
// A window whose end is before its start spans midnight.
type Window struct {
	Start string `json:"start" yaml:"start" mapstructure:"start"`
	End   string `json:"end" yaml:"end" mapstructure:"end"`
}

func (w Window) parse() (time.Duration, time.Duration, error) {
	start, err := clockOffset(w.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("start: %w", err)
	}
	end, err := clockOffset(w.End)
	if err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if start == end {
		return 0, 0, fmt.Errorf("empty window %s-%s", w.Start, w.End)
	}
	return start, end, nil
}

// Contains reports whether now falls inside the window
func (w Window) Contains(now time.Time) bool {
	start, end, err := w.parse()
	if err != nil {
		return false
	}
	h, m, s := now.Clock()
	at := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	if start < end {
		return at >= start && at < end
	}
	return at >= start || at < end
}

func clockOffset(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// MaintenanceWindows halts mining while any window is open
func MaintenanceWindows(windows []Window) HaltPredicate {
	if len(windows) == 0 {
		return nil
	}
	ws := append([]Window(nil), windows...)
	return func(_ round.Round, now time.Time) bool {
		for _, w := range ws {
			if w.Contains(now) {
				return true
			}
		}
		return false
	}
}
