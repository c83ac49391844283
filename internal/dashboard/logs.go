package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/carlosrabelo/plotrelay/internal/bus"
	"github.com/carlosrabelo/plotrelay/pkg/logger"
)

// DefaultLogLines is how many lines the dashboard keeps
const DefaultLogLines = 16

const logTimeLayout = "2006-01-02 15:04:05.000"

func levelNumber(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 1
	case "error":
		return 3
	default:
		return 2
	}
}

// LogBuffer keeps the last lines published on the bus at or above a level
type LogBuffer struct {
	max   int
	level int

	mu    sync.Mutex
	lines []string
}

// NewLogBuffer keeps max lines of level and above
func NewLogBuffer(max int, level string) *LogBuffer {
	if max <= 0 {
		max = DefaultLogLines
	}
	return &LogBuffer{max: max, level: levelNumber(level)}
}

// Add appends msg unless it is below the configured level
func (b *LogBuffer) Add(at time.Time, level, msg string) {
	if levelNumber(level) < b.level {
		return
	}
	line := fmt.Sprintf("%s [%s]  %s", at.Format(logTimeLayout), strings.ToUpper(level), msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = append([]string(nil), b.lines[len(b.lines)-b.max:]...)
	}
}

// Lines returns a copy of the buffered lines, oldest first
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.lines...)
}

// Attach subscribes the buffer to the bus log topics
func (b *LogBuffer) Attach(bs *bus.Bus, now func() time.Time) (unsubscribe func()) {
	return subscribeLogs(bs, func(level, msg string) {
		b.Add(now(), level, msg)
	})
}

// ForwardLogs writes bus log lines to log, used when no dashboard runs
func ForwardLogs(bs *bus.Bus, log *logger.Logger) (unsubscribe func()) {
	return subscribeLogs(bs, func(level, msg string) {
		switch level {
		case "debug":
			log.Debug("%s", msg)
		case "error":
			log.Error("%s", msg)
		default:
			log.Info("%s", msg)
		}
	})
}

func subscribeLogs(bs *bus.Bus, fn func(level, msg string)) func() {
	topics := map[string]string{
		bus.TopicLogDebug: "debug",
		bus.TopicLogInfo:  "info",
		bus.TopicLogError: "error",
	}
	var unsubs []func()
	for topic, level := range topics {
		level := level
		unsubs = append(unsubs, bs.Subscribe(topic, func(payload any) {
			if msg, ok := payload.(string); ok {
				fn(level, msg)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
