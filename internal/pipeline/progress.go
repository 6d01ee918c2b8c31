package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ProgressCallback receives page-level progress events during a run.
type ProgressCallback interface {
	OnStart(total int)
	OnProgress(current, total int)
	OnComplete()
	OnError(current int, err error)
}

// NoOpProgressCallback discards all events. The default when nothing is
// watching.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(int)         {}
func (NoOpProgressCallback) OnProgress(int, int) {}
func (NoOpProgressCallback) OnComplete()         {}
func (NoOpProgressCallback) OnError(int, error)  {}

// ConsoleProgress draws an in-place progress bar. Safe for concurrent use;
// page workers report from multiple goroutines.
type ConsoleProgress struct {
	w        io.Writer
	prefix   string
	width    int
	mu       sync.Mutex
	started  time.Time
	lastDraw time.Time
}

// NewConsoleProgress writes a progress bar to w (stderr when nil).
func NewConsoleProgress(w io.Writer, prefix string) *ConsoleProgress {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleProgress{w: w, prefix: prefix, width: 40}
}

func (c *ConsoleProgress) OnStart(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Now()
	c.lastDraw = time.Time{}
	fmt.Fprintf(c.w, "%s0/%d pages\n", c.prefix, total)
}

func (c *ConsoleProgress) OnProgress(current, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastDraw) < 100*time.Millisecond && current < total {
		return
	}
	c.lastDraw = now

	if total == 0 {
		return
	}
	filled := c.width * current / total
	bar := strings.Repeat("#", filled) + strings.Repeat(".", c.width-filled)
	line := fmt.Sprintf("\r%s[%s] %d/%d", c.prefix, bar, current, total)
	if elapsed := now.Sub(c.started); elapsed > 0 && current > 0 && current < total {
		eta := time.Duration(elapsed.Seconds() * float64(total-current) / float64(current) * float64(time.Second))
		line += fmt.Sprintf(" ETA %v", eta.Round(time.Second))
	}
	fmt.Fprint(c.w, line)
}

func (c *ConsoleProgress) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\n%sfinished in %v\n", c.prefix, time.Since(c.started).Round(time.Millisecond))
}

func (c *ConsoleProgress) OnError(current int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\n%spage %d: %v\n", c.prefix, current, err)
}

// LogProgress reports progress through slog instead of a terminal bar.
// Suited to non-interactive runs where stderr is a log file.
type LogProgress struct {
	logger  *slog.Logger
	every   int
	mu      sync.Mutex
	lastLog int
	started time.Time
}

// NewLogProgress logs every nth page (and always the last one).
func NewLogProgress(logger *slog.Logger, every int) *LogProgress {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = 10
	}
	return &LogProgress{logger: logger, every: every}
}

func (l *LogProgress) OnStart(total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = time.Now()
	l.lastLog = 0
	l.logger.Info("run started", "pages", total)
}

func (l *LogProgress) OnProgress(current, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current-l.lastLog < l.every && current != total {
		return
	}
	l.lastLog = current
	l.logger.Info("run progress", "current", current, "total", total,
		"elapsed", time.Since(l.started).Round(time.Second))
}

func (l *LogProgress) OnComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info("run finished", "elapsed", time.Since(l.started).Round(time.Millisecond))
}

func (l *LogProgress) OnError(current int, err error) {
	l.logger.Error("page failed", "current", current, "error", err)
}
