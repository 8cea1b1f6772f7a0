package processes

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Severity levels assigned to captured output lines.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LinePublisher receives classified output lines from a Capturer. The hub
// implements this; the indirection keeps process draining decoupled from log
// distribution.
type LinePublisher interface {
	Publish(level, source, message string)
}

// ClassifyLevel derives a severity level from a raw output line by matching
// case-insensitive substrings in priority order.
func ClassifyLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "critical"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarning
	case strings.Contains(lower, "debug"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Capturer continuously drains a supervised process's stdout and stderr
// line-by-line on dedicated goroutines, so a slow or silent child can never
// stall request-serving work. Each line is classified and handed to the
// publisher. End-of-stream means the process closed its output (normally
// because it exited) and stops the capturer cleanly.
type Capturer struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

// StartCapturer begins draining both output pipes of the supervisor into the
// given publisher.
func StartCapturer(sup *Supervisor, sink LinePublisher, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capturer{
		logger: logger.With("component", "Capturer", "pid", sup.PID()),
	}
	c.wg.Add(2)
	go c.drain(sup.Stdout(), "stdout", sink)
	go c.drain(sup.Stderr(), "stderr", sink)
	return c
}

func (c *Capturer) drain(r io.Reader, source string, sink LinePublisher) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		sink.Publish(ClassifyLevel(line), source, line)
	}
	// A read error here usually means the pipe was closed out from under us
	// during termination; it is not worth surfacing to the instance.
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Output stream closed with error", "source", source, "error", err)
	}
}

// Wait blocks until both output streams have reached end-of-stream.
func (c *Capturer) Wait() {
	c.wg.Wait()
}
