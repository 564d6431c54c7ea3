package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the ambient, process-wide structured logger used by the
// scheduler, lease manager, and store for operational visibility.
// Generalized from flow/logger.go.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that support structured fields.
type FieldsLogger interface {
	WithFields(fields map[string]any) Logger
}

// FmtLogger is the stdlib-backed default, used when no go-logger instance
// is configured.
type FmtLogger struct {
	out    io.Writer
	fields map[string]any
}

func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.log("TRACE", msg, args...) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *FmtLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	return l
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	merged := mergeFields(l.fields, fields)
	return &FmtLogger{out: l.out, fields: merged}
}

func (l *FmtLogger) log(level, msg string, args ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s %-5s %s", ts, level, fmt.Sprintf(msg, args...))
	if formatted := formatFields(l.fields); formatted != "" {
		line += " " + formatted
	}
	fmt.Fprintln(l.out, line)
}

func mergeFields(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// goLogger adapts github.com/goliatone/go-logger/glog.Logger to the
// engine's Logger interface (see DESIGN.md).
type goLogger struct {
	logger glog.Logger
}

// NewGoLogger builds an engine.Logger backed by go-logger, configured for
// JSON output at the given level (trace/debug/info/warn/error).
func NewGoLogger(out io.Writer, level string) Logger {
	base := glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)
	return goLogger{logger: base}
}

func (l goLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l goLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l goLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l goLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l goLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l goLogger) WithContext(ctx context.Context) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return goLogger{logger: l.logger.WithContext(ctx)}
}

func (l goLogger) WithFields(fields map[string]any) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return goLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// replayWatermark tracks how many history entries this replay pass has
// matched so far, versus the count that existed when the pass began. A
// call site whose match count is still below total is re-executing a
// decision the orchestrator already made in a prior pass; one at or past
// total is making a decision for the first time.
type replayWatermark struct {
	mu      sync.Mutex
	total   int
	matched int
}

func newReplayWatermark(historyLen int) *replayWatermark {
	return &replayWatermark{total: historyLen}
}

func (w *replayWatermark) advance() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.matched++
}

func (w *replayWatermark) isReplaying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.matched < w.total
}

// replaySafeLogger wraps an ambient Logger with a replayWatermark: log
// emissions issued while replaying up to the watermark are dropped;
// emissions issued at or beyond the first not-yet-matched decision point
// pass through.
type replaySafeLogger struct {
	base Logger
	mark *replayWatermark
}

func newReplaySafeLogger(base Logger, mark *replayWatermark) *replaySafeLogger {
	return &replaySafeLogger{base: base, mark: mark}
}

func (l *replaySafeLogger) Trace(msg string, args ...any) { l.emit(l.base.Trace, msg, args...) }
func (l *replaySafeLogger) Debug(msg string, args ...any) { l.emit(l.base.Debug, msg, args...) }
func (l *replaySafeLogger) Info(msg string, args ...any)  { l.emit(l.base.Info, msg, args...) }
func (l *replaySafeLogger) Warn(msg string, args ...any)  { l.emit(l.base.Warn, msg, args...) }
func (l *replaySafeLogger) Error(msg string, args ...any) { l.emit(l.base.Error, msg, args...) }

func (l *replaySafeLogger) emit(fn func(string, ...any), msg string, args ...any) {
	if l.mark.isReplaying() {
		return
	}
	fn(msg, args...)
}

func (l *replaySafeLogger) WithContext(ctx context.Context) Logger {
	return &replaySafeLogger{base: l.base.WithContext(ctx), mark: l.mark}
}
