package mitmproxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Diagnostic log severity levels, ordered from most to least severe.
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelAlert = "alert"
	LevelDebug = "debug"
)

// EventLogCapacity is the default number of retained log entries.
const EventLogCapacity = 1000

// LogEntry is one diagnostic log record in wire shape.
type LogEntry struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// EventLog is a capped, append-only diagnostic log. Sequence ids are
// strictly increasing and never reused; once capacity is exceeded the
// oldest entry is evicted regardless of whether any observer saw it.
// Every append is pushed to the hub as an "events" add.
//
// Unlike the flow store, the log is internally locked: appends arrive both
// from the master loop and from arbitrary goroutines via LogBridge, and an
// append has no ordering dependency on flow state.
type EventLog struct {
	// pubMu orders publication: held across id assignment and the hub
	// publish so observers see ids in sequence. mu alone guards the
	// ring, keeping readers off the critical path of delivery.
	pubMu sync.Mutex

	mu     sync.Mutex
	buf    []LogEntry
	start  int
	count  int
	nextID int64

	hub     *BroadcastHub
	metrics *Metrics
}

// NewEventLog creates a log with the given capacity, publishing appends to
// the hub. A capacity of zero or less uses EventLogCapacity. The hub may
// be nil for a purely local log.
func NewEventLog(capacity int, hub *BroadcastHub) *EventLog {
	if capacity <= 0 {
		capacity = EventLogCapacity
	}
	return &EventLog{
		buf: make([]LogEntry, capacity),
		hub: hub,
	}
}

// SetMetrics attaches a metrics collector counting appends per level.
func (l *EventLog) SetMetrics(m *Metrics) {
	l.mu.Lock()
	l.metrics = m
	l.mu.Unlock()
}

// Append adds an entry and returns its assigned sequence id. Append always
// succeeds: capacity enforcement is automatic, never a caller-visible
// failure. Concurrent appends reach observers in id order.
func (l *EventLog) Append(message, level string) int64 {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	l.mu.Lock()
	l.nextID++
	entry := LogEntry{ID: l.nextID, Message: message, Level: level}

	if l.count == len(l.buf) {
		l.buf[l.start] = entry
		l.start = (l.start + 1) % len(l.buf)
	} else {
		l.buf[(l.start+l.count)%len(l.buf)] = entry
		l.count++
	}
	hub := l.hub
	metrics := l.metrics
	l.mu.Unlock()

	if metrics != nil {
		metrics.RecordEvent(level)
	}
	if hub != nil {
		hub.Publish(Event{Type: EventTypeEvents, Cmd: CmdAdd, Data: entry})
	}
	return entry.ID
}

// Entries returns the retained entries, oldest first.
func (l *EventLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

// Len returns the number of retained entries.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LogBridge is a slog.Handler that mirrors records at or above a minimum
// level into an EventLog, so process log output shows up in the observer
// event stream alongside flow activity.
type LogBridge struct {
	log    *EventLog
	min    slog.Level
	prefix string
	attrs  string
}

// NewLogBridge creates a bridge forwarding records at min and above.
func NewLogBridge(log *EventLog, min slog.Level) *LogBridge {
	return &LogBridge{log: log, min: min}
}

// Enabled implements slog.Handler.
func (b *LogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return level >= b.min
}

// Handle implements slog.Handler.
func (b *LogBridge) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(b.attrs)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", b.key(a.Key), a.Value)
		return true
	})
	b.log.Append(sb.String(), bridgeLevel(r.Level))
	return nil
}

// WithAttrs implements slog.Handler.
func (b *LogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	nb := *b
	var sb strings.Builder
	sb.WriteString(b.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%v", b.key(a.Key), a.Value)
	}
	nb.attrs = sb.String()
	return &nb
}

// WithGroup implements slog.Handler.
func (b *LogBridge) WithGroup(name string) slog.Handler {
	nb := *b
	if name != "" {
		nb.prefix = b.prefix + name + "."
	}
	return &nb
}

func (b *LogBridge) key(k string) string {
	return b.prefix + k
}

// TeeHandler fans a log record out to several handlers. It is the glue
// for running LogBridge alongside a terminal handler on one logger.
type TeeHandler struct {
	handlers []slog.Handler
}

// NewTeeHandler creates a handler forwarding to all of handlers.
func NewTeeHandler(handlers ...slog.Handler) *TeeHandler {
	return &TeeHandler{handlers: handlers}
}

// Enabled implements slog.Handler: enabled if any target is.
func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs implements slog.Handler.
func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &TeeHandler{handlers: out}
}

// WithGroup implements slog.Handler.
func (t *TeeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return &TeeHandler{handlers: out}
}

func bridgeLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
