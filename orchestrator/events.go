package orchestrator

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one NDJSON line in the runtime event log.
type Event struct {
	TS        time.Time
	Level     string
	Event     string
	ProductID string
	RunID     string
	KV        map[string]any
}

// EventLog is the append-only runtime log: multiple producers hand events to
// a bounded channel, one consumer goroutine serializes the writes. Event
// timestamps are forced monotonic within the log.
type EventLog struct {
	ch     chan Event
	done   chan struct{}
	w      io.Writer
	mu     sync.Mutex
	closed bool
}

// NewEventLog starts the writer goroutine over w.
func NewEventLog(w io.Writer) *EventLog {
	l := &EventLog{
		ch:   make(chan Event, 256),
		done: make(chan struct{}),
		w:    w,
	}
	go l.run()
	return l
}

func (l *EventLog) run() {
	defer close(l.done)
	var lastTS time.Time
	for e := range l.ch {
		if !e.TS.After(lastTS) {
			e.TS = lastTS.Add(time.Microsecond)
		}
		lastTS = e.TS

		line, err := marshalEvent(e)
		if err != nil {
			slog.Warn("events: marshal failed", "event", e.Event, "error", err)
			continue
		}
		if _, err := l.w.Write(append(line, '\n')); err != nil {
			slog.Warn("events: write failed", "event", e.Event, "error", err)
		}
	}
}

// Emit queues one event for writing. Safe for concurrent use; a closed log
// drops the event silently.
func (l *EventLog) Emit(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.ch <- e
}

// Close drains the queue and stops the writer.
func (l *EventLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()
	<-l.done
}

// marshalEvent flattens the event and its kv payload into one JSON object
// with stable key order for the fixed fields.
func marshalEvent(e Event) ([]byte, error) {
	obj := map[string]any{
		"ts":    e.TS.UTC().Format(time.RFC3339Nano),
		"level": e.Level,
		"event": e.Event,
	}
	if e.ProductID != "" {
		obj["productId"] = e.ProductID
	}
	if e.RunID != "" {
		obj["runId"] = e.RunID
	}
	keys := make([]string, 0, len(e.KV))
	for k := range e.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, taken := obj[k]; !taken {
			obj[k] = e.KV[k]
		}
	}
	return json.Marshal(obj)
}
