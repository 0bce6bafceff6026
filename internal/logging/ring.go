// Package logging wires zerolog into a bounded in-memory ring buffer so the
// external HTTP layer can page through recent log lines without a log
// shipper.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Component string    `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RingBuffer stores the most recent log entries and fans them out to live
// subscribers (adapted from the teacher's logging ring buffer).
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewRingBuffer creates a ring buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry, evicting the oldest if full, and notifies subscribers.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	rb.subMu.RUnlock()
}

// Recent returns the n most recent entries, oldest first.
func (rb *RingBuffer) Recent(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count || n <= 0 {
		n = rb.count
	}
	out := make([]Entry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		out[i] = rb.entries[(start+i)%rb.size]
	}
	return out
}

// Subscribe registers a channel that receives every new entry going forward.
func (rb *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (rb *RingBuffer) Unsubscribe(ch chan Entry) {
	rb.subMu.Lock()
	delete(rb.subscribers, ch)
	rb.subMu.Unlock()
	close(ch)
}

// hookWriter adapts RingBuffer into an io.Writer zerolog can feed raw JSON
// lines into; it is wrapped with zerolog.MultiLevelWriter alongside the
// real output writer.
type hookWriter struct {
	buf *RingBuffer
}

func (w hookWriter) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := Entry{Time: time.Now(), Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case zerolog.LevelFieldName:
			if s, ok := v.(string); ok {
				entry.Level = s
			}
		case zerolog.MessageFieldName:
			if s, ok := v.(string); ok {
				entry.Message = s
			}
		case "component":
			if s, ok := v.(string); ok {
				entry.Component = s
			}
		case zerolog.TimestampFieldName:
			// zerolog's own timestamp already stamped; keep Add-time instead.
		default:
			entry.Fields[k] = v
		}
	}
	w.buf.Add(entry)
	return len(p), nil
}

// New builds the process-wide zerolog.Logger, writing structured JSON to
// w (or stderr if nil) and mirroring every record into buf.
func New(w io.Writer, buf *RingBuffer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	multi := zerolog.MultiLevelWriter(w, hookWriter{buf: buf})
	return zerolog.New(multi).With().Timestamp().Logger()
}
