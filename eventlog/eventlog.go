// Package eventlog keeps a bounded, append-only trail of bridge activity
// (connection transitions, frames, fetch failures) for operator diagnosis.
// It is a diagnostic aid, not a record of truth: old entries are evicted
// once the soft cap is reached.
package eventlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds memory for long-running sessions. A few hundred
// entries is plenty for eyeballing a broadcast.
const DefaultCapacity = 500

// Entry is a single logged line. Seq increases monotonically across the
// life of the Log, including entries that have since been evicted.
type Entry struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Log is a bounded append-only event trail. Appends also mirror to slog at
// debug level so the trail shows up in structured logs when wanted.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	nextSeq  uint64
	subs     []chan Entry
}

// New returns a Log holding at most capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Appendf formats and appends an entry timestamped now.
func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Append adds an entry timestamped now, evicting the oldest entries once
// the capacity is exceeded.
func (l *Log) Append(message string) {
	l.mu.Lock()
	e := Entry{Seq: l.nextSeq, At: time.Now().UTC(), Message: message}
	l.nextSeq++
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		// Drop in chunks so eviction is amortized rather than per-append.
		drop := len(l.entries) - l.capacity
		l.entries = append(l.entries[:0:0], l.entries[drop:]...)
	}
	subs := append([]chan Entry(nil), l.subs...)
	l.mu.Unlock()

	slog.Debug("eventlog", slog.Uint64("seq", e.Seq), slog.String("message", e.Message))
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than block the bridge.
		}
	}
}

// Snapshot returns a copy of the current entries, oldest first.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe registers a channel that receives every entry appended after
// the call. The returned cancel func unregisters the channel; it is left
// open (an Append racing with cancel may still be delivering) and is
// reclaimed by GC once the caller drops it.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}
