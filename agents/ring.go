package agents

import (
	"strings"
	"sync"
)

// DefaultRingSize is how many log lines a card's buffer keeps.
const DefaultRingSize = 4000

// Ring is a bounded line buffer. Once full, each append drops the oldest
// line. Safe for one writer and many readers.
type Ring struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool
}

// NewRing creates a ring holding up to size lines. A non-positive size
// falls back to DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{lines: make([]string, size)}
}

// Append adds one line, evicting the oldest when the buffer is full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Snapshot returns the buffered lines oldest first.
func (r *Ring) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Tail returns the last n lines joined by newlines, for attaching to cards
// and audit entries.
func (r *Ring) Tail(n int) string {
	lines := r.Snapshot()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
