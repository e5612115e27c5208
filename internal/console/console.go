// Package console keeps the bounded, in-memory output history of a supervised
// server. Lines are appended by reader goroutines and read by pollers.
package console

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is used when a buffer is created with a non-positive capacity.
const DefaultCapacity = 2000

// Origin tells which stream a line was read from.
type Origin uint8

const (
	Stdout Origin = iota
	Stderr
)

func (o Origin) String() string {
	switch o {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Origin) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stdout":
		*o = Stdout
	case "stderr":
		*o = Stderr
	default:
		return fmt.Errorf("unknown origin %q", string(b))
	}
	return nil
}

// Line is one line of process output. Text never contains the trailing newline.
type Line struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
	Origin Origin    `json:"origin"`
}

// Buffer is a fixed-capacity FIFO of lines. When full, the oldest line is
// dropped. Sequence numbers keep increasing across Clear so incremental
// readers never see a number twice.
type Buffer struct {
	mu    sync.RWMutex
	lines []Line // ring storage, len == cap once warmed up
	head  int    // index of the oldest line
	size  int
	cap   int
	seq   uint64
	now   func() time.Time
}

// NewBuffer creates a buffer holding at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines: make([]Line, capacity),
		cap:   capacity,
		now:   time.Now,
	}
}

// Append stores text as the newest line and reports whether an old line was evicted.
func (b *Buffer) Append(origin Origin, text string) (Line, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ln := Line{Seq: b.seq, Time: b.now(), Text: text, Origin: origin}
	evicted := false
	if b.size == b.cap {
		b.lines[b.head] = ln
		b.head = (b.head + 1) % b.cap
		evicted = true
	} else {
		b.lines[(b.head+b.size)%b.cap] = ln
		b.size++
	}
	return ln, evicted
}

// Clear drops every stored line. The sequence counter is kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.lines {
		b.lines[i] = Line{}
	}
	b.head = 0
	b.size = 0
}

// Snapshot returns a copy of all stored lines, oldest first.
func (b *Buffer) Snapshot() []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyFrom(0)
}

// Since returns the stored lines with Seq greater than seq, oldest first.
func (b *Buffer) Since(seq uint64) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 || seq >= b.seq {
		return []Line{}
	}
	oldest := b.lines[b.head].Seq
	skip := 0
	if seq >= oldest {
		skip = int(seq - oldest + 1)
	}
	return b.copyFrom(skip)
}

// LastSeq is the sequence number of the most recently appended line, zero if none.
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int { return b.cap }

// copyFrom must be called with b.mu held.
func (b *Buffer) copyFrom(skip int) []Line {
	n := b.size - skip
	if n <= 0 {
		return []Line{}
	}
	out := make([]Line, n)
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.head+skip+i)%b.cap]
	}
	return out
}
