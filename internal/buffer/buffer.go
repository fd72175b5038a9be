// Package buffer stores console output for one session.
//
// A [Buffer] is an append-only byte store bounded by a hard cap. When an
// append pushes it over the cap, the oldest bytes are trimmed in one step
// down to a lower watermark, so trimming happens rarely and never during a
// read. The buffer owns the diff cursor used by incremental reads and keeps
// absolute offsets so callers can collect everything appended since a point
// in time even if a trim happened in between.
package buffer

import (
	"bytes"
	"sync"
)

const (
	// DefaultMaxSize is the hard cap on retained output (10 MB).
	DefaultMaxSize = 10 * 1024 * 1024
	// DefaultTrimSize is the size a trim reduces the buffer to (5 MB).
	DefaultTrimSize = 5 * 1024 * 1024

	// lineAlignWindow bounds how far a trim may advance past the watermark
	// to start the retained content on a line boundary.
	lineAlignWindow = 4096
)

// Buffer is a thread-safe bounded output store with a diff cursor.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	base     int64 // absolute offset of data[0]
	cursor   int   // diff cursor, index into data
	maxSize  int
	trimSize int
	trimmed  int64 // total bytes discarded by trims
	closed   bool
	changed  chan struct{} // closed and replaced on every append
}

// New creates a buffer. Non-positive sizes fall back to the defaults; a trim
// size not below the cap is set to half the cap.
func New(maxSize, trimSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if trimSize <= 0 {
		trimSize = DefaultTrimSize
	}
	if trimSize >= maxSize {
		trimSize = maxSize / 2
	}
	return &Buffer{
		maxSize:  maxSize,
		trimSize: trimSize,
		changed:  make(chan struct{}),
	}
}

// Append adds output and trims if the cap is exceeded. It returns the number
// of bytes trimmed.
func (b *Buffer) Append(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	cut := 0
	if len(b.data) > b.maxSize {
		cut = b.trimLocked(len(p))
	}
	ch := b.changed
	b.changed = make(chan struct{})
	b.mu.Unlock()

	close(ch)
	return cut
}

// trimLocked discards the oldest bytes so at most trimSize remain. The
// retained content starts on a line boundary when one lies within a quarter
// of trimSize past the watermark and the aligned cut still keeps the newest
// appended bytes. Caller holds mu.
func (b *Buffer) trimLocked(appended int) int {
	cut := len(b.data) - b.trimSize
	window := min(lineAlignWindow, b.trimSize/4)
	keepFrom := len(b.data) - min(appended, b.trimSize)
	if limit := min(cut+window, keepFrom); limit > cut {
		if i := bytes.IndexByte(b.data[cut:limit], '\n'); i >= 0 {
			cut += i + 1
		}
	}

	kept := make([]byte, len(b.data)-cut, b.trimSize+b.trimSize/4)
	copy(kept, b.data[cut:])
	b.data = kept
	b.base += int64(cut)
	b.trimmed += int64(cut)

	b.cursor -= cut
	if b.cursor < 0 {
		b.cursor = 0
	}
	return cut
}

// Close marks the buffer closed and wakes waiters. Appends are still
// accepted so late output is not lost.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ch := b.changed
	b.changed = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// IsClosed returns whether the buffer has been closed.
func (b *Buffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Changed returns a channel closed on the next append or Close.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Len returns the retained size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Cursor returns the diff cursor position.
func (b *Buffer) Cursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Trimmed returns the total number of bytes discarded by trims.
func (b *Buffer) Trimmed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimmed
}

// Bytes returns a copy of the retained content.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// End returns the absolute offset just past the last appended byte.
func (b *Buffer) End() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(len(b.data))
}

// ReadFrom returns everything appended since the absolute offset from, and
// the new end offset. Content trimmed in the meantime is skipped.
func (b *Buffer) ReadFrom(from int64) ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.base + int64(len(b.data))
	if from < b.base {
		from = b.base
	}
	if from >= end {
		return nil, end
	}
	return append([]byte(nil), b.data[from-b.base:]...), end
}

// Diff returns buffer[cursor:] and advances the cursor to the end.
func (b *Buffer) Diff() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.data[b.cursor:]...)
	b.cursor = len(b.data)
	return out
}

// diffComplete is Diff for cleaned reads. A trailing partial escape
// sequence or carriage return stays behind the cursor so the next diff sees
// it whole.
func (b *Buffer) diffComplete() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunk := b.data[b.cursor:]
	n := len(chunk) - pendingTail(chunk)
	out := append([]byte(nil), chunk[:n]...)
	b.cursor += n
	return out
}

// SkipToEnd advances the diff cursor without returning content.
func (b *Buffer) SkipToEnd() {
	b.mu.Lock()
	b.cursor = len(b.data)
	b.mu.Unlock()
}

// CursorOffset returns the absolute offset of the diff cursor.
func (b *Buffer) CursorOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(b.cursor)
}

// AdvanceTo moves the diff cursor forward to the absolute offset abs. It
// never moves the cursor backwards or past the end.
func (b *Buffer) AdvanceTo(abs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := abs - b.base
	if pos > int64(len(b.data)) {
		pos = int64(len(b.data))
	}
	if pos > int64(b.cursor) {
		b.cursor = int(pos)
	}
}
