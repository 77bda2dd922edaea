package audio

import (
	"sync"
)

// ScanAction tells the buffer what to do with its content once a scan
// callback returns.
type ScanAction int

const (
	// ScanKeep keeps the content and advances the cursor to the end.
	ScanKeep ScanAction = iota
	// ScanReset discards the content and zeroes the cursor.
	ScanReset
	// ScanTake detaches the whole stream and hands it to the caller.
	ScanTake
)

// String returns a human-readable action name
func (a ScanAction) String() string {
	switch a {
	case ScanKeep:
		return "keep"
	case ScanReset:
		return "reset"
	case ScanTake:
		return "take"
	default:
		return "unknown"
	}
}

// Buffer is the append-only sample stream shared between the capture
// goroutine (producer) and the tick loop (scanner).
//
// Every method takes the same mutex, so a scan never observes a partially
// appended chunk and the producer is never blocked longer than one scan.
type Buffer struct {
	data   []byte
	cursor int

	// Lifetime counters, not cleared by Reset/Take
	appended  uint64
	discarded uint64
	taken     uint64

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Length         int    `json:"length_bytes"`
	Cursor         int    `json:"cursor"`
	AppendedBytes  uint64 `json:"appended_bytes"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
	TakenBytes     uint64 `json:"taken_bytes"`
}

// NewBuffer creates an empty buffer with room for capacity bytes
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		data: make([]byte, 0, capacity),
	}
}

// Append copies p onto the end of the stream
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.appended += uint64(len(p))
}

// Scan calls fn with the unscanned window [cursor, length) and the total
// committed length, then applies the returned action before releasing the
// lock. The window must not be retained after fn returns. For ScanTake the
// detached stream is returned; otherwise the result is nil.
func (b *Buffer) Scan(fn func(window []byte, length int) ScanAction) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	action := fn(b.data[b.cursor:], len(b.data))

	switch action {
	case ScanReset:
		b.resetLocked()
	case ScanTake:
		return b.takeLocked()
	default:
		b.cursor = len(b.data)
	}

	return nil
}

// Window returns a copy of the unscanned region
func (b *Buffer) Window() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := make([]byte, len(b.data)-b.cursor)
	copy(window, b.data[b.cursor:])
	return window
}

// AdvanceCursor marks everything currently in the buffer as scanned
func (b *Buffer) AdvanceCursor() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = len(b.data)
}

// Reset clears the content and the cursor atomically
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Take detaches and returns the whole stream, leaving the buffer empty.
// Returns nil when there is nothing to take.
func (b *Buffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

func (b *Buffer) resetLocked() {
	b.discarded += uint64(len(b.data))
	// Reuse the backing array; nothing outside the lock holds a reference to it
	b.data = b.data[:0]
	b.cursor = 0
}

func (b *Buffer) takeLocked() []byte {
	if len(b.data) == 0 {
		b.cursor = 0
		return nil
	}

	session := b.data
	b.taken += uint64(len(session))

	// The detached slice now belongs to the caller, so start a fresh array
	b.data = make([]byte, 0, cap(session))
	b.cursor = 0

	return session
}

// Len returns the committed stream length in bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Cursor returns the end of the previously analysed region
func (b *Buffer) Cursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		Length:         len(b.data),
		Cursor:         b.cursor,
		AppendedBytes:  b.appended,
		DiscardedBytes: b.discarded,
		TakenBytes:     b.taken,
	}
}
