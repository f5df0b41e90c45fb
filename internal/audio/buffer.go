package audio

// Buffer is an append-only byte accumulator owned by exactly one streaming
// session. It is not safe for concurrent use; the owning session serializes
// all access, so no internal locking is needed.
type Buffer struct {
	data      []byte
	threshold int

	// Lifetime counters for monitoring
	totalAppended uint64
	drains        uint64
}

// NewBuffer creates a buffer that reports readiness once threshold bytes
// have accumulated.
func NewBuffer(threshold int) *Buffer {
	return &Buffer{
		data:      make([]byte, 0, threshold),
		threshold: threshold,
	}
}

// Append adds chunk bytes to the buffer.
func (b *Buffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
	b.totalAppended += uint64(len(chunk))
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Ready reports whether the buffered byte count has reached the threshold.
func (b *Buffer) Ready() bool {
	return len(b.data) >= b.threshold
}

// Drain copies out the buffered bytes and resets the buffer to empty. The
// returned slice is owned by the caller; subsequent appends never mutate it.
func (b *Buffer) Drain() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	b.drains++
	return out
}

// TotalAppended returns the lifetime byte count appended to this buffer.
func (b *Buffer) TotalAppended() uint64 {
	return b.totalAppended
}

// Drains returns how many times the buffer has been drained.
func (b *Buffer) Drains() uint64 {
	return b.drains
}
