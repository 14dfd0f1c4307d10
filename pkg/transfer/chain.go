package transfer

// chunk holds the bytes of one engine write. len(data) is the write length
// and off the read offset; 0 <= off <= len(data) == cap(data).
type chunk struct {
	data []byte
	off  int
}

// ChainedBuffer is a FIFO of received-but-unconsumed bytes stored as one
// chunk per write. Chunks live in a slice used as a deque; head indexes the
// oldest chunk still holding unread bytes.
//
// A ChainedBuffer is not safe for concurrent use.
type ChainedBuffer struct {
	chunks []chunk
	head   int
	size   int64
}

// Append copies p into a new chunk at the tail. Empty writes are ignored.
func (b *ChainedBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	data := make([]byte, len(p))
	copy(data, p)
	b.chunks = append(b.chunks, chunk{data: data})
	b.size += int64(len(p))
}

// Consume discards up to skip bytes and then copies up to len(dst) bytes
// from the head of the buffer. Fully consumed chunks are released.
func (b *ChainedBuffer) Consume(dst []byte, skip int64) (n int, skipped int64) {
	for b.head < len(b.chunks) {
		c := &b.chunks[b.head]

		if skip > 0 {
			d := int64(len(c.data) - c.off)
			if d > skip {
				d = skip
			}
			c.off += int(d)
			skip -= d
			skipped += d
			b.size -= d
		}

		if c.off < len(c.data) {
			m := copy(dst[n:], c.data[c.off:])
			c.off += m
			n += m
			b.size -= int64(m)
			if c.off < len(c.data) {
				break
			}
		}

		b.release()
	}
	return n, skipped
}

// release drops the head chunk.
func (b *ChainedBuffer) release() {
	b.chunks[b.head] = chunk{}
	b.head++

	switch {
	case b.head == len(b.chunks):
		b.chunks = b.chunks[:0]
		b.head = 0
	case b.head >= 64 && b.head*2 >= len(b.chunks):
		n := copy(b.chunks, b.chunks[b.head:])
		clear(b.chunks[n:])
		b.chunks = b.chunks[:n]
		b.head = 0
	}
}

// Len returns the number of unread bytes.
func (b *ChainedBuffer) Len() int64 {
	return b.size
}

// Chunks returns the number of chunks still holding unread bytes.
func (b *ChainedBuffer) Chunks() int {
	return len(b.chunks) - b.head
}

// Reset frees every chunk.
func (b *ChainedBuffer) Reset() {
	b.chunks = nil
	b.head = 0
	b.size = 0
}
