package buffer

// Buffer accumulates a single byte sequence in fixed memory. It never grows: bytes past
// the capacity are rejected, so the caller decides how to treat overflows.
type Buffer struct {
	memory []byte
}

// New returns a Buffer over the memory. Its length is the capacity.
func New(memory []byte) *Buffer {
	return &Buffer{
		memory: memory[:0:len(memory)],
	}
}

// AppendByte writes a single byte, checking whether it won't exceed the limit.
func (b *Buffer) AppendByte(c byte) (ok bool) {
	if len(b.memory) == cap(b.memory) {
		return false
	}

	b.memory = append(b.memory, c)
	return true
}

// Bytes returns the accumulated data. It's valid until the next Clear.
func (b *Buffer) Bytes() []byte {
	return b.memory
}

// Clear resets the buffer, so old values may be overridden by new ones.
func (b *Buffer) Clear() {
	b.memory = b.memory[:0]
}
