package transport

// Buffer is a byte slice with a cursor. Reads fill B[Pos:], writes consume
// B[Pos:]; the operation is finished once Pos reaches len(B).
type Buffer struct {
	B   []byte
	Pos int
}

// NewBuffer returns a buffer of n zero bytes to be filled by Read.
func NewBuffer(n int) *Buffer { return &Buffer{B: make([]byte, n)} }

// WrapBuffer returns a buffer holding p, to be consumed by Write.
func WrapBuffer(p []byte) *Buffer { return &Buffer{B: p} }

// Remaining reports how many bytes are still to be filled or consumed.
func (b *Buffer) Remaining() int {
	if b == nil {
		return 0
	}
	return len(b.B) - b.Pos
}

// Tail returns the unfilled/unconsumed part of the buffer.
func (b *Buffer) Tail() []byte { return b.B[b.Pos:] }

// Advance moves the cursor by n bytes.
func (b *Buffer) Advance(n int) {
	b.Pos += n
	if b.Pos > len(b.B) {
		b.Pos = len(b.B)
	}
}

// Filled returns the bytes before the cursor.
func (b *Buffer) Filled() []byte { return b.B[:b.Pos] }
