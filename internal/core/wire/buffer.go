package wire

import "fmt"

// Buffer is a fixed-capacity, append-only byte buffer with independent read
// and write cursors.
//
// Writes never grow the backing array: exceeding capacity is a programming
// error and panics with ErrOverflow. Reads latch the first failure; every
// subsequent read returns a zero value, so a decoder may read a whole record
// and check Err once.
type Buffer struct {
	data []byte
	w    int
	r    int
	err  error
}

// NewBuffer allocates a buffer with the given fixed capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap returns a read buffer positioned at the start of data. The slice is
// not copied.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data, w: len(data)}
}

// Reset rewinds both cursors and clears the latched error. The backing
// memory is left untouched.
func (b *Buffer) Reset() {
	b.w = 0
	b.r = 0
	b.err = nil
}

// Load resets the buffer and copies data in for reading.
func (b *Buffer) Load(data []byte) {
	b.Reset()
	b.WriteRaw(data)
}

// Bytes returns the written region. The slice aliases the buffer and is only
// valid until the next Reset.
func (b *Buffer) Bytes() []byte { return b.data[:b.w] }

// Len is the number of bytes written.
func (b *Buffer) Len() int { return b.w }

// Cap is the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Free is the number of bytes that can still be written.
func (b *Buffer) Free() int { return len(b.data) - b.w }

// Unread is the number of written bytes not yet consumed by reads.
func (b *Buffer) Unread() int { return b.w - b.r }

// ReadPos is the current read cursor.
func (b *Buffer) ReadPos() int { return b.r }

// Err returns the first read failure, if any.
func (b *Buffer) Err() error { return b.err }

// Fail latches err unless an earlier failure is already recorded.
func (b *Buffer) Fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Truncate rolls the write cursor back to n, discarding later writes.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.w {
		panic(fmt.Sprintf("wire: truncate to %d outside [0,%d]", n, b.w))
	}
	b.w = n
	if b.r > n {
		b.r = n
	}
}

// Reserve appends n zero bytes and returns their offset so the caller can
// patch them once the value is known.
func (b *Buffer) Reserve(n int) int {
	at := b.grow(n)
	clear(b.data[at : at+n])
	return at
}

func (b *Buffer) grow(n int) int {
	if n > b.Free() {
		panic(fmt.Errorf("%w: need %d bytes, %d free of %d", ErrOverflow, n, b.Free(), len(b.data)))
	}
	at := b.w
	b.w += n
	return at
}

func (b *Buffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 {
		b.err = ErrCorrupt
		return nil
	}
	if n > b.Unread() {
		b.err = ErrUnderflow
		return nil
	}
	p := b.data[b.r : b.r+n]
	b.r += n
	return p
}
