package protocol

import (
	"math"

	"github.com/mirrordust/relaynode/internal/byteorder"
	"github.com/mirrordust/relaynode/internal/debug"
	"github.com/mirrordust/relaynode/internal/zigzag"
)

// Writer encodes primitives into a buffer at a moving cursor, growing the
// buffer when it runs out of room. It is meant to wrap a rented buffer:
// rent close to the final message size and growth stays the rare case.
type Writer struct {
	buf []byte
	pos int
}

func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes is the encoded message so far.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.pos]
}

// Buffer is the full underlying buffer, for handing back to the pool.
func (w *Writer) Buffer() []byte {
	return w.buf
}

func (w *Writer) grow(n int) {
	if w.pos+n <= len(w.buf) {
		return
	}
	size := len(w.buf) * 2
	if size < w.pos+n {
		size = w.pos + n
	}
	buf := make([]byte, size)
	copy(buf, w.buf[:w.pos])
	w.buf = buf
}

func (w *Writer) WriteU8(b byte) {
	w.grow(1)
	w.buf[w.pos] = b
	w.pos++
}

func (w *Writer) WriteOpcode(op Opcode) {
	w.WriteU8(byte(op))
}

func (w *Writer) WriteBool(b bool) {
	if b {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *Writer) WriteInt32(v int32) {
	w.grow(4)
	byteorder.PutHtonl(w.buf[w.pos:], zigzag.Encode32(v))
	w.pos += 4
}

func (w *Writer) WriteString(s string) {
	debug.Assert(len(s) <= math.MaxUint16)
	w.grow(2 + len(s))
	byteorder.PutHtons(w.buf[w.pos:], uint16(len(s)))
	w.pos += 2
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

func (w *Writer) WriteBytes(b []byte) {
	debug.Assert(uint64(len(b)) <= math.MaxUint32)
	w.grow(4 + len(b))
	byteorder.PutHtonl(w.buf[w.pos:], uint32(len(b)))
	w.pos += 4
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
}
