package protocol

import (
	"errors"

	"github.com/mirrordust/relaynode/internal/byteorder"
	"github.com/mirrordust/relaynode/internal/zigzag"
)

// ErrShortBuffer is returned when a read would run past the end of the
// message, including length prefixes that claim more bytes than remain.
// It is always a hard failure; the dispatcher drops the offending
// connection on sight of it.
var ErrShortBuffer = errors.New("protocol: read past end of buffer")

// Reader decodes primitives from a message body at a moving cursor. It
// has no knowledge of opcodes.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) ReadU8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if r.remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := zigzag.Decode32(byteorder.Ntohl(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	if r.remaining() < 2 {
		return "", ErrShortBuffer
	}
	n := int(byteorder.Ntohs(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if r.remaining() < n {
		return "", ErrShortBuffer
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

// ReadBytes returns a view into the underlying message, not a copy. The
// slice is only valid for the duration of the handler invocation that
// owns the message.
func (r *Reader) ReadBytes() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, ErrShortBuffer
	}
	// compared in uint64 so a huge prefix cannot wrap int on 32-bit
	n := byteorder.Ntohl(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if uint64(n) > uint64(r.remaining()) {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}
