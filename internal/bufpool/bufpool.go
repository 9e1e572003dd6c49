// Package bufpool keeps reusable byte buffers for outbound messages so
// the send path does not allocate per message. Rent/Return pairs are
// scoped to a single message construction inside one handler invocation;
// a buffer must not be retained past its Return.
package bufpool

import (
	"sync"
)

// most relay messages are a handful of bytes; server list responses are
// the only ones that regularly need more.
const defaultSize = 512

// Pool hands out buffers of at least the requested capacity, reusing
// returned ones. Construct with New.
type Pool struct {
	p sync.Pool
}

func New() *Pool {
	pool := &Pool{}
	pool.p.New = func() any {
		buf := make([]byte, defaultSize)
		return &buf
	}
	return pool
}

// Rent returns a buffer with len >= min. Contents are garbage from the
// previous user.
func (p *Pool) Rent(min int) []byte {
	buf := *(p.p.Get().(*[]byte))
	if len(buf) < min {
		size := len(buf)
		if size == 0 {
			size = defaultSize
		}
		for size < min {
			size *= 2
		}
		buf = make([]byte, size)
	}
	return buf
}

// Return makes buf eligible for reuse; the caller must not touch it
// afterwards.
func (p *Pool) Return(buf []byte) {
	buf = buf[:cap(buf)]
	p.p.Put(&buf)
}
