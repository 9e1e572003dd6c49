package bufpool_test

import (
	"testing"

	"github.com/matryer/is"
	"github.com/mirrordust/relaynode/internal/bufpool"
)

func TestRentMinimumCapacity(t *testing.T) {
	is := is.New(t)

	pool := bufpool.New()

	small := pool.Rent(5)
	is.True(len(small) >= 5)
	pool.Return(small)

	big := pool.Rent(10_000)
	is.True(len(big) >= 10_000)
	pool.Return(big)
}

func TestReturnedBufferIsReusable(t *testing.T) {
	is := is.New(t)

	pool := bufpool.New()

	buf := pool.Rent(16)
	buf[0] = 42
	pool.Return(buf)

	// the pool may or may not hand the same buffer back; either way the
	// rented buffer must satisfy the requested capacity.
	again := pool.Rent(16)
	is.True(len(again) >= 16)
	pool.Return(again)
}

func TestReturnShrunkBuffer(t *testing.T) {
	is := is.New(t)

	pool := bufpool.New()

	buf := pool.Rent(64)
	pool.Return(buf[:3])

	again := pool.Rent(64)
	is.True(len(again) >= 64)
}
