package zigzag

// ZigZag maps signed integers onto unsigned ones so that values with a
// small absolute value stay small after encoding:
//
//	 0 -> 0
//	-1 -> 1
//	 1 -> 2
//	-2 -> 3
//
// the wire codec runs every signed 32-bit value through this before
// writing it out in network byte order.

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}
