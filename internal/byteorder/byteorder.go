package byteorder

import (
	"encoding/binary"
)

// https://linux.die.net/man/3/ntohs
//
// decrypt names:
// h = host
// n = network
// s = short = 16 bit
// l = long  = 32 bit
//
// everything on the wire is big-endian.

func Htons(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// Put variants write in place instead of allocating; the wire codec uses
// these to fill rented buffers at a cursor offset.

func PutHtons(buf []byte, val uint16) {
	binary.BigEndian.PutUint16(buf, val)
}

func PutHtonl(buf []byte, val uint32) {
	binary.BigEndian.PutUint32(buf, val)
}
