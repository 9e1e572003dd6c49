package transport

import (
	"fmt"
	"io"

	"github.com/mirrordust/relaynode/internal/byteorder"
)

// Frames carried over a stream transport: u16 payload length, one channel
// byte, payload. ChannelControl frames belong to the transport itself and
// never reach the relay core.
const (
	FrameHeaderSize = 3
	MaxFramePayload = 16 << 10

	ChannelControl byte = 0xff
)

// HelloSize is the control payload sent right after accept: an 8 byte NAT
// punch token followed by the u16 punch port.
const HelloSize = 10

func EncodeHello(token uint64, punchPort uint16) []byte {
	buf := make([]byte, HelloSize)
	byteorder.PutHtonl(buf[0:], uint32(token>>32))
	byteorder.PutHtonl(buf[4:], uint32(token))
	byteorder.PutHtons(buf[8:], punchPort)
	return buf
}

func DecodeHello(payload []byte) (token uint64, punchPort uint16, err error) {
	if len(payload) < HelloSize {
		return 0, 0, fmt.Errorf("short hello payload (got %d; want %d)", len(payload), HelloSize)
	}
	token = uint64(byteorder.Ntohl(payload[0:]))<<32 | uint64(byteorder.Ntohl(payload[4:]))
	punchPort = byteorder.Ntohs(payload[8:])
	return token, punchPort, nil
}

func WriteFrame(w io.Writer, channel byte, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("frame payload too large (got %d; max %d)", len(payload), MaxFramePayload)
	}
	var header [FrameHeaderSize]byte
	byteorder.PutHtons(header[0:], uint16(len(payload)))
	header[2] = channel
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("could not write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("could not write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame into buf and returns the payload as a view
// into it. buf must be at least MaxFramePayload bytes.
func ReadFrame(r io.Reader, buf []byte) (channel byte, payload []byte, err error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := int(byteorder.Ntohs(header[0:]))
	if size > len(buf) {
		return 0, nil, fmt.Errorf("frame payload too large (got %d; max %d)", size, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, nil, fmt.Errorf("could not read frame payload: %w", err)
	}
	return header[2], buf[:size], nil
}
