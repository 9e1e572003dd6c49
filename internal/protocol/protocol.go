package protocol

// Opcode is the first byte of every relay message; the fields that follow
// are opcode-specific and are read/written with Reader/Writer.
type Opcode byte

const (
	_ Opcode = iota
	OpAuthenticationRequest
	OpAuthenticationResponse
	OpAuthenticated
	OpCreateRoom
	OpRoomCreated
	OpRecreateRoom
	OpRecreateRoomFailed
	OpRequestID
	OpClientID
	OpJoinRoom
	OpServerJoined
	OpServerLeft
	OpLeaveRoom
	OpKickPlayer
	OpPlayerDisconnected
	OpSendData
	OpDataReceived
	OpUpdateRoomData
	OpDirectConnectIP
	OpRequestServerList
	OpServerListResponse

	OpMax
)

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "Unknown"
}

var opcodeNames = [...]string{
	"Invalid",
	"AuthenticationRequest",
	"AuthenticationResponse",
	"Authenticated",
	"CreateRoom",
	"RoomCreated",
	"RecreateRoom",
	"RecreateRoomFailed",
	"RequestID",
	"ClientID",
	"JoinRoom",
	"ServerJoined",
	"ServerLeft",
	"LeaveRoom",
	"KickPlayer",
	"PlayerDisconnected",
	"SendData",
	"DataReceived",
	"UpdateRoomData",
	"DirectConnectIP",
	"RequestServerList",
	"ServerListResponse",
}

// Channels mirror the two delivery modes of the relay transport. Reliable
// is ordered, Unreliable is not; the relay itself adds no guarantees on
// top of either.
const (
	ChannelReliable   byte = 0
	ChannelUnreliable byte = 1
)
