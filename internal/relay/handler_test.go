package relay_test

import (
	"net"
	"testing"

	"github.com/matryer/is"

	"github.com/mirrordust/relaynode/internal/protocol"
	"github.com/mirrordust/relaynode/internal/relay"
)

const testSecret = "sesame"

type sentMsg struct {
	data    []byte
	channel byte
}

// fakeTransport records everything the handler pushes outward.
type fakeTransport struct {
	sent         map[int32][]sentMsg
	disconnected map[int32]bool
	nat          map[int32]*net.UDPAddr
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:         make(map[int32][]sentMsg),
		disconnected: make(map[int32]bool),
		nat:          make(map[int32]*net.UDPAddr),
	}
}

func (ft *fakeTransport) Send(connID int32, data []byte, channel byte) error {
	// the handler returns its buffer to the pool right after Send
	buf := make([]byte, len(data))
	copy(buf, data)
	ft.sent[connID] = append(ft.sent[connID], sentMsg{data: buf, channel: channel})
	return nil
}

func (ft *fakeTransport) Disconnect(connID int32) {
	ft.disconnected[connID] = true
}

func (ft *fakeTransport) NATEndpoint(connID int32) (*net.UDPAddr, bool) {
	addr, ok := ft.nat[connID]
	return addr, ok
}

func (ft *fakeTransport) ops(connID int32) []protocol.Opcode {
	var ops []protocol.Opcode
	for _, msg := range ft.sent[connID] {
		ops = append(ops, protocol.Opcode(msg.data[0]))
	}
	return ops
}

func (ft *fakeTransport) lastMsg(t *testing.T, connID int32) (protocol.Opcode, *protocol.Reader) {
	t.Helper()
	msgs := ft.sent[connID]
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to conn %d", connID)
	}
	data := msgs[len(msgs)-1].data
	r := protocol.NewReader(data)
	op, err := r.ReadU8()
	if err != nil {
		t.Fatalf("could not read opcode: %v", err)
	}
	return protocol.Opcode(op), r
}

func (ft *fakeTransport) reset(connID int32) {
	delete(ft.sent, connID)
}

type countingNotifier struct {
	count int
}

func (n *countingNotifier) RoomsModified() {
	n.count++
}

func newTestHandler() (*relay.Handler, *fakeTransport, *countingNotifier) {
	ft := newFakeTransport()
	notifier := &countingNotifier{}
	h := relay.NewHandler(relay.Config{
		AuthSecret:    testSecret,
		PublicAddress: "198.51.100.1",
		Port:          7777,
		EndpointPort:  8080,
		Region:        "eu",
	}, ft, notifier, nil)
	return h, ft, notifier
}

// msg builds an encoded client message.
func msg(build func(w *protocol.Writer)) []byte {
	w := protocol.NewWriter(make([]byte, 64))
	build(w)
	return w.Bytes()
}

func authMsg(secret string) []byte {
	return msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpAuthenticationResponse)
		w.WriteString(secret)
	})
}

type roomOpts struct {
	maxPlayers       int32
	serverName       string
	isPublic         bool
	serverData       string
	useDirectConnect bool
	hostLocalIP      string
	useNATPunch      bool
	port             int32
	appID            int32
	version          string
	groupID          string
	authorityLevel   int32
}

func defaultRoomOpts() roomOpts {
	return roomOpts{
		maxPlayers:     4,
		serverName:     "Arena",
		isPublic:       true,
		hostLocalIP:    "192.168.1.10",
		port:           7778,
		appID:          1,
		version:        "1.0",
		groupID:        "g1",
		authorityLevel: 1,
	}
}

func writeRoomOpts(w *protocol.Writer, o roomOpts) {
	w.WriteInt32(o.maxPlayers)
	w.WriteString(o.serverName)
	w.WriteBool(o.isPublic)
	w.WriteString(o.serverData)
	w.WriteBool(o.useDirectConnect)
	w.WriteString(o.hostLocalIP)
	w.WriteBool(o.useNATPunch)
	w.WriteInt32(o.port)
	w.WriteInt32(o.appID)
	w.WriteString(o.version)
	w.WriteString(o.groupID)
	w.WriteInt32(o.authorityLevel)
}

func createRoomMsg(o roomOpts) []byte {
	return msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpCreateRoom)
		writeRoomOpts(w, o)
	})
}

func recreateRoomMsg(serverID string, o roomOpts) []byte {
	return msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRecreateRoom)
		w.WriteString(serverID)
		writeRoomOpts(w, o)
	})
}

func joinRoomMsg(serverID string, canDirectConnect bool, localIP string) []byte {
	return msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpJoinRoom)
		w.WriteString(serverID)
		w.WriteBool(canDirectConnect)
		w.WriteString(localIP)
	})
}

func serverListMsg(groupID string, authorityLevel int32) []byte {
	return msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRequestServerList)
		w.WriteString(groupID)
		w.WriteInt32(authorityLevel)
		w.WriteString("")
	})
}

func authenticate(t *testing.T, h *relay.Handler, ft *fakeTransport, connID int32) {
	t.Helper()
	is := is.New(t)

	h.HandleConnect(connID)
	h.HandleMessage(connID, authMsg(testSecret), protocol.ChannelReliable)

	op, _ := ft.lastMsg(t, connID)
	is.Equal(op, protocol.OpAuthenticated)
	ft.reset(connID)
}

// createRoom authenticates connID (if needed) and makes it host a room,
// returning the server id.
func createRoom(t *testing.T, h *relay.Handler, ft *fakeTransport, connID int32, o roomOpts) string {
	t.Helper()
	is := is.New(t)

	h.HandleMessage(connID, createRoomMsg(o), protocol.ChannelReliable)

	op, r := ft.lastMsg(t, connID)
	is.Equal(op, protocol.OpRoomCreated)
	serverID, err := r.ReadString()
	is.NoErr(err)
	is.True(serverID != "")
	ft.reset(connID)
	return serverID
}

func decodeServerList(t *testing.T, r *protocol.Reader) []relay.RoomInfo {
	t.Helper()
	is := is.New(t)

	count, err := r.ReadInt32()
	is.NoErr(err)

	infos := make([]relay.RoomInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var info relay.RoomInfo
		info.ServerID, err = r.ReadString()
		is.NoErr(err)
		info.ServerName, err = r.ReadString()
		is.NoErr(err)
		info.ServerData, err = r.ReadString()
		is.NoErr(err)
		info.PlayerCount, err = r.ReadInt32()
		is.NoErr(err)
		info.MaxPlayers, err = r.ReadInt32()
		is.NoErr(err)
		info.AppID, err = r.ReadInt32()
		is.NoErr(err)
		info.Version, err = r.ReadString()
		is.NoErr(err)
		info.GroupID, err = r.ReadString()
		is.NoErr(err)
		info.AuthorityLevel, err = r.ReadInt32()
		is.NoErr(err)
		infos = append(infos, info)
	}
	return infos
}

func TestConnectSendsAuthenticationRequest(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	h.HandleConnect(1)

	is.Equal(ft.ops(1), []protocol.Opcode{protocol.OpAuthenticationRequest})
}

func TestOpcodesIgnoredBeforeAuthentication(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	h.HandleConnect(1)
	ft.reset(1)

	h.HandleMessage(1, createRoomMsg(defaultRoomOpts()), protocol.ChannelReliable)

	is.Equal(h.RoomCount(), 0)
	is.Equal(len(ft.sent[1]), 0)
	is.True(!ft.disconnected[1]) // ignored, not an error
}

func TestWrongSecretDisconnects(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	h.HandleConnect(1)

	h.HandleMessage(1, authMsg("bad"), protocol.ChannelReliable)
	is.True(ft.disconnected[1])

	// still gated: a create afterwards does nothing
	h.HandleMessage(1, createRoomMsg(defaultRoomOpts()), protocol.ChannelReliable)
	is.Equal(h.RoomCount(), 0)
}

func TestAuthenticateThenCreateRoom(t *testing.T) {
	is := is.New(t)

	h, ft, notifier := newTestHandler()
	authenticate(t, h, ft, 1)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	is.True(serverID != "")
	is.Equal(h.RoomCount(), 1)
	is.Equal(notifier.count, 1)

	rooms := h.Rooms()
	is.Equal(len(rooms), 1)
	is.Equal(rooms[0].ServerID, serverID)
	is.Equal(rooms[0].ServerName, "Arena")
	is.Equal(rooms[0].PlayerCount, int32(0))
	is.Equal(rooms[0].Relay.Address, "198.51.100.1")
	is.Equal(rooms[0].Relay.Region, "eu")
}

func TestCreateRoomReplacesCurrentRoom(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	first := createRoom(t, h, ft, 1, defaultRoomOpts())
	second := createRoom(t, h, ft, 1, defaultRoomOpts())

	is.True(first != second)
	is.Equal(h.RoomCount(), 1) // the first room was torn down
	is.Equal(h.Rooms()[0].ServerID, second)
}

func TestJoinRelayPath(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())

	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)

	// both joiner and host hear about the join
	op, r := ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerJoined)
	joined, err := r.ReadInt32()
	is.NoErr(err)
	is.Equal(joined, int32(2))

	op, r = ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpServerJoined)
	joined, err = r.ReadInt32()
	is.NoErr(err)
	is.Equal(joined, int32(2))

	is.Equal(h.Rooms()[0].PlayerCount, int32(1))
}

func TestJoinMissingRoomRejected(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	h.HandleMessage(1, joinRoomMsg("nope", false, ""), protocol.ChannelReliable)

	op, _ := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpServerLeft)
	is.True(!ft.disconnected[1]) // rejection, not an error
}

func TestJoinFullRoomRejected(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)
	authenticate(t, h, ft, 3)

	opts := defaultRoomOpts()
	opts.maxPlayers = 1
	serverID := createRoom(t, h, ft, 1, opts)

	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	h.HandleMessage(3, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)

	op, _ := ft.lastMsg(t, 3)
	is.Equal(op, protocol.OpServerLeft)
	is.Equal(h.Rooms()[0].PlayerCount, int32(1)) // member cap held
}

func TestHostDisconnectTearsDownRoom(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(2)

	h.HandleDisconnect(1)

	op, _ := ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerLeft)
	is.Equal(h.RoomCount(), 0)

	// the room is gone from the list too
	h.HandleMessage(2, serverListMsg("g1", 1), protocol.ChannelReliable)
	op, r := ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerListResponse)
	is.Equal(len(decodeServerList(t, r)), 0)
}

func TestMemberLeaveNotifiesHost(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(1)
	ft.reset(2)

	h.HandleMessage(2, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpLeaveRoom)
	}), protocol.ChannelReliable)

	op, r := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpPlayerDisconnected)
	left, err := r.ReadInt32()
	is.NoErr(err)
	is.Equal(left, int32(2))

	op, _ = ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerLeft)

	is.Equal(h.RoomCount(), 1) // room survives a member leaving
	is.Equal(h.Rooms()[0].PlayerCount, int32(0))
}

func TestKickPlayer(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(1)
	ft.reset(2)

	h.HandleMessage(1, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpKickPlayer)
		w.WriteInt32(2)
	}), protocol.ChannelReliable)

	op, _ := ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerLeft)

	op, r := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpPlayerDisconnected)
	kicked, err := r.ReadInt32()
	is.NoErr(err)
	is.Equal(kicked, int32(2))

	is.Equal(h.Rooms()[0].PlayerCount, int32(0))
}

func TestKickByNonHostHasNoEffect(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)
	authenticate(t, h, ft, 3)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	h.HandleMessage(3, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(1)
	ft.reset(2)
	ft.reset(3)

	// member 3 tries to kick member 2
	h.HandleMessage(3, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpKickPlayer)
		w.WriteInt32(2)
	}), protocol.ChannelReliable)

	is.Equal(len(ft.sent[2]), 0)
	is.Equal(h.Rooms()[0].PlayerCount, int32(2))

	// member 3 tries to kick the host
	h.HandleMessage(3, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpKickPlayer)
		w.WriteInt32(1)
	}), protocol.ChannelReliable)

	is.Equal(h.RoomCount(), 1) // room not torn down
	is.Equal(h.Rooms()[0].PlayerCount, int32(2))
}

func TestHostJoiningOwnRoomTearsItDown(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())

	// joining forces a leave first; for a host that destroys the room,
	// so the join itself then finds nothing
	h.HandleMessage(1, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)

	op, _ := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpServerLeft)
	is.Equal(h.RoomCount(), 0)
}

func TestServerListFiltering(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)
	authenticate(t, h, ft, 3)
	authenticate(t, h, ft, 4)

	o := defaultRoomOpts()
	o.authorityLevel = 1
	createRoom(t, h, ft, 1, o)

	private := defaultRoomOpts()
	private.isPublic = false
	createRoom(t, h, ft, 2, private)

	otherGroup := defaultRoomOpts()
	otherGroup.groupID = "g2"
	createRoom(t, h, ft, 3, otherGroup)

	// authority level below the rooms' level sees nothing
	h.HandleMessage(4, serverListMsg("g1", 0), protocol.ChannelReliable)
	op, r := ft.lastMsg(t, 4)
	is.Equal(op, protocol.OpServerListResponse)
	is.Equal(len(decodeServerList(t, r)), 0)
	ft.reset(4)

	// raising it reveals exactly the public g1 room
	h.HandleMessage(4, serverListMsg("g1", 1), protocol.ChannelReliable)
	_, r = ft.lastMsg(t, 4)
	infos := decodeServerList(t, r)
	is.Equal(len(infos), 1)
	is.Equal(infos[0].GroupID, "g1")
	is.Equal(infos[0].AuthorityLevel, int32(1))
	is.Equal(infos[0].ServerName, "Arena")
}

func TestUpdateRoomData(t *testing.T) {
	is := is.New(t)

	h, ft, notifier := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	notified := notifier.count

	// a member cannot update room data, and no notification fires
	h.HandleMessage(2, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpUpdateRoomData)
		w.WriteBool(true)
		w.WriteString("Hijacked")
	}), protocol.ChannelReliable)
	is.Equal(h.Rooms()[0].ServerName, "Arena")
	is.Equal(notifier.count, notified)

	// the host updates name and max players, leaves the rest alone
	h.HandleMessage(1, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpUpdateRoomData)
		w.WriteBool(true)
		w.WriteString("Arena II")
		w.WriteBool(false)
		w.WriteBool(false)
		w.WriteBool(true)
		w.WriteInt32(8)
	}), protocol.ChannelReliable)

	info := h.Rooms()[0]
	is.Equal(info.ServerName, "Arena II")
	is.Equal(info.MaxPlayers, int32(8))
	is.Equal(notifier.count, notified+1)

	// an update with no fields set still pokes the notifier
	h.HandleMessage(1, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpUpdateRoomData)
		w.WriteBool(false)
		w.WriteBool(false)
		w.WriteBool(false)
		w.WriteBool(false)
	}), protocol.ChannelReliable)
	is.Equal(notifier.count, notified+2)
}

func TestRecreateRoomRebindsExistingRoom(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)
	authenticate(t, h, ft, 3)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)

	// the host's old connection dropped; it comes back as conn 3 and
	// reclaims the room id
	opts := defaultRoomOpts()
	opts.serverName = "Arena Reborn"
	h.HandleMessage(3, recreateRoomMsg(serverID, opts), protocol.ChannelReliable)

	op, r := ft.lastMsg(t, 3)
	is.Equal(op, protocol.OpRoomCreated)
	gotID, err := r.ReadString()
	is.NoErr(err)
	is.Equal(gotID, serverID)

	is.Equal(h.RoomCount(), 1)
	info := h.Rooms()[0]
	is.Equal(info.ServerName, "Arena Reborn")
	is.Equal(info.PlayerCount, int32(0)) // members must rejoin

	// the member can rejoin the rebound room
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	op, _ = ft.lastMsg(t, 2)
	is.Equal(op, protocol.OpServerJoined)

	// and the stale original host connection is free to host elsewhere
	newID := createRoom(t, h, ft, 1, defaultRoomOpts())
	is.True(newID != serverID)
	is.Equal(h.RoomCount(), 2)
}

func TestRecreateRoomFallsThroughToCreate(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	h.HandleMessage(1, recreateRoomMsg("carried-over-id", defaultRoomOpts()), protocol.ChannelReliable)

	op, r := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpRoomCreated)
	serverID, err := r.ReadString()
	is.NoErr(err)
	is.Equal(serverID, "carried-over-id")
}

func TestRecreateRoomFailureReply(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	opts := defaultRoomOpts()
	opts.maxPlayers = 0
	h.HandleMessage(1, recreateRoomMsg("fresh-id", opts), protocol.ChannelReliable)

	op, r := ft.lastMsg(t, 1)
	is.Equal(op, protocol.OpRecreateRoomFailed)
	reason, err := r.ReadString()
	is.NoErr(err)
	is.True(reason != "")
	is.Equal(h.RoomCount(), 0)
}

func TestSendDataRelayedWithinRoom(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(1)
	ft.reset(2)

	payload := []byte("state sync")

	// member to host, on the unreliable channel
	h.HandleMessage(2, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpSendData)
		w.WriteBytes(payload)
		w.WriteInt32(1)
	}), protocol.ChannelUnreliable)

	msgs := ft.sent[1]
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].channel, protocol.ChannelUnreliable)
	r := protocol.NewReader(msgs[0].data)
	op, err := r.ReadU8()
	is.NoErr(err)
	is.Equal(protocol.Opcode(op), protocol.OpDataReceived)
	got, err := r.ReadBytes()
	is.NoErr(err)
	is.Equal(got, payload)

	// host to member
	h.HandleMessage(1, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpSendData)
		w.WriteBytes(payload)
		w.WriteInt32(2)
	}), protocol.ChannelReliable)
	op2, _ := ft.lastMsg(t, 2)
	is.Equal(op2, protocol.OpDataReceived)
}

func TestSendDataDroppedOutsideRoom(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)
	authenticate(t, h, ft, 3)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)
	ft.reset(1)
	ft.reset(2)
	ft.reset(3)

	// conn 3 has no room: dropped
	h.HandleMessage(3, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpSendData)
		w.WriteBytes([]byte("x"))
		w.WriteInt32(1)
	}), protocol.ChannelReliable)
	is.Equal(len(ft.sent[1]), 0)

	// conn 2's target is outside its room: dropped
	h.HandleMessage(2, msg(func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpSendData)
		w.WriteBytes([]byte("x"))
		w.WriteInt32(3)
	}), protocol.ChannelReliable)
	is.Equal(len(ft.sent[3]), 0)
	is.True(!ft.disconnected[2]) // silent drop, not an error
}

func TestMalformedMessageDisconnectsOnlySender(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)
	authenticate(t, h, ft, 2)

	serverID := createRoom(t, h, ft, 1, defaultRoomOpts())
	h.HandleMessage(2, joinRoomMsg(serverID, false, ""), protocol.ChannelReliable)

	// truncated join: opcode only, fields missing
	h.HandleMessage(2, []byte{byte(protocol.OpJoinRoom)}, protocol.ChannelReliable)

	is.True(ft.disconnected[2])
	is.True(!ft.disconnected[1])
	is.Equal(h.RoomCount(), 1)
}

func TestUnknownOpcodeIgnored(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 1)

	h.HandleMessage(1, []byte{0xf0, 1, 2, 3}, protocol.ChannelReliable)

	is.True(!ft.disconnected[1])
	is.Equal(len(ft.sent[1]), 0)
}

func TestRequestID(t *testing.T) {
	is := is.New(t)

	h, ft, _ := newTestHandler()
	authenticate(t, h, ft, 7)

	h.HandleMessage(7, []byte{byte(protocol.OpRequestID)}, protocol.ChannelReliable)

	op, r := ft.lastMsg(t, 7)
	is.Equal(op, protocol.OpClientID)
	id, err := r.ReadInt32()
	is.NoErr(err)
	is.Equal(id, int32(7))
}

func TestDirectConnectJoin(t *testing.T) {
	hostEndpoint := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 50001}

	setup := func(t *testing.T, o roomOpts) (*relay.Handler, *fakeTransport, string) {
		t.Helper()
		h, ft, _ := newTestHandler()
		ft.nat[1] = hostEndpoint
		authenticate(t, h, ft, 1)
		authenticate(t, h, ft, 2)
		serverID := createRoom(t, h, ft, 1, o)
		return h, ft, serverID
	}

	directOpts := func() roomOpts {
		o := defaultRoomOpts()
		o.useDirectConnect = true
		o.port = 9999
		return o
	}

	t.Run("different public addresses", func(t *testing.T) {
		is := is.New(t)
		h, ft, serverID := setup(t, directOpts())
		ft.nat[2] = &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 50002}

		h.HandleMessage(2, joinRoomMsg(serverID, true, "192.168.5.5"), protocol.ChannelReliable)

		op, r := ft.lastMsg(t, 2)
		is.Equal(op, protocol.OpDirectConnectIP)
		address, err := r.ReadString()
		is.NoErr(err)
		is.Equal(address, "203.0.113.1") // the host's public address
		port, err := r.ReadInt32()
		is.NoErr(err)
		is.Equal(port, int32(9999)) // advertised direct-connect port
		punch, err := r.ReadBool()
		is.NoErr(err)
		is.True(!punch)

		// no relay acknowledgement to either side
		is.Equal(len(ft.sent[1]), 0)
		is.Equal(h.Rooms()[0].PlayerCount, int32(1))
	})

	t.Run("same NAT hands out host local IP", func(t *testing.T) {
		is := is.New(t)
		h, ft, serverID := setup(t, directOpts())
		ft.nat[2] = &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 50002}

		h.HandleMessage(2, joinRoomMsg(serverID, true, "192.168.1.20"), protocol.ChannelReliable)

		_, r := ft.lastMsg(t, 2)
		address, err := r.ReadString()
		is.NoErr(err)
		is.Equal(address, "192.168.1.10")
	})

	t.Run("same machine gets loopback", func(t *testing.T) {
		is := is.New(t)
		h, ft, serverID := setup(t, directOpts())
		ft.nat[2] = &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 50002}

		h.HandleMessage(2, joinRoomMsg(serverID, true, "192.168.1.10"), protocol.ChannelReliable)

		_, r := ft.lastMsg(t, 2)
		address, err := r.ReadString()
		is.NoErr(err)
		is.Equal(address, "127.0.0.1")
	})

	t.Run("NAT punch tells both ends", func(t *testing.T) {
		is := is.New(t)
		o := directOpts()
		o.useNATPunch = true
		h, ft, serverID := setup(t, o)
		joinerEndpoint := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 50002}
		ft.nat[2] = joinerEndpoint

		h.HandleMessage(2, joinRoomMsg(serverID, true, "192.168.5.5"), protocol.ChannelReliable)

		// joiner gets the host's punched endpoint
		op, r := ft.lastMsg(t, 2)
		is.Equal(op, protocol.OpDirectConnectIP)
		_, err := r.ReadString()
		is.NoErr(err)
		port, err := r.ReadInt32()
		is.NoErr(err)
		is.Equal(port, int32(hostEndpoint.Port))
		punch, err := r.ReadBool()
		is.NoErr(err)
		is.True(punch)

		// host gets the joiner's endpoint for the simultaneous open
		op, r = ft.lastMsg(t, 1)
		is.Equal(op, protocol.OpDirectConnectIP)
		address, err := r.ReadString()
		is.NoErr(err)
		is.Equal(address, "203.0.113.9")
		port, err = r.ReadInt32()
		is.NoErr(err)
		is.Equal(port, int32(50002))
	})

	t.Run("falls back to relay without joiner endpoint", func(t *testing.T) {
		is := is.New(t)
		h, ft, serverID := setup(t, directOpts())
		// no NAT endpoint for conn 2

		h.HandleMessage(2, joinRoomMsg(serverID, true, "192.168.5.5"), protocol.ChannelReliable)

		op, _ := ft.lastMsg(t, 2)
		is.Equal(op, protocol.OpServerJoined)
	})
}
