// Package relay implements the relay node core: the per-connection
// authentication gate, the opcode dispatcher, the room registry and
// lifecycle, and payload forwarding between a room's host and members.
//
// Handler methods are not safe for concurrent use; Server wraps a Handler
// in a single event pump that serializes everything (see server.go).
package relay

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"

	"github.com/mirrordust/relaynode/internal/bufpool"
	"github.com/mirrordust/relaynode/internal/protocol"
	"github.com/mirrordust/relaynode/internal/transport"
)

// noHost marks a LeaveRoom with no kick authority attached (voluntary
// leave or transport-level disconnect).
const noHost int32 = -1

// Config is the relay core's slice of the node configuration.
type Config struct {
	// AuthSecret is the shared secret every connection must present
	// before any other opcode is honored.
	AuthSecret string

	// This node's public coordinates, stamped onto created rooms.
	PublicAddress string
	Port          uint16
	EndpointPort  uint16
	Region        string

	// MaxPacketSize sizes outbound server list responses.
	MaxPacketSize int
}

// Notifier is told that the room set changed after every room-affecting
// operation. Implementations must not call back into the relay from
// within the notification.
type Notifier interface {
	RoomsModified()
}

type noopNotifier struct{}

func (noopNotifier) RoomsModified() {}

// Handler holds all core state. It expects to be driven from a single
// goroutine.
type Handler struct {
	cfg      Config
	tr       transport.Transport
	notifier Notifier
	logger   *log.Logger

	pool        *bufpool.Pool
	reg         *registry
	pendingAuth map[int32]struct{}
}

func NewHandler(cfg Config, tr transport.Transport, notifier Notifier, logger *log.Logger) *Handler {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 16 << 10
	}

	return &Handler{
		cfg:      cfg,
		tr:       tr,
		notifier: notifier,
		logger:   logger,

		pool:        bufpool.New(),
		reg:         newRegistry(),
		pendingAuth: make(map[int32]struct{}),
	}
}

// HandleConnect puts the connection behind the authentication gate and
// asks it to authenticate.
func (h *Handler) HandleConnect(connID int32) {
	h.pendingAuth[connID] = struct{}{}

	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpAuthenticationRequest)
	})
}

// HandleDisconnect is treated like a voluntary LeaveRoom.
func (h *Handler) HandleDisconnect(connID int32) {
	delete(h.pendingAuth, connID)
	h.leaveRoom(connID, noHost)
}

// HandleMessage decodes the opcode and routes it. Any decode failure
// anywhere in a handler forcibly disconnects the sender; malformed input
// never takes down anyone else.
func (h *Handler) HandleMessage(connID int32, data []byte, channel byte) {
	r := protocol.NewReader(data)

	op, err := r.ReadU8()
	if err != nil {
		h.bootConn(connID, err)
		return
	}
	opcode := protocol.Opcode(op)

	if _, pending := h.pendingAuth[connID]; pending {
		h.handlePendingAuth(connID, opcode, r)
		return
	}

	if err := h.dispatch(connID, opcode, r, channel); err != nil {
		h.bootConn(connID, err)
	}
}

// handlePendingAuth is the gate: only AuthenticationResponse is acted
// upon, everything else is silently ignored to survive handshake races.
func (h *Handler) handlePendingAuth(connID int32, opcode protocol.Opcode, r *protocol.Reader) {
	if opcode != protocol.OpAuthenticationResponse {
		return
	}

	secret, err := r.ReadString()
	if err != nil {
		h.bootConn(connID, err)
		return
	}
	if secret != h.cfg.AuthSecret {
		h.logger.Warn().
			Int("conn", int(connID)).
			Msg("wrong auth secret, dropping connection")
		h.tr.Disconnect(connID)
		return
	}

	delete(h.pendingAuth, connID)
	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpAuthenticated)
	})
}

func (h *Handler) dispatch(connID int32, opcode protocol.Opcode, r *protocol.Reader, channel byte) error {
	switch opcode {
	case protocol.OpCreateRoom:
		params, err := readRoomParams(r)
		if err != nil {
			return err
		}
		if err := h.createRoom(connID, params, ""); err != nil {
			// the requester already holds this id; nothing sane to
			// reply with on the plain create path
			h.logger.Warn().
				Int("conn", int(connID)).
				Msgf("create room failed: %v", err)
		}

	case protocol.OpRecreateRoom:
		serverID, err := r.ReadString()
		if err != nil {
			return err
		}
		params, err := readRoomParams(r)
		if err != nil {
			return err
		}
		h.recreateRoom(connID, serverID, params)

	case protocol.OpJoinRoom:
		serverID, err := r.ReadString()
		if err != nil {
			return err
		}
		canDirectConnect, err := r.ReadBool()
		if err != nil {
			return err
		}
		localIP, err := r.ReadString()
		if err != nil {
			return err
		}
		h.joinRoom(connID, serverID, canDirectConnect, localIP)

	case protocol.OpLeaveRoom:
		h.leaveRoom(connID, noHost)

	case protocol.OpKickPlayer:
		target, err := r.ReadInt32()
		if err != nil {
			return err
		}
		h.kickPlayer(target, connID)

	case protocol.OpSendData:
		payload, err := r.ReadBytes()
		if err != nil {
			return err
		}
		target, err := r.ReadInt32()
		if err != nil {
			return err
		}
		h.processData(connID, payload, channel, target)

	case protocol.OpUpdateRoomData:
		return h.updateRoomData(connID, r)

	case protocol.OpRequestServerList:
		groupID, err := r.ReadString()
		if err != nil {
			return err
		}
		authorityLevel, err := r.ReadInt32()
		if err != nil {
			return err
		}
		// region is accepted but not a filter at this layer; the
		// cross-node endpoint deals in regions
		if _, err := r.ReadString(); err != nil {
			return err
		}
		h.requestServerList(connID, groupID, authorityLevel)

	case protocol.OpRequestID:
		h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
			w.WriteOpcode(protocol.OpClientID)
			w.WriteInt32(connID)
		})

	default:
		// unknown opcodes from authenticated peers are ignored
		h.logger.Debug().
			Int("conn", int(connID)).
			Msgf("ignoring opcode %s", opcode)
	}

	return nil
}

// processData forwards an opaque payload inside the sender's room. Drops
// are silent: no room, or a target outside the room's membership.
func (h *Handler) processData(fromConnID int32, payload []byte, channel byte, toConnID int32) {
	room, ok := h.reg.roomByConn(fromConnID)
	if !ok {
		return
	}
	if toConnID != room.HostID && !room.hasMember(toConnID) {
		return
	}

	h.send(toConnID, channel, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpDataReceived)
		w.WriteBytes(payload)
	})
}

func (h *Handler) bootConn(connID int32, err error) {
	h.logger.Warn().
		Int("conn", int(connID)).
		Msgf("sent bad data, dropping connection: %v", err)
	h.tr.Disconnect(connID)
}

// send rents a buffer, lets build encode the message, sends it and
// returns the buffer on every path. Send failures are logged, never
// escalated; the transport will deliver a disconnect if the connection
// is truly gone.
func (h *Handler) send(connID int32, channel byte, build func(w *protocol.Writer)) {
	w := protocol.NewWriter(h.pool.Rent(64))
	defer h.pool.Return(w.Buffer())

	build(w)

	if err := h.tr.Send(connID, w.Bytes(), channel); err != nil {
		h.logger.Error().
			Int("conn", int(connID)).
			Msgf("could not send: %v", err)
	}
}

// sendToMany sends one encoded message to every target, accumulating
// failures.
func (h *Handler) sendToMany(targets []int32, channel byte, build func(w *protocol.Writer)) {
	w := protocol.NewWriter(h.pool.Rent(64))
	defer h.pool.Return(w.Buffer())

	build(w)

	var errs error
	for _, connID := range targets {
		if err := h.tr.Send(connID, w.Bytes(), channel); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("conn %d: %w", connID, err))
		}
	}
	if errs != nil {
		h.logger.Error().
			Msgf("could not send to all targets: %v", errs)
	}
}

// RoomCount reports the number of active rooms. Like every Handler
// method it must run on the processing loop.
func (h *Handler) RoomCount() int {
	return h.reg.roomCount()
}

// Rooms snapshots the public room set for discovery.
func (h *Handler) Rooms() []RoomInfo {
	infos := make([]RoomInfo, 0, h.reg.roomCount())
	h.reg.each(func(room *Room) {
		if room.IsPublic {
			infos = append(infos, room.info())
		}
	})
	return infos
}
