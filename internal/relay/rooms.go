package relay

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mirrordust/relaynode/internal/protocol"
)

// roomParams are the host-supplied fields shared by CreateRoom and
// RecreateRoom.
type roomParams struct {
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

func readRoomParams(r *protocol.Reader) (roomParams, error) {
	var p roomParams
	var err error

	if p.maxPlayers, err = r.ReadInt32(); err != nil {
		return p, err
	}
	if p.serverName, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.isPublic, err = r.ReadBool(); err != nil {
		return p, err
	}
	if p.serverData, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.useDirectConnect, err = r.ReadBool(); err != nil {
		return p, err
	}
	if p.hostLocalIP, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.useNATPunch, err = r.ReadBool(); err != nil {
		return p, err
	}
	if p.port, err = r.ReadInt32(); err != nil {
		return p, err
	}
	if p.appID, err = r.ReadInt32(); err != nil {
		return p, err
	}
	if p.version, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.groupID, err = r.ReadString(); err != nil {
		return p, err
	}
	if p.authorityLevel, err = r.ReadInt32(); err != nil {
		return p, err
	}

	return p, nil
}

// createRoom makes connID host of a fresh room. The requester is forced
// out of whatever room it occupied first; one room association per
// connection is enforced here, not assumed. explicitID is only supplied
// on the recreate fallback path.
func (h *Handler) createRoom(connID int32, p roomParams, explicitID string) error {
	if p.maxPlayers <= 0 {
		return fmt.Errorf("invalid max players %d", p.maxPlayers)
	}

	h.leaveRoom(connID, noHost)

	serverID := explicitID
	if serverID == "" {
		serverID = uuid.NewString()
	} else if _, exists := h.reg.roomBySession(serverID); exists {
		return fmt.Errorf("room %q already exists", serverID)
	}

	hostEndpoint, _ := h.tr.NATEndpoint(connID)

	room := &Room{
		ServerID: serverID,
		HostID:   connID,

		MaxPlayers:     p.maxPlayers,
		ServerName:     p.serverName,
		IsPublic:       p.isPublic,
		ServerData:     p.serverData,
		AppID:          p.appID,
		Version:        p.version,
		GroupID:        p.groupID,
		AuthorityLevel: p.authorityLevel,

		HostPublicEndpoint:    hostEndpoint,
		HostLocalIP:           p.hostLocalIP,
		Port:                  p.port,
		SupportsDirectConnect: hostEndpoint != nil && p.useDirectConnect,
		UseNATPunch:           p.useNATPunch,

		Relay: RelayAddress{
			Address:      h.cfg.PublicAddress,
			Port:         h.cfg.Port,
			EndpointPort: h.cfg.EndpointPort,
			Region:       h.cfg.Region,
		},
	}

	h.reg.insert(room)

	h.logger.Info().
		Int("conn", int(connID)).
		Str("server_id", serverID).
		Int("rooms", h.reg.roomCount()).
		Msg("room created")

	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRoomCreated)
		w.WriteString(serverID)
	})

	h.notifier.RoomsModified()
	return nil
}

// recreateRoom lets a reconnecting host reclaim a room's identity. If the
// id is still live the room is rebound in place and its member list is
// cleared (members must rejoin); otherwise this falls through to a create
// with the requested id.
func (h *Handler) recreateRoom(connID int32, serverID string, p roomParams) {
	room, exists := h.reg.roomBySession(serverID)
	if !exists {
		if err := h.createRoom(connID, p, serverID); err != nil {
			h.logger.Warn().
				Int("conn", int(connID)).
				Str("server_id", serverID).
				Msgf("recreate failed: %v", err)

			h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
				w.WriteOpcode(protocol.OpRecreateRoomFailed)
				w.WriteString(fmt.Sprintf("failed to create room: %v", err))
			})
		}
		return
	}

	// the requester may currently sit in some other room
	if cur, ok := h.reg.roomByConn(connID); ok && cur != room {
		h.leaveRoom(connID, noHost)
	}

	// drop the previous host binding and every member; members have to
	// rejoin against the rebound room
	if room.HostID != connID {
		h.reg.unbind(room.HostID)
	}
	for _, m := range room.Members {
		h.reg.unbind(m)
	}
	room.Members = room.Members[:0]

	hostEndpoint, _ := h.tr.NATEndpoint(connID)

	room.HostID = connID
	room.MaxPlayers = p.maxPlayers
	room.ServerName = p.serverName
	room.IsPublic = p.isPublic
	room.ServerData = p.serverData
	room.AppID = p.appID
	room.Version = p.version
	room.GroupID = p.groupID
	room.AuthorityLevel = p.authorityLevel
	room.HostPublicEndpoint = hostEndpoint
	room.HostLocalIP = p.hostLocalIP
	room.Port = p.port
	room.SupportsDirectConnect = hostEndpoint != nil && p.useDirectConnect
	room.UseNATPunch = p.useNATPunch

	h.reg.bind(connID, room)

	h.logger.Info().
		Int("conn", int(connID)).
		Str("server_id", serverID).
		Msg("room recreated")

	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRoomCreated)
		w.WriteString(serverID)
	})

	h.notifier.RoomsModified()
}

// joinRoom adds connID to the room and picks the join strategy: direct
// connect when both ends are capable, NAT punch on top of that when the
// room asks for it, plain relay otherwise.
func (h *Handler) joinRoom(connID int32, serverID string, canDirectConnect bool, localIP string) {
	h.leaveRoom(connID, noHost)

	room, ok := h.reg.roomBySession(serverID)
	if !ok || len(room.Members) >= int(room.MaxPlayers) {
		h.sendJoinRejected(connID)
		return
	}

	room.Members = append(room.Members, connID)
	h.reg.bind(connID, room)

	joinerEndpoint, joinerDiscovered := h.tr.NATEndpoint(connID)

	if canDirectConnect && joinerDiscovered && room.SupportsDirectConnect {
		// the two ends finish the connection out-of-band; no relay
		// acknowledgement is sent on this path
		var address string
		if room.HostPublicEndpoint != nil && joinerEndpoint.IP.Equal(room.HostPublicEndpoint.IP) {
			// joiner sits behind the same NAT as the host; hand out
			// the host's LAN address, or loopback when it is the very
			// same machine
			if room.HostLocalIP == localIP {
				address = "127.0.0.1"
			} else {
				address = room.HostLocalIP
			}
		} else {
			address = room.HostPublicEndpoint.IP.String()
		}

		port := room.Port
		if room.UseNATPunch {
			port = int32(room.HostPublicEndpoint.Port)
		}

		h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
			w.WriteOpcode(protocol.OpDirectConnectIP)
			w.WriteString(address)
			w.WriteInt32(port)
			w.WriteBool(room.UseNATPunch)
		})

		if room.UseNATPunch {
			// hand the joiner's public endpoint to the host so both
			// sides open simultaneously
			h.send(room.HostID, protocol.ChannelReliable, func(w *protocol.Writer) {
				w.WriteOpcode(protocol.OpDirectConnectIP)
				w.WriteString(joinerEndpoint.IP.String())
				w.WriteInt32(int32(joinerEndpoint.Port))
				w.WriteBool(true)
			})
		}

		h.logger.Info().
			Int("conn", int(connID)).
			Str("server_id", serverID).
			Msg("direct connect join")

		h.notifier.RoomsModified()
		return
	}

	// relay path: traffic between the two flows through this node from
	// here on
	h.sendToMany([]int32{connID, room.HostID}, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpServerJoined)
		w.WriteInt32(connID)
	})

	h.logger.Info().
		Int("conn", int(connID)).
		Str("server_id", serverID).
		Msg("relay join")

	h.notifier.RoomsModified()
}

// leaveRoom handles voluntary leaves, kicks and disconnects. When connID
// hosts a room the whole room is torn down; a kick (requiredHostID set)
// only proceeds when the requester really is the room's host.
func (h *Handler) leaveRoom(connID int32, requiredHostID int32) {
	room, ok := h.reg.roomByConn(connID)
	if !ok {
		return
	}

	if room.HostID == connID {
		if requiredHostID != noHost && requiredHostID != room.HostID {
			// a kick aimed at a host by someone who is not that host
			return
		}

		members := append([]int32(nil), room.Members...)
		h.sendToMany(members, protocol.ChannelReliable, func(w *protocol.Writer) {
			w.WriteOpcode(protocol.OpServerLeft)
		})

		h.reg.remove(room)

		h.logger.Info().
			Int("conn", int(connID)).
			Str("server_id", room.ServerID).
			Int("rooms", h.reg.roomCount()).
			Msg("host left, room torn down")

		h.notifier.RoomsModified()
		return
	}

	if requiredHostID != noHost && room.HostID != requiredHostID {
		return
	}

	if !room.removeMember(connID) {
		return
	}
	h.reg.unbind(connID)

	h.send(room.HostID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpPlayerDisconnected)
		w.WriteInt32(connID)
	})

	// also tell the departing connection itself; a kicked client's
	// local state would otherwise never learn it is out of the room
	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpServerLeft)
	})

	h.logger.Info().
		Int("conn", int(connID)).
		Str("server_id", room.ServerID).
		Msg("member left room")

	h.notifier.RoomsModified()
}

// kickPlayer is LeaveRoom with the requester's identity attached; only
// the room's actual host gets to force someone out.
func (h *Handler) kickPlayer(targetConnID, requesterConnID int32) {
	h.leaveRoom(targetConnID, requesterConnID)
}

// sendJoinRejected reuses the ServerLeft opcode as the generic "could not
// join" reply; kept as its own helper so the two meanings stay apart in
// the code.
func (h *Handler) sendJoinRejected(connID int32) {
	h.logger.Info().
		Int("conn", int(connID)).
		Msg("join rejected, room missing or full")

	h.send(connID, protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpServerLeft)
	})
}

// updateRoomData applies flag-prefixed optional fields, host only. The
// room-list-changed notification fires even when no field was present;
// downstream consumers treat it as a cheap idempotent poke.
func (h *Handler) updateRoomData(connID int32, r *protocol.Reader) error {
	room, ok := h.reg.roomByConn(connID)
	if !ok || room.HostID != connID {
		return nil
	}

	if has, err := r.ReadBool(); err != nil {
		return err
	} else if has {
		if room.ServerName, err = r.ReadString(); err != nil {
			return err
		}
	}

	if has, err := r.ReadBool(); err != nil {
		return err
	} else if has {
		if room.ServerData, err = r.ReadString(); err != nil {
			return err
		}
	}

	if has, err := r.ReadBool(); err != nil {
		return err
	} else if has {
		if room.IsPublic, err = r.ReadBool(); err != nil {
			return err
		}
	}

	if has, err := r.ReadBool(); err != nil {
		return err
	} else if has {
		if room.MaxPlayers, err = r.ReadInt32(); err != nil {
			return err
		}
	}

	h.notifier.RoomsModified()
	return nil
}

// requestServerList replies with every public room in the group at or
// below the requested authority level, in one message.
func (h *Handler) requestServerList(connID int32, groupID string, authorityLevel int32) {
	var infos []RoomInfo
	h.reg.each(func(room *Room) {
		if room.IsPublic && room.GroupID == groupID && room.AuthorityLevel <= authorityLevel {
			infos = append(infos, room.info())
		}
	})

	w := protocol.NewWriter(h.pool.Rent(h.cfg.MaxPacketSize))
	defer h.pool.Return(w.Buffer())

	w.WriteOpcode(protocol.OpServerListResponse)
	w.WriteInt32(int32(len(infos)))
	for _, info := range infos {
		w.WriteString(info.ServerID)
		w.WriteString(info.ServerName)
		w.WriteString(info.ServerData)
		w.WriteInt32(info.PlayerCount)
		w.WriteInt32(info.MaxPlayers)
		w.WriteInt32(info.AppID)
		w.WriteString(info.Version)
		w.WriteString(info.GroupID)
		w.WriteInt32(info.AuthorityLevel)
	}

	if err := h.tr.Send(connID, w.Bytes(), protocol.ChannelReliable); err != nil {
		h.logger.Error().
			Int("conn", int(connID)).
			Msgf("could not send server list: %v", err)
	}
}
