// Package relayclient is a small client for the relay protocol: it
// authenticates, hosts or joins rooms, and sends relayed payloads. The
// blocking request helpers exist mainly for tests and diagnostics; a
// game integration would drive the message stream directly.
package relayclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/mirrordust/relaynode/internal/protocol"
	"github.com/mirrordust/relaynode/internal/transport"
)

// ErrJoinRejected is returned when the relay answers a join with its
// generic could-not-join reply (room missing or full).
var ErrJoinRejected = errors.New("relayclient: join rejected")

// Message is one relay message: opcode plus the raw body that follows
// it.
type Message struct {
	Op   protocol.Opcode
	Body []byte
}

type Client struct {
	sess   *kcp.UDPSession
	logger *log.Logger

	// KeepaliveInterval paces empty control frames that keep the relay's
	// idle timeout from firing. Set before Run.
	KeepaliveInterval time.Duration

	writeMu sync.Mutex

	recvCh chan Message
	dataCh chan []byte

	recvTimeout time.Duration
}

func NewClient(addr string, logger *log.Logger) (*Client, error) {
	sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("could not dial kcp: %w", err)
	}
	sess.SetStreamMode(true)
	sess.SetNoDelay(1, 10, 2, 1)

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Client{
		sess:   sess,
		logger: logger,

		KeepaliveInterval: 15 * time.Second,

		recvCh: make(chan Message, 16),
		dataCh: make(chan []byte, 64),

		recvTimeout: time.Second,
	}, nil
}

// Run reads messages until ctx is done, then closes the session.
func (c *Client) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runRecv()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runKeepalive(ctx)
	}()

	<-ctx.Done()
	err := c.sess.Close()
	wg.Wait()
	return err
}

func (c *Client) runKeepalive(ctx context.Context) {
	ticker := time.NewTicker(c.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := transport.WriteFrame(c.sess, transport.ChannelControl, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) runRecv() {
	buf := make([]byte, transport.MaxFramePayload)
	for {
		channel, payload, err := transport.ReadFrame(c.sess, buf)
		if err != nil {
			// session closed, either by Run or by the relay
			return
		}

		if channel == transport.ChannelControl {
			c.handleHello(payload)
			continue
		}
		if len(payload) == 0 {
			continue
		}

		op := protocol.Opcode(payload[0])
		body := make([]byte, len(payload)-1)
		copy(body, payload[1:])

		c.logger.Debug().
			Str("op", op.String()).
			Msg("recv")

		if op == protocol.OpDataReceived {
			data, err := protocol.NewReader(body).ReadBytes()
			if err != nil {
				continue
			}
			select {
			case c.dataCh <- data:
			default:
				// a diagnostic client that stopped draining loses data
			}
			continue
		}

		c.recvCh <- Message{Op: op, Body: body}
	}
}

// handleHello answers the transport hello by firing the punch token at
// the relay's punch socket, so the relay learns this client's public
// endpoint.
func (c *Client) handleHello(payload []byte) {
	token, punchPort, err := transport.DecodeHello(payload)
	if err != nil {
		c.logger.Error().
			Msgf("could not decode hello: %v", err)
		return
	}
	if punchPort == 0 {
		return
	}

	remote, ok := c.sess.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return
	}

	punchConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: remote.IP, Port: int(punchPort)})
	if err != nil {
		c.logger.Error().
			Msgf("could not dial punch socket: %v", err)
		return
	}
	defer punchConn.Close()

	var datagram [8]byte
	binary.BigEndian.PutUint64(datagram[:], token)
	if _, err := punchConn.Write(datagram[:]); err != nil {
		c.logger.Error().
			Msgf("could not send punch datagram: %v", err)
	}
}

// Messages is the stream of messages not consumed by a blocking helper;
// single consumer only.
func (c *Client) Messages() <-chan Message {
	return c.recvCh
}

// Data is the stream of payloads relayed to this client.
func (c *Client) Data() <-chan []byte {
	return c.dataCh
}

func (c *Client) sendMsg(channel byte, build func(w *protocol.Writer)) error {
	w := protocol.NewWriter(make([]byte, 64))
	build(w)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.sess, channel, w.Bytes())
}

// waitAny returns the next message matching one of ops, skipping the
// relay's unsolicited authentication prompt.
func (c *Client) waitAny(ops ...protocol.Opcode) (Message, error) {
	deadline := time.After(c.recvTimeout)
	for {
		select {
		case <-deadline:
			return Message{}, fmt.Errorf("timeout waiting for %v", ops)
		case msg := <-c.recvCh:
			if msg.Op == protocol.OpAuthenticationRequest {
				continue
			}
			for _, op := range ops {
				if msg.Op == op {
					return msg, nil
				}
			}
			return Message{}, fmt.Errorf("received unexpected %s (want one of %v)", msg.Op, ops)
		}
	}
}

// Authenticate is blocking.
func (c *Client) Authenticate(secret string) error {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpAuthenticationResponse)
		w.WriteString(secret)
	})
	if err != nil {
		return fmt.Errorf("could not send: %w", err)
	}

	if _, err := c.waitAny(protocol.OpAuthenticated); err != nil {
		return err
	}
	return nil
}

// RequestID is blocking.
func (c *Client) RequestID() (int32, error) {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRequestID)
	})
	if err != nil {
		return 0, fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.waitAny(protocol.OpClientID)
	if err != nil {
		return 0, err
	}
	return protocol.NewReader(msg.Body).ReadInt32()
}

// RoomOptions are the host-supplied room fields.
type RoomOptions struct {
	MaxPlayers       int32
	ServerName       string
	IsPublic         bool
	ServerData       string
	UseDirectConnect bool
	HostLocalIP      string
	UseNATPunch      bool
	Port             int32
	AppID            int32
	Version          string
	GroupID          string
	AuthorityLevel   int32
}

func writeRoomOptions(w *protocol.Writer, o RoomOptions) {
	w.WriteInt32(o.MaxPlayers)
	w.WriteString(o.ServerName)
	w.WriteBool(o.IsPublic)
	w.WriteString(o.ServerData)
	w.WriteBool(o.UseDirectConnect)
	w.WriteString(o.HostLocalIP)
	w.WriteBool(o.UseNATPunch)
	w.WriteInt32(o.Port)
	w.WriteInt32(o.AppID)
	w.WriteString(o.Version)
	w.WriteString(o.GroupID)
	w.WriteInt32(o.AuthorityLevel)
}

// CreateRoom is blocking and returns the new room's server id.
func (c *Client) CreateRoom(o RoomOptions) (string, error) {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpCreateRoom)
		writeRoomOptions(w, o)
	})
	if err != nil {
		return "", fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.waitAny(protocol.OpRoomCreated)
	if err != nil {
		return "", err
	}
	return protocol.NewReader(msg.Body).ReadString()
}

// RecreateRoom is blocking; it reclaims serverID or creates it anew.
func (c *Client) RecreateRoom(serverID string, o RoomOptions) (string, error) {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRecreateRoom)
		w.WriteString(serverID)
		writeRoomOptions(w, o)
	})
	if err != nil {
		return "", fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.waitAny(protocol.OpRoomCreated, protocol.OpRecreateRoomFailed)
	if err != nil {
		return "", err
	}
	if msg.Op == protocol.OpRecreateRoomFailed {
		reason, err := protocol.NewReader(msg.Body).ReadString()
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("recreate room failed: %s", reason)
	}
	return protocol.NewReader(msg.Body).ReadString()
}

// JoinResult describes how a join was resolved.
type JoinResult struct {
	// Relayed is true when traffic flows through the relay; PeerID is
	// this client's own connection id as announced to the room.
	Relayed bool
	PeerID  int32

	// Direct connect resolution, when Relayed is false.
	DirectAddress string
	DirectPort    int32
	UseNATPunch   bool
}

// JoinRoom is blocking. It returns ErrJoinRejected when the room is
// missing or full.
func (c *Client) JoinRoom(serverID string, canDirectConnect bool, localIP string) (*JoinResult, error) {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpJoinRoom)
		w.WriteString(serverID)
		w.WriteBool(canDirectConnect)
		w.WriteString(localIP)
	})
	if err != nil {
		return nil, fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.waitAny(protocol.OpServerJoined, protocol.OpServerLeft, protocol.OpDirectConnectIP)
	if err != nil {
		return nil, err
	}

	switch msg.Op {
	case protocol.OpServerLeft:
		return nil, ErrJoinRejected

	case protocol.OpServerJoined:
		id, err := protocol.NewReader(msg.Body).ReadInt32()
		if err != nil {
			return nil, err
		}
		return &JoinResult{Relayed: true, PeerID: id}, nil

	default: // OpDirectConnectIP
		r := protocol.NewReader(msg.Body)
		result := &JoinResult{}
		if result.DirectAddress, err = r.ReadString(); err != nil {
			return nil, err
		}
		if result.DirectPort, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if result.UseNATPunch, err = r.ReadBool(); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// LeaveRoom is fire-and-forget; the relay answers with ServerLeft on the
// message stream.
func (c *Client) LeaveRoom() error {
	return c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpLeaveRoom)
	})
}

// KickPlayer is fire-and-forget and only works for the room's host.
func (c *Client) KickPlayer(target int32) error {
	return c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpKickPlayer)
		w.WriteInt32(target)
	})
}

// SendData relays payload to target inside this client's room.
func (c *Client) SendData(target int32, payload []byte, channel byte) error {
	return c.sendMsg(channel, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpSendData)
		w.WriteBytes(payload)
		w.WriteInt32(target)
	})
}

// UpdateRoomData sends only the fields whose pointer is non-nil.
func (c *Client) UpdateRoomData(serverName, serverData *string, isPublic *bool, maxPlayers *int32) error {
	return c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpUpdateRoomData)

		w.WriteBool(serverName != nil)
		if serverName != nil {
			w.WriteString(*serverName)
		}
		w.WriteBool(serverData != nil)
		if serverData != nil {
			w.WriteString(*serverData)
		}
		w.WriteBool(isPublic != nil)
		if isPublic != nil {
			w.WriteBool(*isPublic)
		}
		w.WriteBool(maxPlayers != nil)
		if maxPlayers != nil {
			w.WriteInt32(*maxPlayers)
		}
	})
}

// ServerInfo is one entry of a server list reply.
type ServerInfo struct {
	ServerID       string
	ServerName     string
	ServerData     string
	PlayerCount    int32
	MaxPlayers     int32
	AppID          int32
	Version        string
	GroupID        string
	AuthorityLevel int32
}

// RequestServerList is blocking.
func (c *Client) RequestServerList(groupID string, authorityLevel int32, region string) ([]ServerInfo, error) {
	err := c.sendMsg(protocol.ChannelReliable, func(w *protocol.Writer) {
		w.WriteOpcode(protocol.OpRequestServerList)
		w.WriteString(groupID)
		w.WriteInt32(authorityLevel)
		w.WriteString(region)
	})
	if err != nil {
		return nil, fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.waitAny(protocol.OpServerListResponse)
	if err != nil {
		return nil, err
	}

	r := protocol.NewReader(msg.Body)
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}

	infos := make([]ServerInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var info ServerInfo
		if info.ServerID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if info.ServerName, err = r.ReadString(); err != nil {
			return nil, err
		}
		if info.ServerData, err = r.ReadString(); err != nil {
			return nil, err
		}
		if info.PlayerCount, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if info.MaxPlayers, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if info.AppID, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if info.Version, err = r.ReadString(); err != nil {
			return nil, err
		}
		if info.GroupID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if info.AuthorityLevel, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
