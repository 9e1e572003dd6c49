// Package kcprelay carries the relay protocol over KCP sessions and runs
// the NAT punch discovery socket. It assigns integer connection ids,
// funnels events into a transport.Handler and implements the outbound
// transport.Transport half for the relay core.
package kcprelay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/mirrordust/relaynode/internal/debug"
	"github.com/mirrordust/relaynode/internal/transport"
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

// AddrPort extracts the port of a host:port listen address.
func AddrPort(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("could not parse port %q: %w", portStr, err)
	}
	return uint16(port), nil
}

type Config struct {
	// Addr is the KCP listen address.
	Addr string
	// PunchAddr is the UDP listen address for NAT punch discovery; empty
	// disables discovery and no connection ever gets a public endpoint.
	PunchAddr string

	// IdleTimeout drops a session that sent nothing for this long. KCP has
	// no close handshake, so without it a vanished peer is never noticed.
	// When set, peers must send keepalives more often than this; zero
	// disables the timeout.
	IdleTimeout time.Duration
}

type conn struct {
	id   int32
	sess *kcp.UDPSession

	writeMu  sync.Mutex
	dropOnce sync.Once
}

func (c *conn) writeFrame(channel byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.sess, channel, payload)
}

type Transport struct {
	logger *log.Logger

	listener  *kcp.Listener
	punchConn *net.UDPConn
	idle      time.Duration

	handler transport.Handler

	mu        sync.Mutex
	conns     map[int32]*conn
	nat       map[int32]*net.UDPAddr
	tokens    map[uint64]int32
	punchSeen map[addrKey]int32
	nextID    int32
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, logger *log.Logger) (*Transport, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	listener, err := kcp.ListenWithOptions(cfg.Addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("could not listen kcp: %w", err)
	}

	var punchConn *net.UDPConn
	if cfg.PunchAddr != "" {
		punchAddr, err := net.ResolveUDPAddr("udp", cfg.PunchAddr)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("could not resolve punch addr: %w", err)
		}
		punchConn, err = net.ListenUDP("udp", punchAddr)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("could not listen punch udp: %w", err)
		}
	}

	return &Transport{
		logger: logger,

		listener:  listener,
		punchConn: punchConn,
		idle:      cfg.IdleTimeout,

		conns:     make(map[int32]*conn),
		nat:       make(map[int32]*net.UDPAddr),
		tokens:    make(map[uint64]int32),
		punchSeen: make(map[addrKey]int32),
	}, nil
}

// Addr can be useful to retrieve the listen address when the Transport
// was constructed with ":0".
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *Transport) punchPort() uint16 {
	if t.punchConn == nil {
		return 0
	}
	return uint16(t.punchConn.LocalAddr().(*net.UDPAddr).Port)
}

// Run accepts sessions and pumps events into handler until ctx is done.
func (t *Transport) Run(ctx context.Context, handler transport.Handler) error {
	t.handler = handler

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.runAccept(wg)
	}()

	if t.punchConn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runPunch()
		}()
	}

	<-ctx.Done()

	t.listener.Close()
	if t.punchConn != nil {
		t.punchConn.Close()
	}

	t.mu.Lock()
	for _, c := range t.conns {
		c.sess.Close()
	}
	t.mu.Unlock()

	wg.Wait()
	return nil
}

func (t *Transport) runAccept(wg *sync.WaitGroup) {
	for {
		sess, err := t.listener.AcceptKCP()
		if err != nil {
			// the listener was closed underneath us
			return
		}
		sess.SetStreamMode(true)
		sess.SetNoDelay(1, 10, 2, 1)

		var tokenBytes [8]byte
		_, err = rand.Read(tokenBytes[:])
		debug.Assert(err == nil)
		token := binary.BigEndian.Uint64(tokenBytes[:])

		t.mu.Lock()
		t.nextID++
		c := &conn{id: t.nextID, sess: sess}
		t.conns[c.id] = c
		t.tokens[token] = c.id
		t.mu.Unlock()

		t.logger.Info().
			Int("conn", int(c.id)).
			Str("remote", sess.RemoteAddr().String()).
			Msg("session accepted")

		t.handler.HandleConnect(c.id)

		// transport hello: the punch token and where to fire it
		if t.punchConn != nil {
			hello := transport.EncodeHello(token, t.punchPort())
			if err := c.writeFrame(transport.ChannelControl, hello); err != nil {
				t.logger.Error().
					Int("conn", int(c.id)).
					Msgf("could not send hello: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runRecv(c)
		}()
	}
}

func (t *Transport) runRecv(c *conn) {
	buf := make([]byte, transport.MaxFramePayload)
	for {
		if t.idle > 0 {
			c.sess.SetReadDeadline(time.Now().Add(t.idle))
		}
		channel, payload, err := transport.ReadFrame(c.sess, buf)
		if err != nil {
			t.drop(c, err)
			return
		}
		if channel == transport.ChannelControl {
			// clients have nothing to say on the control channel yet
			continue
		}
		t.handler.HandleMessage(c.id, payload, channel)
	}
}

// runPunch records the source address of every valid punch datagram as
// that connection's discovered public endpoint. A datagram is 8 bytes of
// token; each token works once.
func (t *Transport) runPunch() {
	buf := make([]byte, 64)
	for {
		n, addr, err := t.punchConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 8 {
			continue
		}
		token := binary.BigEndian.Uint64(buf[:8])
		key := makeAddrKey(addr)

		t.mu.Lock()
		if _, dup := t.punchSeen[key]; dup {
			t.mu.Unlock()
			continue
		}
		connID, ok := t.tokens[token]
		if ok {
			delete(t.tokens, token)
			t.punchSeen[key] = connID
			t.nat[connID] = addr
		}
		t.mu.Unlock()

		if ok {
			t.logger.Info().
				Int("conn", int(connID)).
				Str("endpoint", addr.String()).
				Msg("discovered public endpoint")
		}
	}
}

func (t *Transport) drop(c *conn, cause error) {
	c.dropOnce.Do(func() {
		t.mu.Lock()
		delete(t.conns, c.id)
		delete(t.nat, c.id)
		for token, id := range t.tokens {
			if id == c.id {
				delete(t.tokens, token)
			}
		}
		// free the address for a reconnect from the same source
		for key, id := range t.punchSeen {
			if id == c.id {
				delete(t.punchSeen, key)
			}
		}
		t.mu.Unlock()

		c.sess.Close()

		t.logger.Info().
			Int("conn", int(c.id)).
			Msgf("session dropped: %v", cause)

		t.handler.HandleDisconnect(c.id)
	})
}

func (t *Transport) Send(connID int32, data []byte, channel byte) error {
	t.mu.Lock()
	c, ok := t.conns[connID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown conn %d", connID)
	}
	return c.writeFrame(channel, data)
}

func (t *Transport) Disconnect(connID int32) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	t.mu.Unlock()
	if !ok {
		return
	}
	// closing the session makes its recv loop deliver the disconnect
	c.sess.Close()
}

func (t *Transport) NATEndpoint(connID int32) (*net.UDPAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.nat[connID]
	return addr, ok
}
