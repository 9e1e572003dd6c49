package relay

import (
	"context"
	"io"

	"github.com/phuslu/log"

	"github.com/mirrordust/relaynode/internal/transport"
)

// inbound event queue depth; transports block once it fills, which is the
// backpressure we want.
const eventQueueSize = 1024

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
	evQuery
)

type event struct {
	kind    eventKind
	connID  int32
	data    []byte
	channel byte
	query   func()
}

// Server owns the processing loop. All transport events funnel through a
// single channel into one goroutine, which is the only thing that ever
// touches the Handler; registry reads and mutations never interleave.
type Server struct {
	handler *Handler
	logger  *log.Logger

	events chan event
}

var _ transport.Handler = (*Server)(nil)

func NewServer(handler *Handler, logger *log.Logger) *Server {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Server{
		handler: handler,
		logger:  logger,

		events: make(chan event, eventQueueSize),
	}
}

func (s *Server) HandleConnect(connID int32) {
	s.events <- event{kind: evConnect, connID: connID}
}

func (s *Server) HandleMessage(connID int32, data []byte, channel byte) {
	// the transport reuses its read buffer; the event outlives this call
	buf := make([]byte, len(data))
	copy(buf, data)
	s.events <- event{kind: evMessage, connID: connID, data: buf, channel: channel}
}

func (s *Server) HandleDisconnect(connID int32) {
	s.events <- event{kind: evDisconnect, connID: connID}
}

// Rooms snapshots the public room set from outside the loop, for the
// discovery endpoint. The query round-trips through the event queue so it
// serializes with everything else.
func (s *Server) Rooms(ctx context.Context) ([]RoomInfo, error) {
	reply := make(chan []RoomInfo, 1)

	ev := event{kind: evQuery, query: func() {
		reply <- s.handler.Rooms()
	}}

	select {
	case s.events <- ev:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes events until ctx is done. Each event is handled to
// completion before the next is looked at.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.process(ev)
		}
	}
}

func (s *Server) process(ev event) {
	switch ev.kind {
	case evConnect:
		s.handler.HandleConnect(ev.connID)
	case evMessage:
		s.handler.HandleMessage(ev.connID, ev.data, ev.channel)
	case evDisconnect:
		s.handler.HandleDisconnect(ev.connID)
	case evQuery:
		ev.query()
	}
}
