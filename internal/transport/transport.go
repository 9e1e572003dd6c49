// Package transport defines the boundary between the relay core and the
// connection-moving machinery underneath it. A transport turns sockets
// into integer connection ids and funnels connect/message/disconnect
// events into a Handler; the core only ever talks back through Transport.
package transport

import (
	"net"
)

// Handler consumes connection events. Implementations must be safe to
// call from transport goroutines; the relay's event pump serializes them
// before they touch any core state.
type Handler interface {
	HandleConnect(connID int32)
	// HandleMessage's data is only valid for the duration of the call;
	// implementations that defer processing must copy it.
	HandleMessage(connID int32, data []byte, channel byte)
	HandleDisconnect(connID int32)
}

// Transport is the outbound half of the boundary.
type Transport interface {
	Send(connID int32, data []byte, channel byte) error
	// Disconnect forcibly drops the connection. The transport delivers a
	// HandleDisconnect for it like any other connection loss.
	Disconnect(connID int32)
	// NATEndpoint reports the public endpoint discovered for the
	// connection, if NAT punch discovery succeeded for it.
	NATEndpoint(connID int32) (*net.UDPAddr, bool)
}
