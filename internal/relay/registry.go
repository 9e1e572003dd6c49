package relay

import (
	"github.com/mirrordust/relaynode/internal/debug"
)

// registry keeps two views over the same set of rooms: by session id and
// by connection id (host and members alike). The two views must never
// diverge; every mutation below maintains both.
//
// The registry is owned by the processing loop and has no locking of its
// own.
type registry struct {
	bySessionID map[string]*Room
	byConn      map[int32]*Room
}

func newRegistry() *registry {
	return &registry{
		bySessionID: make(map[string]*Room),
		byConn:      make(map[int32]*Room),
	}
}

func (reg *registry) roomBySession(serverID string) (*Room, bool) {
	room, ok := reg.bySessionID[serverID]
	return room, ok
}

func (reg *registry) roomByConn(connID int32) (*Room, bool) {
	room, ok := reg.byConn[connID]
	return room, ok
}

// bind points connID at room in the connection view. A connection may be
// associated with at most one room; callers guarantee this by leaving the
// previous room first.
func (reg *registry) bind(connID int32, room *Room) {
	prev, bound := reg.byConn[connID]
	debug.Assert(!bound || prev == room)
	reg.byConn[connID] = room
}

func (reg *registry) unbind(connID int32) {
	delete(reg.byConn, connID)
}

// insert adds a freshly created room to both views and binds its host.
func (reg *registry) insert(room *Room) {
	_, exists := reg.bySessionID[room.ServerID]
	debug.Assert(!exists)
	reg.bySessionID[room.ServerID] = room
	reg.bind(room.HostID, room)
}

// remove drops the room from both views, host and member bindings
// included.
func (reg *registry) remove(room *Room) {
	delete(reg.bySessionID, room.ServerID)
	reg.unbind(room.HostID)
	for _, m := range room.Members {
		reg.unbind(m)
	}
	room.Members = room.Members[:0]
}

func (reg *registry) roomCount() int {
	return len(reg.bySessionID)
}

func (reg *registry) each(fn func(*Room)) {
	for _, room := range reg.bySessionID {
		fn(room)
	}
}
