package relay

import (
	"net"
)

// RelayAddress is this node's own coordinates, stamped onto every room so
// cross-node discovery can point clients at the right relay.
type RelayAddress struct {
	Address      string `json:"address"`
	Port         uint16 `json:"port"`
	EndpointPort uint16 `json:"endpointPort"`
	Region       string `json:"region"`
}

// Room is one active game session. Rooms are owned exclusively by the
// registry; handlers must not hold on to one across invocations.
type Room struct {
	ServerID string
	HostID   int32
	// Members excludes the host and never exceeds MaxPlayers.
	Members []int32

	MaxPlayers     int32
	ServerName     string
	IsPublic       bool
	ServerData     string
	AppID          int32
	Version        string
	GroupID        string
	AuthorityLevel int32

	// HostPublicEndpoint is nil when NAT discovery did not succeed for
	// the host connection.
	HostPublicEndpoint    *net.UDPAddr
	HostLocalIP           string
	Port                  int32
	SupportsDirectConnect bool
	UseNATPunch           bool

	Relay RelayAddress
}

func (r *Room) hasMember(connID int32) bool {
	for _, m := range r.Members {
		if m == connID {
			return true
		}
	}
	return false
}

func (r *Room) removeMember(connID int32) bool {
	for i, m := range r.Members {
		if m == connID {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return true
		}
	}
	return false
}

// RoomInfo is the externally visible shape of a room, used by the server
// list reply and the HTTP discovery endpoint.
type RoomInfo struct {
	ServerID       string       `json:"serverId"`
	ServerName     string       `json:"serverName"`
	ServerData     string       `json:"serverData"`
	PlayerCount    int32        `json:"playerCount"`
	MaxPlayers     int32        `json:"maxPlayers"`
	AppID          int32        `json:"appId"`
	Version        string       `json:"version"`
	GroupID        string       `json:"groupId"`
	AuthorityLevel int32        `json:"authorityLevel"`
	Relay          RelayAddress `json:"relay"`
}

func (r *Room) info() RoomInfo {
	return RoomInfo{
		ServerID:       r.ServerID,
		ServerName:     r.ServerName,
		ServerData:     r.ServerData,
		PlayerCount:    int32(len(r.Members)),
		MaxPlayers:     r.MaxPlayers,
		AppID:          r.AppID,
		Version:        r.Version,
		GroupID:        r.GroupID,
		AuthorityLevel: r.AuthorityLevel,
		Relay:          r.Relay,
	}
}
