package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/mirrordust/relaynode/internal/protocol"
	"github.com/mirrordust/relaynode/internal/relay"
)

func TestServerPumpSerializesEvents(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := newFakeTransport()
	handler := relay.NewHandler(relay.Config{AuthSecret: testSecret}, ft, nil, nil)
	server := relay.NewServer(handler, nil)
	go server.Run(ctx)

	server.HandleConnect(1)
	server.HandleMessage(1, authMsg(testSecret), protocol.ChannelReliable)
	server.HandleMessage(1, createRoomMsg(defaultRoomOpts()), protocol.ChannelReliable)

	// the snapshot query rides the same queue, behind the events above
	queryCtx, queryCancel := context.WithTimeout(ctx, time.Second)
	defer queryCancel()
	rooms, err := server.Rooms(queryCtx)
	is.NoErr(err)
	is.Equal(len(rooms), 1)
	is.Equal(rooms[0].ServerName, "Arena")
}

func TestServerRoomsHonorsContext(t *testing.T) {
	is := is.New(t)

	ft := newFakeTransport()
	handler := relay.NewHandler(relay.Config{AuthSecret: testSecret}, ft, nil, nil)
	server := relay.NewServer(handler, nil)
	// no Run: the pump is not draining the queue

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := server.Rooms(ctx)
	is.Equal(err, context.DeadlineExceeded)
}

func TestServerPumpDisconnect(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := newFakeTransport()
	handler := relay.NewHandler(relay.Config{AuthSecret: testSecret}, ft, nil, nil)
	server := relay.NewServer(handler, nil)
	go server.Run(ctx)

	server.HandleConnect(1)
	server.HandleMessage(1, authMsg(testSecret), protocol.ChannelReliable)
	server.HandleMessage(1, createRoomMsg(defaultRoomOpts()), protocol.ChannelReliable)
	server.HandleDisconnect(1)

	queryCtx, queryCancel := context.WithTimeout(ctx, time.Second)
	defer queryCancel()
	rooms, err := server.Rooms(queryCtx)
	is.NoErr(err)
	is.Equal(len(rooms), 0)
}
