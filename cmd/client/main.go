// A small diagnostic client for poking at a running relay: host a room,
// join one, or dump the server list.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"github.com/mirrordust/relaynode/internal/protocol"
	"github.com/mirrordust/relaynode/internal/relayclient"
)

type flags struct {
	addr   string
	secret string
	mode   string

	room    string
	localIP string

	name  string
	max   int
	group string
	level int
}

func parseFlags() *flags {
	f := new(flags)
	flag.StringVar(&f.addr, "addr", "127.0.0.1:7777", "relay address")
	flag.StringVar(&f.secret, "secret", "", "auth secret")
	flag.StringVar(&f.mode, "mode", "list", "one of: host, join, list")
	flag.StringVar(&f.room, "room", "", "server id to join (join mode)")
	flag.StringVar(&f.localIP, "local-ip", "", "local ip reported on join")
	flag.StringVar(&f.name, "name", "diagnostic room", "room name (host mode)")
	flag.IntVar(&f.max, "max", 8, "max players (host mode)")
	flag.StringVar(&f.group, "group", "", "group id filter")
	flag.IntVar(&f.level, "level", 0, "authority level")
	flag.Parse()
	return f
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		EndWithMessage: true,
	}
	return &logger
}

func runHost(ctx context.Context, client *relayclient.Client, f *flags) error {
	serverID, err := client.CreateRoom(relayclient.RoomOptions{
		MaxPlayers: int32(f.max),
		ServerName: f.name,
		IsPublic:   true,
		GroupID:    f.group,
	})
	if err != nil {
		return fmt.Errorf("could not create room: %w", err)
	}
	fmt.Printf("hosting room %s\n", serverID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-client.Data():
			fmt.Printf("data: %q\n", data)
		case msg := <-client.Messages():
			fmt.Printf("message: %s\n", msg.Op)
			if msg.Op != protocol.OpServerJoined {
				continue
			}
			peer, err := protocol.NewReader(msg.Body).ReadInt32()
			if err != nil {
				continue
			}
			greeting := []byte("hello from the host")
			if err := client.SendData(peer, greeting, protocol.ChannelReliable); err != nil {
				return fmt.Errorf("could not greet peer %d: %w", peer, err)
			}
		}
	}
}

func runJoin(ctx context.Context, client *relayclient.Client, f *flags) error {
	if f.room == "" {
		return fmt.Errorf("join mode needs -room")
	}

	result, err := client.JoinRoom(f.room, f.localIP != "", f.localIP)
	if err != nil {
		return fmt.Errorf("could not join: %w", err)
	}
	if !result.Relayed {
		fmt.Printf("direct connect: %s:%d (nat punch: %v)\n",
			result.DirectAddress, result.DirectPort, result.UseNATPunch)
		return nil
	}
	fmt.Printf("joined via relay as connection %d\n", result.PeerID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-client.Data():
			fmt.Printf("data: %q\n", data)
		case msg := <-client.Messages():
			fmt.Printf("message: %s\n", msg.Op)
			if msg.Op == protocol.OpServerLeft {
				return nil
			}
		}
	}
}

func runList(client *relayclient.Client, f *flags) error {
	infos, err := client.RequestServerList(f.group, int32(f.level), "")
	if err != nil {
		return fmt.Errorf("could not request server list: %w", err)
	}

	out, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func erringMain() error {
	f := parseFlags()
	logger := configureLogger()

	client, err := relayclient.NewClient(f.addr, logger)
	if err != nil {
		return fmt.Errorf("could not construct client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalChan
		cancel()
	}()

	if err := client.Authenticate(f.secret); err != nil {
		return fmt.Errorf("could not authenticate: %w", err)
	}

	switch f.mode {
	case "host":
		return runHost(ctx, client, f)
	case "join":
		return runJoin(ctx, client, f)
	case "list":
		return runList(client, f)
	default:
		return fmt.Errorf("unknown mode %q", f.mode)
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(42)
	}
}
