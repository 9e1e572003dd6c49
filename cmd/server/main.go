package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"

	"github.com/mirrordust/relaynode/internal/endpoint"
	"github.com/mirrordust/relaynode/internal/relay"
	"github.com/mirrordust/relaynode/internal/transport/kcprelay"
)

type Config struct {
	RelayAddr    string `envconfig:"RELAY_ADDR" default:"0.0.0.0:7777"`
	NATPunchAddr string `envconfig:"NAT_PUNCH_ADDR" default:"0.0.0.0:7778"`
	EndpointAddr string `envconfig:"ENDPOINT_ADDR" default:"0.0.0.0:8080"`

	AuthSecret string `envconfig:"AUTH_SECRET" required:"true"`

	// PublicAddress is what gets advertised to clients in room listings;
	// a relay behind NAT cannot discover it on its own.
	PublicAddress string `envconfig:"PUBLIC_ADDRESS" required:"true"`
	Region        string `envconfig:"REGION" default:""`

	// IdleTimeout bounds how long a silent session lives; clients send
	// keepalives well under this.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	MaxPacketSize int `envconfig:"MAX_PACKET_SIZE" default:"16384"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	tr, err := kcprelay.New(kcprelay.Config{
		Addr:        config.RelayAddr,
		PunchAddr:   config.NATPunchAddr,
		IdleTimeout: config.IdleTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct transport: %w", err)
	}

	ep := endpoint.New(logger)

	relayPort, err := kcprelay.AddrPort(config.RelayAddr)
	if err != nil {
		return fmt.Errorf("could not parse relay addr: %w", err)
	}
	endpointPort, err := kcprelay.AddrPort(config.EndpointAddr)
	if err != nil {
		return fmt.Errorf("could not parse endpoint addr: %w", err)
	}

	handler := relay.NewHandler(relay.Config{
		AuthSecret:    config.AuthSecret,
		PublicAddress: config.PublicAddress,
		Port:          relayPort,
		EndpointPort:  endpointPort,
		Region:        config.Region,
		MaxPacketSize: config.MaxPacketSize,
	}, tr, ep, logger)
	server := relay.NewServer(handler, logger)
	ep.SetSource(server)

	logger.Info().Msgf("started relay on %s (punch %s, endpoint %s)",
		config.RelayAddr, config.NATPunchAddr, config.EndpointAddr)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	var runErr error
	var runErrMu sync.Mutex
	collect := func(err error) {
		if err == nil {
			return
		}
		runErrMu.Lock()
		runErr = multierror.Append(runErr, err).ErrorOrNil()
		runErrMu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		collect(server.Run(ctx))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		collect(tr.Run(ctx, server))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		collect(ep.Run(ctx, config.EndpointAddr))
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("relay run failed: %w", runErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(42)
	}
}
