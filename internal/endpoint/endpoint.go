// Package endpoint serves the HTTP discovery surface: a JSON list of
// public rooms for server browsers, plus a health probe.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/mirrordust/relaynode/internal/relay"
)

// RoomSource yields a snapshot of the public rooms. Snapshots are
// answered by the relay's event loop, so ctx bounds the wait.
type RoomSource interface {
	Rooms(ctx context.Context) ([]relay.RoomInfo, error)
}

type Endpoint struct {
	logger *log.Logger
	router *gin.Engine

	mu     sync.RWMutex
	source RoomSource

	// dirty gates re-fetching from the source; room churn between
	// requests collapses into one snapshot.
	dirty   atomic.Bool
	cacheMu sync.Mutex
	cached  []relay.RoomInfo
}

func New(logger *log.Logger) *Endpoint {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	e := &Endpoint{
		logger: logger,
		router: router,
		cached: []relay.RoomInfo{},
	}
	e.dirty.Store(true)

	router.GET("/api/servers", e.handleServers)
	router.GET("/healthz", e.handleHealthz)

	return e
}

// SetSource wires the room source in; the relay server is constructed
// after the endpoint, so this cannot happen in New.
func (e *Endpoint) SetSource(source RoomSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = source
}

// RoomsModified marks the cached room list stale. Called by the relay
// whenever a room is created, changed, or torn down.
func (e *Endpoint) RoomsModified() {
	e.dirty.Store(true)
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.router.ServeHTTP(w, r)
}

func (e *Endpoint) handleServers(c *gin.Context) {
	e.mu.RLock()
	source := e.source
	e.mu.RUnlock()
	if source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not ready"})
		return
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if e.dirty.CompareAndSwap(true, false) {
		rooms, err := source.Rooms(c.Request.Context())
		if err != nil {
			// refetch on the next request
			e.dirty.Store(true)
			e.logger.Error().
				Msgf("could not snapshot rooms: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay not ready"})
			return
		}
		if rooms == nil {
			rooms = []relay.RoomInfo{}
		}
		e.cached = rooms
	}

	c.JSON(http.StatusOK, e.cached)
}

func (e *Endpoint) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves HTTP on addr until ctx is done, then drains in-flight
// requests.
func (e *Endpoint) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: e.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
