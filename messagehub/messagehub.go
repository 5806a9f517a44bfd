// Package messagehub wires the hub core, the client transports, and the
// broker relay into one runnable service.
package messagehub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-message-hub/internal/directory"
	"github.com/tinywideclouds/go-message-hub/internal/metrics"
	"github.com/tinywideclouds/go-message-hub/internal/presence"
	"github.com/tinywideclouds/go-message-hub/internal/realtime"
	"github.com/tinywideclouds/go-message-hub/internal/relay"
	"github.com/tinywideclouds/go-message-hub/internal/router"
	"github.com/tinywideclouds/go-message-hub/internal/session"
	"github.com/tinywideclouds/go-message-hub/messagehub/config"
	"github.com/tinywideclouds/go-message-hub/pkg/hub"
)

// Wrapper owns every hub component and the HTTP server they hang off.
type Wrapper struct {
	cfg    *config.AppConfig
	logger zerolog.Logger

	metrics   *metrics.Metrics
	registry  *session.Registry
	directory *directory.Directory
	presence  *presence.Coordinator
	router    *router.Router
	relay     *relay.Relay

	server        *http.Server
	httpReadyChan chan struct{}
	ready         atomic.Bool
	boundAddr     atomic.Value // string, set once the listener is up
	stopSweeper   context.CancelFunc
}

// New creates and wires up the entire hub. The relay transport may be
// nil for single-instance deployments; the identity resolver decides
// how principals authenticate.
func New(
	cfg *config.AppConfig,
	resolver hub.IdentityResolver,
	relayTransport hub.RelayTransport,
	clk clock.Clock,
	logger zerolog.Logger,
) (*Wrapper, error) {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With().Str("instance", instanceID).Logger()

	m := metrics.New()
	registry := session.NewRegistry(session.Config{
		Capacity:         cfg.MaxConnections,
		QueueCapacity:    cfg.OutboundQueueCapacity,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
	}, clk, m, logger)
	dir := directory.New(registry, logger)
	pres := presence.New(presence.Config{
		GracePeriod:  cfg.GracePeriod,
		TypingExpiry: cfg.TypingExpiry,
	}, clk, m, logger)
	rt := router.New(instanceID, registry, dir, m, logger)

	// Second wiring phase: the components reference each other in a
	// cycle, so cross-links attach after construction.
	registry.SetCascades(dir, pres)
	pres.SetPublisher(rt)

	w := &Wrapper{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		registry:      registry,
		directory:     dir,
		presence:      pres,
		router:        rt,
		httpReadyChan: make(chan struct{}),
	}

	if relayTransport != nil {
		rl, err := relay.New(instanceID, relayTransport, rt, cfg.Relay.DedupeWindow, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create relay: %w", err)
		}
		rt.SetRelay(rl)
		w.relay = rl
	}

	cm := realtime.NewConnectionManager(resolver, registry, dir, pres, rt, realtime.ManagerConfig{}, logger)
	lp := realtime.NewLongPollAPI(resolver, registry, dir, pres, rt, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect", cm.ConnectHandler)
	mux.HandleFunc("POST /poll/connect", lp.ConnectHandler)
	mux.HandleFunc("POST /poll/frame", lp.FrameHandler)
	mux.HandleFunc("GET /poll", lp.MessagesHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", w.healthzHandler)
	mux.HandleFunc("GET /readyz", w.readyzHandler)

	w.server = &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: mux,
	}
	return w, nil
}

// Router exposes the dispatcher so callers can register app destination
// handlers and publish server-side envelopes.
func (w *Wrapper) Router() *router.Router { return w.router }

// Registry exposes the session table, mainly for tests and diagnostics.
func (w *Wrapper) Registry() *session.Registry { return w.registry }

// Presence exposes the presence coordinator.
func (w *Wrapper) Presence() *presence.Coordinator { return w.presence }

// Metrics exposes the hub's metric set.
func (w *Wrapper) Metrics() *metrics.Metrics { return w.metrics }

// HTTPReady is closed once the HTTP listener is active.
func (w *Wrapper) HTTPReady() <-chan struct{} { return w.httpReadyChan }

// Addr returns the bound listen address, valid once HTTPReady fires.
// Useful when the configured port is 0.
func (w *Wrapper) Addr() string {
	if addr, ok := w.boundAddr.Load().(string); ok {
		return addr
	}
	return w.server.Addr
}

// Start runs the relay, the liveness sweeper, and the HTTP server. It
// blocks until the server exits or ctx is canceled.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.relay != nil {
		w.logger.Info().Msg("Broker relay starting...")
		if err := w.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	w.stopSweeper = cancel
	g, gctx := errgroup.WithContext(sweepCtx)
	g.Go(func() error {
		err := w.registry.RunSweeper(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to listen on %s: %w", w.server.Addr, err)
	}
	w.boundAddr.Store(ln.Addr().String())
	w.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener is active.")
	close(w.httpReadyChan)
	w.ready.Store(true)

	g.Go(func() error {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully stops all service components in the correct order.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}
	if w.stopSweeper != nil {
		w.stopSweeper()
	}
	if w.relay != nil {
		if err := w.relay.Stop(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Relay shutdown failed.")
			finalErr = err
		}
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

func (w *Wrapper) healthzHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *Wrapper) readyzHandler(rw http.ResponseWriter, _ *http.Request) {
	if !w.ready.Load() {
		http.Error(rw, "not ready", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ready"))
}
