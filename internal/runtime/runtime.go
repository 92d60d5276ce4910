// Package runtime assembles the bridge daemon: telemetry, event bus, cache,
// engine discovery, dispatcher and the HTTP front end, with ordered shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maeumlabs/kotts-bridge/internal/cache"
	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/dispatch"
	"github.com/maeumlabs/kotts-bridge/internal/events"
	"github.com/maeumlabs/kotts-bridge/internal/natsserver"
	"github.com/maeumlabs/kotts-bridge/internal/registry"
	"github.com/maeumlabs/kotts-bridge/internal/server"
)

type Runtime struct {
	cfg     config.Config
	version string
	log     *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, version string, log *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		log:     log,
	}
}

// Start runs the bridge until ctx is canceled, then shuts everything down in
// reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	var (
		embedded *natsserver.EmbeddedServer
		bus      *events.Bus
		pub      *events.Publisher
	)
	if r.cfg.Events.Enabled {
		embedded, err = natsserver.Start(r.cfg.Events, r.log)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		bus, err = events.Connect(ctx, r.cfg.Events, r.log)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("failed to connect to event bus: %w", err)
		}
		pub = events.NewPublisher(bus, r.log)
	}

	var synthCache *cache.Cache
	if r.cfg.Cache.Enabled {
		synthCache, err = cache.Open(ctx, r.cfg.Cache, r.log)
		if err != nil {
			bus.Close()
			embedded.Shutdown()
			return fmt.Errorf("failed to open synthesis cache: %w", err)
		}
	}

	probeTimeout := time.Duration(r.cfg.Health.ProbeTimeoutMS) * time.Millisecond
	reg := registry.New(probeTimeout, r.log)
	available := reg.Discover(ctx, r.cfg.Engines)
	if available == 0 {
		// serve degraded rather than refuse to start; engines may recover on
		// the next health pass
		r.log.Warn("no synthesis engines available at startup",
			slog.Int("registered", reg.RegisteredCount()))
	} else {
		r.log.Info("engine discovery complete",
			slog.Int("registered", reg.RegisteredCount()),
			slog.Int("available", available))
	}

	disp := dispatch.New(reg, synthCache, pub, r.cfg.Defaults, r.log)
	api := server.New(r.cfg, disp, reg, r.version, r.ready.Load, r.log)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if metricHandler != nil {
		mux.Handle("GET /metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.healthLoop(ctx, reg)
	}()

	r.ready.Store(true)
	r.log.Info("bridge started",
		slog.String("addr", addr),
		slog.String("version", r.version))

	<-ctx.Done()
	r.ready.Store(false)
	r.log.Info("bridge stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if synthCache != nil {
		if err := synthCache.Close(); err != nil {
			r.log.Error("cache close error", slog.String("error", err.Error()))
		}
	}
	bus.Close()
	embedded.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// healthLoop re-probes engine availability on the configured interval.
func (r *Runtime) healthLoop(ctx context.Context, reg *registry.Registry) {
	interval := time.Duration(r.cfg.Health.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.HealthCheck(ctx)
		}
	}
}
