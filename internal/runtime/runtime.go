package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kanilabs/kani-core/internal/api"
	"github.com/kanilabs/kani-core/internal/bus"
	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/extract"
	"github.com/kanilabs/kani-core/internal/natsserver"
	"github.com/kanilabs/kani-core/internal/pipeline"
	"github.com/kanilabs/kani-core/internal/sessions"
	"github.com/kanilabs/kani-core/internal/transcribe"
)

// drainTimeout bounds how long shutdown waits for in-flight pipeline runs.
const drainTimeout = 30 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	tracerClose func(context.Context) error
	store       *sessions.Store
	timeline    *eventstore.Store
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	pipeline    *pipeline.Orchestrator
	server      *api.Server
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	if err := r.openStores(ctx); err != nil {
		return err
	}
	notifier, err := r.connectBus(ctx)
	if err != nil {
		return err
	}

	transcriber, err := transcribe.New(r.cfg.Transcription, r.logger)
	if err != nil {
		return fmt.Errorf("init transcription: %w", err)
	}
	extractor, err := extract.New(r.cfg.Extraction, r.logger)
	if err != nil {
		return fmt.Errorf("init extraction: %w", err)
	}
	if err := os.MkdirAll(r.cfg.Uploads.Directory, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	r.pipeline = pipeline.New(r.store, transcriber, extractor, pipeline.Options{
		PublicBaseURL: r.cfg.HTTP.PublicBaseURL,
		Notifier:      notifier,
		Recorder:      r.timeline,
		Logger:        r.logger,
	})
	r.server = api.New(r.store, r.pipeline, r.timeline, api.Options{
		UploadDir:      r.cfg.Uploads.Directory,
		MaxUploadBytes: r.cfg.Uploads.MaxSizeMB << 20,
		MetricsPath:    r.cfg.Telemetry.PrometheusPath,
		Metrics:        metricsHandler,
		Ready:          r.isReady,
		Logger:         r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	errCh := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Listen(addr); err != nil {
			errCh <- err
		}
	}()
	r.startPruner(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := r.pipeline.Wait(drainCtx); err != nil {
		r.logger.Warn("pipeline runs still in flight at shutdown", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return runErr
}

func (r *Runtime) openStores(ctx context.Context) error {
	store, err := sessions.Open(ctx, r.cfg.Database, r.logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	r.store = store

	timeline, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.timeline = timeline
	return nil
}

// connectBus returns a nil Notifier when the bus is disabled.
func (r *Runtime) connectBus(ctx context.Context) (pipeline.Notifier, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStatusStream(maxAge); err != nil {
		r.logger.Warn("session status stream unavailable; publishing without retention", slog.String("error", err.Error()))
	}
	return client, nil
}

func (r *Runtime) startPruner(ctx context.Context) {
	if !r.timeline.Enabled() || r.cfg.EventStore.PruneEveryMin <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(r.cfg.EventStore.PruneEveryMin) * time.Minute)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.timeline.Prune(ctx); err != nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) closeAll() {
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.timeline != nil {
		if err := r.timeline.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("session store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
