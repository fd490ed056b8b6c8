package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hydrotwin/hydrotwin/internal/api"
	"github.com/hydrotwin/hydrotwin/internal/app/baseline"
	"github.com/hydrotwin/hydrotwin/internal/app/dashboard"
	"github.com/hydrotwin/hydrotwin/internal/app/monitor"
	"github.com/hydrotwin/hydrotwin/internal/app/simulator"
	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/health"
	"github.com/hydrotwin/hydrotwin/internal/infra/engine"
	"github.com/hydrotwin/hydrotwin/internal/infra/retention"
	"github.com/hydrotwin/hydrotwin/internal/infra/rng"
	"github.com/hydrotwin/hydrotwin/internal/infra/sqlite"
)

// Daemon is the hydrotwin runtime. It owns the process-scoped service
// registry: one store, one baseline registry, and exactly one simulator and
// one monitor instance.
type Daemon struct {
	Config Config
	DB     *sqlite.DB

	Registry   *baseline.Registry
	Simulator  *simulator.Service
	Monitor    *monitor.Service
	Aggregator *dashboard.Aggregator
	Retention  *retention.Job
	Health     *health.Checker
	Server     *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	backend := engine.NewINPBackend()

	d := &Daemon{
		Config:     cfg,
		DB:         db,
		Registry:   baseline.NewRegistry(db, backend),
		Simulator:  simulator.New(db, rng.New()),
		Monitor:    monitor.New(db, backend),
		Aggregator: dashboard.New(db),
	}

	if cfg.Retention.Enabled {
		d.Retention = retention.New(db, cfg.Retention.Days, cfg.Retention.Schedule)
	}

	d.Health = health.NewChecker(db, cfg.Data.Dir, func() (domain.RunState, domain.RunState) {
		return d.Simulator.Status().State, d.Monitor.Status().State
	})

	networksDir := filepath.Join(cfg.Data.Dir, "networks")
	d.Server = api.NewServer(db, d.Registry, d.Simulator, d.Monitor, d.Aggregator, networksDir)
	d.Server.SetHealthChecker(d.Health)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)

	if d.Retention != nil {
		if err := d.Retention.Start(); err != nil {
			return fmt.Errorf("start retention job: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.stopServices()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	fmt.Printf("hydrotwin serving on http://%s\n", addr)
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.stopServices()
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// stopServices halts the background loops and the retention job. Stop on an
// idle service returns ErrNotRunning, which is fine here.
func (d *Daemon) stopServices() {
	if err := d.Simulator.Stop(); err != nil && err != domain.ErrNotRunning {
		log.Printf("[daemon] simulator stop: %v", err)
	}
	if err := d.Monitor.Stop(); err != nil && err != domain.ErrNotRunning {
		log.Printf("[daemon] monitor stop: %v", err)
	}
	if d.Retention != nil {
		d.Retention.Stop()
	}
}
