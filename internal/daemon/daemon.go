// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles a stepflowd process from a single Config: run
// store, module registry, runner, workflow library, scheduler, telemetry
// and the HTTP API. The CLI serve command and the stepflowd binary both
// boot through this package.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/forgeline/stepflow/internal/capability/ai"
	"github.com/forgeline/stepflow/internal/capability/data"
	"github.com/forgeline/stepflow/internal/capability/httpcap"
	"github.com/forgeline/stepflow/internal/capability/storage"
	"github.com/forgeline/stepflow/internal/capability/util"
	"github.com/forgeline/stepflow/internal/config"
	"github.com/forgeline/stepflow/internal/library"
	"github.com/forgeline/stepflow/internal/log"
	"github.com/forgeline/stepflow/internal/registry"
	"github.com/forgeline/stepflow/internal/runner"
	"github.com/forgeline/stepflow/internal/scheduler"
	"github.com/forgeline/stepflow/internal/server"
	"github.com/forgeline/stepflow/internal/store"
	"github.com/forgeline/stepflow/internal/store/sqlite"
	"github.com/forgeline/stepflow/internal/telemetry"

	_ "modernc.org/sqlite"
)

// Options carries build metadata and overrides that do not belong in the
// config file.
type Options struct {
	// Version is reported by the API and attached to telemetry.
	Version string

	// Logger overrides the config-derived logger. Tests use this.
	Logger *slog.Logger
}

// Daemon owns every long-lived component of a stepflowd process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     store.Store
	kvDB      *sql.DB // nil when storage.kv shares the run store handle
	runner    *runner.Runner
	library   *library.Library
	scheduler *scheduler.Scheduler
	telemetry *telemetry.Provider
	server    *http.Server

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

// New wires a daemon from cfg. Nothing is listening until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("daemon requires a config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
		})
	}

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent(logger, "daemon"),
	}

	wired := false
	defer func() {
		if !wired {
			d.closeResources(context.Background())
		}
	}()

	switch cfg.Store.Backend {
	case config.StoreMemory:
		d.store = store.NewMemory()
	case config.StoreSQLite:
		st, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
		if err != nil {
			return nil, fmt.Errorf("opening run store: %w", err)
		}
		d.store = st
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	tel, err := telemetry.New(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	d.telemetry = tel

	reg, err := d.buildRegistry(logger)
	if err != nil {
		return nil, err
	}

	d.runner = runner.New(reg, d.store, runner.Options{
		MaxParallel: cfg.Runner.MaxParallel,
		EventBuffer: cfg.Runner.EventBuffer,
		RunTimeout:  cfg.Runner.RunTimeout,
		Logger:      logger,
		Collector:   tel.Collector(),
	})

	if cfg.Library.Dir != "" {
		lib, err := library.New(library.Config{
			Dir:     cfg.Library.Dir,
			Include: cfg.Library.Include,
			Exclude: cfg.Library.Exclude,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("loading workflow library: %w", err)
		}
		d.library = lib
		d.scheduler = scheduler.New(lib, d.runner, logger)
	}

	auth, err := server.NewAuthenticator(cfg.Auth.Mode, cfg.Auth.Token, cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	srv, err := server.New(server.Options{
		Store:    d.store,
		Runner:   d.runner,
		Registry: reg,
		Library:  d.library,
		Metrics:  tel.MetricsHandler(),
		Auth:     auth,
		Logger:   logger,
		Version:  opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("building http server: %w", err)
	}

	d.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: event streams stay open until the client leaves.
	}

	wired = true
	return d, nil
}

// buildRegistry assembles the module catalog. The http and util families
// are always present; ai needs a configured endpoint and storage.kv binds
// to the run store's database, or an ephemeral one on the memory backend.
func (d *Daemon) buildRegistry(logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	if err := util.Register(reg); err != nil {
		return nil, fmt.Errorf("registering util modules: %w", err)
	}
	if err := data.Register(reg); err != nil {
		return nil, fmt.Errorf("registering data modules: %w", err)
	}

	client := httpcap.New(httpcap.Config{
		Timeout:           d.cfg.HTTP.Timeout,
		MaxResponseSize:   d.cfg.HTTP.MaxResponseSize,
		RequestsPerSecond: d.cfg.HTTP.RequestsPerSecond,
		Burst:             d.cfg.HTTP.Burst,
	})
	if err := httpcap.Register(reg, client); err != nil {
		return nil, fmt.Errorf("registering http modules: %w", err)
	}

	if d.cfg.AI.BaseURL != "" {
		completer := ai.NewHTTPCompleter(d.cfg.AI.BaseURL, d.cfg.AI.Timeout)
		if err := ai.Register(reg, completer); err != nil {
			return nil, fmt.Errorf("registering ai modules: %w", err)
		}
	} else {
		logger.Info("ai modules disabled; set ai.baseUrl to enable them")
	}

	kvHandle, err := d.kvDatabase()
	if err != nil {
		return nil, err
	}
	kv, err := storage.New(context.Background(), kvHandle)
	if err != nil {
		return nil, fmt.Errorf("preparing storage.kv: %w", err)
	}
	if err := storage.Register(reg, kv); err != nil {
		return nil, fmt.Errorf("registering storage modules: %w", err)
	}
	return reg, nil
}

// kvDatabase returns the handle backing storage.kv. On the sqlite backend
// it is the run store's own database, so kv entries share the run file and
// its WAL settings. The memory backend gets a private in-process database;
// kv data then lives exactly as long as the runs do.
func (d *Daemon) kvDatabase() (*sql.DB, error) {
	if st, ok := d.store.(*sqlite.Store); ok {
		return st.DB(), nil
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening kv database: %w", err)
	}
	// A second pool connection would see an empty database.
	db.SetMaxOpenConns(1)
	d.kvDB = db
	return db, nil
}

// Start binds the listen address and serves until ctx is canceled or the
// server fails. A nil return means ctx ended; call Shutdown afterwards.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	if d.library != nil && d.cfg.Library.Watch {
		if err := d.library.Watch(); err != nil {
			d.logger.Warn("library watch unavailable", log.Error(err))
		}
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}

	d.logger.Info("stepflowd started",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", d.opts.Version),
		slog.String("store", d.cfg.Store.Backend),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr reports the bound listen address, or "" before Start. With a :0
// config it is the only way to learn the assigned port.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Run starts the daemon, blocks until ctx is canceled or serving fails,
// then shuts down within the configured timeout.
func (d *Daemon) Run(ctx context.Context) error {
	serveErr := d.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops the daemon: scheduler and watcher first so nothing new
// arrives, then active runs are canceled, the HTTP server drains, and
// telemetry flushes. Component failures are logged, not returned; shutdown
// always runs to the end.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", d.runner.Active()))

	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.library != nil {
		if err := d.library.Close(); err != nil {
			d.logger.Error("library close error", log.Error(err))
		}
	}
	d.server.SetKeepAlivesEnabled(false)

	// Canceling active runs closes their event hubs, which ends live event
	// streams and unblocks the HTTP drain below.
	if err := d.runner.Close(ctx); err != nil {
		d.logger.Error("runner shutdown error", log.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http server shutdown error", log.Error(err))
		if err := d.server.Close(); err != nil {
			d.logger.Error("http server close error", log.Error(err))
		}
	}

	d.closeResources(ctx)

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// closeResources releases telemetry, the run store and the kv database.
// Safe on a partially wired daemon; New uses it on its error paths.
func (d *Daemon) closeResources(ctx context.Context) {
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Error("telemetry shutdown error", log.Error(err))
		}
		d.telemetry = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("store close error", log.Error(err))
		}
		d.store = nil
	}
	if d.kvDB != nil {
		if err := d.kvDB.Close(); err != nil {
			d.logger.Error("kv database close error", log.Error(err))
		}
		d.kvDB = nil
	}
}
