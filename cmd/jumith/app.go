package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"jumith/internal/config"
	"jumith/internal/domain"
	"jumith/internal/installer"
	"jumith/internal/memory"
	"jumith/internal/metrics"
	"jumith/internal/registry"
	"jumith/internal/storage"
	"jumith/internal/telemetry"
	"jumith/internal/tool"
	"jumith/internal/toolstore"
	"jumith/internal/vault"
)

// app holds the components shared by the chat session and the one-shot
// commands. Every component is built from one config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	memory   *memory.Store
	secrets  *vault.Store
	metrics  *metrics.Collector
	tracer   trace.Tracer
	store    *toolstore.Store
	registry *registry.Client // nil when no registry is configured
	inst     *installer.Installer

	shutdownTracing func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	a.memory = memory.New(db, logger)
	if err := a.memory.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.secrets = vault.New(db, logger)
	if err := a.secrets.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New(prometheus.NewRegistry())

	tp, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.tracer = telemetry.Tracer(tp)
	a.shutdownTracing = shutdown

	a.store = toolstore.New(toolstore.Config{
		Root:    cfg.Tools.Root,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err := a.store.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Registry.BaseURL != "" {
		a.registry, err = registry.NewClient(registry.Config{
			BaseURL: cfg.Registry.BaseURL,
			Timeout: time.Duration(cfg.Registry.TimeoutSeconds) * time.Second,
			Tracer:  a.tracer,
			Metrics: a.metrics,
			Logger:  logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	instCfg := installer.Config{Store: a.store, Audit: a.audit(), Logger: logger}
	if a.registry != nil {
		instCfg.Registry = a.registry
	}
	a.inst = installer.New(instCfg)
	return a, nil
}

// audit returns the audit sink, or nil when audit logging is off.
func (a *app) audit() domain.AuditLogger {
	if !a.cfg.Security.AuditLog {
		return nil
	}
	return a.memory
}

// requireRegistry fails with a hint when no registry is configured.
func (a *app) requireRegistry() (*registry.Client, error) {
	if a.registry == nil {
		return nil, fmt.Errorf("%w: set REGISTRY_BASE_URL or registry.baseUrl", installer.ErrNoRegistry)
	}
	return a.registry, nil
}

// catalog builds the current tool catalog and returns load problems
// alongside it.
func (a *app) catalog(ctx context.Context) (*tool.Catalog, []string, error) {
	builtins, err := tool.Builtins()
	if err != nil {
		return nil, nil, fmt.Errorf("builtin tools: %w", err)
	}
	res := a.store.LoadTools(ctx)
	c := tool.BuildCatalog(builtins, res.Tools, a.logger)
	problems := append([]string(nil), res.Errors...)
	for _, s := range c.Shadowed {
		problems = append(problems, "shadowed by an existing tool: "+s)
	}
	return c, problems, nil
}

func (a *app) Close() {
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTracing(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("tracing shutdown failed", "err", err)
		}
		cancel()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// withApp loads config, builds the app, runs fn and tears everything down.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
