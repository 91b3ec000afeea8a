package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/telemetry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	loader     config.Loader
	env        *config.Env
	telemetry  *telemetry.Telemetry
	httpServer *http.Server
}

// NewApp is the constructor for the main application. It loads the lattice
// document with loader, or with the loader matching cfg.Format when loader is
// nil, and builds the live environment. A document that fails to load or
// build is a fatal startup error and panics.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	if loader == nil {
		var err error
		if loader, err = LoaderFor(cfg.Format, cfg.LatticePath); err != nil {
			panic(err)
		}
	}

	doc, err := loader.Load(ctx, cfg.LatticePath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded and translated into unified model.",
		"variables", len(doc.Variables), "elements", len(doc.Elements), "lines", len(doc.Lines))

	env, err := config.Build(ctx, doc)
	if err != nil {
		panic(fmt.Errorf("failed to build environment: %w", err))
	}
	logger.Debug("Environment built.", "variables", len(env.Graph.Names()))

	return &App{
		ctx:    ctx,
		outW:   outW,
		logger: logger,
		config: cfg,
		loader: loader,
		env:    env,
	}
}

// reload reads the lattice again and swaps in the new environment. On error
// the previous environment stays in place.
func (a *App) reload(ctx context.Context) error {
	doc, err := a.loader.Load(ctx, a.config.LatticePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	env, err := config.Build(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to build environment: %w", err)
	}
	a.env = env
	a.logger.Info("🔄 Lattice reloaded.", "variables", len(env.Graph.Names()), "lines", len(env.Lines))
	return nil
}

// Env returns the application's live environment. This is primarily for testing.
func (a *App) Env() *config.Env {
	return a.env
}
