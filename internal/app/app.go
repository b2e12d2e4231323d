package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vk/evergo/internal/config"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/internal/metrics"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/runtime"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	catalog    *manifest.Catalog
	deployment *config.Deployment
	modules    Factories
	selected   []string
	collector  *metrics.Collector

	mu         sync.Mutex
	instances  []*instance
	hub        io.Closer
	httpServer *http.Server
}

// instance is one module instance bound to the bus.
type instance struct {
	id      string
	runtime *runtime.Runtime
}

// NewApp is the constructor for the main application. It loads the catalog
// and the deployment and resolves which instances this process runs. When
// modules is empty the core modules are used.
func NewApp(outW io.Writer, cfg *Config, modules Factories) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	catalog, err := manifest.LoadCatalog(ctx, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load module catalog: %w", err)
	}
	for _, install := range coreDefinitions {
		if err := install(catalog); err != nil {
			return nil, fmt.Errorf("failed to install bundled definitions: %w", err)
		}
	}

	deployment, err := config.Load(ctx, cfg.ConfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	logger.Debug("Deployment loaded.", "backend", deployment.Bus.Backend, "modules", len(deployment.Modules))

	if len(modules) == 0 {
		modules = coreModules()
	}

	a := &App{
		outW:       outW,
		logger:     logger,
		config:     cfg,
		catalog:    catalog,
		deployment: deployment,
		modules:    modules,
		collector:  metrics.NewCollector(""),
	}
	if err := a.selectInstances(); err != nil {
		return nil, err
	}
	logger.Debug("Module instances selected.", "modules", a.selected)
	return a, nil
}

// selectInstances resolves the instances this process runs and checks that
// each has a Go implementation and a manifest.
func (a *App) selectInstances() error {
	switch {
	case a.config.Module != "":
		if _, err := a.deployment.Module(a.config.Module); err != nil {
			return err
		}
		a.selected = []string{a.config.Module}
		if a.deployment.Bus.Backend == config.BackendLocal && len(a.deployment.Modules) > 1 {
			a.logger.Warn("Running one module of a local deployment, the ready signal waits for every module.", "module", a.config.Module)
		}
	case a.deployment.Bus.Backend == config.BackendLocal:
		a.selected = a.deployment.ModuleIDs()
	default:
		return fmt.Errorf("bus backend %q needs the module instance to run", a.deployment.Bus.Backend)
	}

	for _, id := range a.selected {
		inst, _ := a.deployment.Module(id)
		if _, ok := a.modules[inst.Type]; !ok {
			return fmt.Errorf("module %q: no Go implementation for module type %q", id, inst.Type)
		}
		if !a.catalog.HasManifest(inst.Type) {
			return fmt.Errorf("module %q: no manifest for module type %q", id, inst.Type)
		}
	}
	return nil
}

// Modules returns the instance ids this App runs.
func (a *App) Modules() []string {
	return append([]string(nil), a.selected...)
}

// Ready reports whether every instance was bound and declared ready.
func (a *App) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.instances) != len(a.selected) {
		return false
	}
	for _, inst := range a.instances {
		if !inst.runtime.Ready() {
			return false
		}
	}
	return true
}
