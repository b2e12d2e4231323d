package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/bus/localbus"
	"github.com/vk/evergo/bus/sockbus"
	"github.com/vk/evergo/internal/config"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/runtime"
)

// Run connects every selected instance to the bus and blocks until ctx is
// cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.config.HealthcheckPort)
	}

	defer func() {
		err = errors.Join(err, a.shutdown())
	}()

	connect, err := a.connector()
	if err != nil {
		return err
	}
	for _, id := range a.selected {
		if err := a.bindInstance(ctx, id, connect); err != nil {
			return fmt.Errorf("module %q: %w", id, err)
		}
	}
	a.logger.Info("🚀 Modules running.", "modules", a.selected, "backend", a.deployment.Bus.Backend)

	<-ctx.Done()
	a.logger.Info("Shutdown requested.")
	return nil
}

type connectFunc func(ctx context.Context, id string) (bus.Handle, error)

// connector returns the function opening a bus handle for one instance. For
// the local backend it also creates the hub, closed after every handle.
func (a *App) connector() (connectFunc, error) {
	b := a.deployment.Bus
	switch b.Backend {
	case config.BackendLocal:
		hub, err := localbus.NewHub(a.catalog, a.deployment, localbus.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create local bus: %w", err)
		}
		a.mu.Lock()
		a.hub = hub
		a.mu.Unlock()
		return func(_ context.Context, id string) (bus.Handle, error) {
			return hub.Connect(id)
		}, nil
	case config.BackendSocket:
		return func(ctx context.Context, id string) (bus.Handle, error) {
			return sockbus.Dial(ctx, sockbus.Options{
				URL:                b.URL,
				Namespace:          b.Namespace,
				Module:             id,
				InsecureSkipVerify: b.InsecureSkipVerify,
				ConnectTimeout:     b.ConnectTimeout,
				Logger:             a.logger.With("module", id),
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", b.Backend)
	}
}

// bindInstance creates the module of instance id, registers it on a Mux
// and binds that to a fresh runtime.
func (a *App) bindInstance(ctx context.Context, id string, connect connectFunc) error {
	inst, err := a.deployment.Module(id)
	if err != nil {
		return err
	}
	logger := a.logger.With("module", id, "type", inst.Type)

	h, err := connect(ctx, id)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	rt := runtime.New(h, runtime.WithLogger(logger), runtime.WithObserver(a.collector))

	mux := runtime.NewMux()
	a.modules[inst.Type]().Register(mux, rt.Client)
	mux.Ready(func(context.Context) {
		a.collector.SetReady(id, true)
	})

	a.mu.Lock()
	a.instances = append(a.instances, &instance{id: id, runtime: rt})
	a.mu.Unlock()

	if err := rt.Bind(ctx, mux); err != nil {
		return err
	}
	logger.Debug("Module bound.", "commands", len(mux.Commands()))
	return nil
}

// shutdown closes the instances in reverse order, then the local hub and
// the health server.
func (a *App) shutdown() error {
	a.logger.Debug("Shutting down.")
	var errs []error

	a.mu.Lock()
	instances, hub := a.instances, a.hub
	a.instances, a.hub = nil, nil
	a.mu.Unlock()
	for i := len(instances) - 1; i >= 0; i-- {
		if err := instances[i].runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close module %q: %w", instances[i].id, err))
		}
		a.collector.SetReady(instances[i].id, false)
	}
	if hub != nil {
		if err := hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local bus: %w", err))
		}
	}

	if err := a.closeHealthcheckServer(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("🏁 Shutdown complete.")
	return errors.Join(errs...)
}
