// Package localbus runs a whole deployment inside one process. A Hub plays
// the part of the bus runtime: it hands each module instance a bus.Handle,
// routes command calls along the configured connections and fans published
// variables out to the instances that require them.
package localbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/internal/config"
	"github.com/vk/evergo/manifest"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is returned when a call targets an instance that has no
// open handle or no handler for the command.
var ErrNotConnected = errors.New("target not connected")

// Hub connects the instances of one deployment.
type Hub struct {
	catalog *manifest.Catalog
	deploy  *config.Deployment
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	manifests map[string]*manifest.Manifest
	handles   map[string]*handle
	ready     map[string]bus.ReadyHandler
	fired     bool
	closed    bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub checks d against the manifests in catalog and returns a hub for it.
// Every instance must name a known module type and every connection must
// point at an implementation of the interface its requirement expects.
func NewHub(catalog *manifest.Catalog, d *config.Deployment, opts ...Option) (*Hub, error) {
	h := &Hub{
		catalog:   catalog,
		deploy:    d,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		manifests: make(map[string]*manifest.Manifest),
		handles:   make(map[string]*handle),
		ready:     make(map[string]bus.ReadyHandler),
	}
	for _, opt := range opts {
		opt(h)
	}

	for _, id := range d.ModuleIDs() {
		m, err := catalog.Manifest(d.Modules[id].Type)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", id, err)
		}
		h.manifests[id] = m
	}
	for _, id := range d.ModuleIDs() {
		if err := h.checkConnections(d.Modules[id]); err != nil {
			return nil, err
		}
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

func (h *Hub) checkConnections(inst *config.Instance) error {
	m := h.manifests[inst.ID]
	for req, conn := range inst.Connections {
		r, ok := m.Requires[req]
		if !ok {
			return fmt.Errorf("module %q: module type %s has no requirement %q", inst.ID, inst.Type, req)
		}
		target, ok := h.manifests[conn.Module]
		if !ok {
			return fmt.Errorf("module %q: requirement %q connects to unknown module %q", inst.ID, req, conn.Module)
		}
		impl, ok := target.Provides[conn.Implementation]
		if !ok {
			return fmt.Errorf("module %q: requirement %q connects to %s, which is not provided", inst.ID, req, conn)
		}
		if impl.Interface != r.Interface {
			return fmt.Errorf("module %q: requirement %q expects interface %q, %s implements %q",
				inst.ID, req, r.Interface, conn, impl.Interface)
		}
	}
	for _, req := range m.RequiredIDs() {
		if _, ok := inst.Connections[req]; !ok && m.Requires[req].MinConnections > 0 {
			return fmt.Errorf("module %q: requirement %q is not connected", inst.ID, req)
		}
	}
	return nil
}

// Connect opens the handle of instance moduleID. Each instance can be
// connected once.
func (h *Hub) Connect(moduleID string) (bus.Handle, error) {
	inst, err := h.deploy.Module(moduleID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, bus.ErrClosed
	}
	if _, exists := h.handles[moduleID]; exists {
		return nil, fmt.Errorf("module %q is already connected", moduleID)
	}
	hd := newHandle(h, inst, h.manifests[moduleID])
	h.handles[moduleID] = hd
	h.logger.Debug("Module connected.", "module", moduleID, "type", inst.Type)
	return hd, nil
}

// lookup returns the open handle of moduleID.
func (h *Hub) lookup(moduleID string) (*handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hd, ok := h.handles[moduleID]
	return hd, ok
}

// subscribers returns every open handle with a requirement connected to
// (moduleID, implementationID), paired with that requirement id.
func (h *Hub) subscribers(moduleID, implementationID string) map[*handle][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*handle][]string)
	for _, hd := range h.handles {
		for req, conn := range hd.inst.Connections {
			if conn.Module == moduleID && conn.Implementation == implementationID {
				out[hd] = append(out[hd], req)
			}
		}
	}
	return out
}

// signalReady records that moduleID finished registration. Once every
// instance of the deployment did, all ready handlers fire.
func (h *Hub) signalReady(moduleID string, fn bus.ReadyHandler) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		h.logger.Warn("Ready signalled after the deployment became ready.", "module", moduleID)
		return
	}
	h.ready[moduleID] = fn
	if len(h.ready) < len(h.deploy.Modules) {
		h.mu.Unlock()
		h.logger.Debug("Waiting for modules.", "ready", len(h.ready), "total", len(h.deploy.Modules))
		return
	}
	h.fired = true
	fire := make(map[*handle]bus.ReadyHandler, len(h.ready))
	for id, fn := range h.ready {
		if hd, ok := h.handles[id]; ok && fn != nil {
			fire[hd] = fn
		}
	}
	h.mu.Unlock()

	h.logger.Info("All modules ready.", "modules", len(fire))
	for hd, fn := range fire {
		hd.deliver(func(ctx context.Context) { fn(ctx) })
	}
}

// Close cancels every delivery, closes every open handle and waits for
// in-flight deliveries.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	handles := make([]*handle, 0, len(h.handles))
	for _, hd := range h.handles {
		handles = append(handles, hd)
	}
	h.mu.Unlock()

	h.cancel()
	var g errgroup.Group
	for _, hd := range handles {
		g.Go(hd.Close)
	}
	return g.Wait()
}
