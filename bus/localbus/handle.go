package localbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/internal/config"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/payload"
)

// handle is the bus.Handle of one instance.
type handle struct {
	hub      *Hub
	inst     *config.Instance
	manifest *manifest.Manifest

	mu        sync.RWMutex
	commands  map[bus.CommandMeta]bus.CommandHandler
	variables map[bus.CommandMeta]bus.VariableHandler
	signalled bool
	closed    bool

	// ctx is the parent of every delivery; Close cancels it before waiting
	// for inflight.
	ctx    context.Context
	cancel context.CancelFunc

	// inflight counts callbacks running on this handle.
	inflight sync.WaitGroup
}

var _ bus.Handle = (*handle)(nil)

func newHandle(hub *Hub, inst *config.Instance, m *manifest.Manifest) *handle {
	ctx, cancel := context.WithCancel(hub.ctx)
	return &handle{
		hub:       hub,
		inst:      inst,
		manifest:  m,
		commands:  make(map[bus.CommandMeta]bus.CommandHandler),
		variables: make(map[bus.CommandMeta]bus.VariableHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *handle) Initialize(ctx context.Context) (payload.Payload, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	return h.manifest.Encode()
}

func (h *handle) Interface(ctx context.Context, name string) (payload.Payload, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	iface, err := h.hub.catalog.Interface(name)
	if err != nil {
		return nil, err
	}
	return iface.Encode()
}

func (h *handle) ProvideCommand(ctx context.Context, meta bus.CommandMeta, fn bus.CommandHandler) error {
	if _, ok := h.manifest.Provides[meta.ImplementationID]; !ok {
		return fmt.Errorf("module %q does not provide implementation %q", h.inst.ID, meta.ImplementationID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return bus.ErrClosed
	}
	h.commands[meta] = fn
	return nil
}

func (h *handle) SubscribeVariable(ctx context.Context, meta bus.CommandMeta, fn bus.VariableHandler) error {
	if _, ok := h.manifest.Requires[meta.ImplementationID]; !ok {
		return fmt.Errorf("module %q has no requirement %q", h.inst.ID, meta.ImplementationID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return bus.ErrClosed
	}
	h.variables[meta] = fn
	return nil
}

func (h *handle) CallCommand(ctx context.Context, implementationID, name string, args payload.Payload) (payload.Payload, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	conn, ok := h.inst.Connections[implementationID]
	if !ok {
		return nil, fmt.Errorf("module %q: requirement %q is not connected", h.inst.ID, implementationID)
	}
	target, ok := h.hub.lookup(conn.Module)
	if !ok {
		return nil, fmt.Errorf("%w: module %q", ErrNotConnected, conn.Module)
	}
	meta := bus.CommandMeta{ImplementationID: conn.Implementation, Name: name}
	fn, ok := target.command(meta)
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s on module %q", ErrNotConnected, meta, conn.Module)
	}

	type result struct {
		p   payload.Payload
		err error
	}
	done := make(chan result, 1)
	started := target.deliverWith(ctx, func(ctx context.Context) {
		p, err := fn(ctx, meta, args)
		done <- result{p, err}
	})
	if !started {
		return nil, fmt.Errorf("%w: module %q", ErrNotConnected, conn.Module)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &bus.RemoteError{ImplementationID: implementationID, Name: name, Message: res.err.Error()}
		}
		return res.p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) PublishVariable(ctx context.Context, implementationID, name string, value payload.Payload) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if _, ok := h.manifest.Provides[implementationID]; !ok {
		return fmt.Errorf("module %q does not provide implementation %q", h.inst.ID, implementationID)
	}

	for sub, reqs := range h.hub.subscribers(h.inst.ID, implementationID) {
		for _, req := range reqs {
			meta := bus.CommandMeta{ImplementationID: req, Name: name}
			fn, ok := sub.variable(meta)
			if !ok {
				continue
			}
			module := sub.inst.ID
			sub.deliver(func(ctx context.Context) {
				if err := fn(ctx, meta, value); err != nil {
					ctxlog.FromContext(ctx).Warn("Variable delivery dropped.", "module", module, "var", meta.String(), "error", err)
				}
			})
		}
	}
	return nil
}

func (h *handle) SignalReady(ctx context.Context, fn bus.ReadyHandler) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return bus.ErrClosed
	}
	if h.signalled {
		h.mu.Unlock()
		return fmt.Errorf("module %q already signalled ready", h.inst.ID)
	}
	h.signalled = true
	h.mu.Unlock()

	h.hub.signalReady(h.inst.ID, fn)
	return nil
}

// Close stops new deliveries to this instance, cancels the context of
// running ones and waits for them. It must not be called from inside one of
// the instance's own callbacks.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.inflight.Wait()
	h.hub.logger.Debug("Module disconnected.", "module", h.inst.ID)
	return nil
}

func (h *handle) checkOpen() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return bus.ErrClosed
	}
	return nil
}

func (h *handle) command(meta bus.CommandMeta) (bus.CommandHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.commands[meta]
	return fn, ok && !h.closed
}

func (h *handle) variable(meta bus.CommandMeta) (bus.VariableHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.variables[meta]
	return fn, ok && !h.closed
}

// deliver runs fn on a new goroutine with the handle's context.
func (h *handle) deliver(fn func(ctx context.Context)) bool {
	return h.deliverWith(h.ctx, fn)
}

// deliverWith runs fn on a new goroutine unless the handle is closed. The
// goroutine is tracked so Close can wait for it, and its context is also
// cancelled when the handle closes.
func (h *handle) deliverWith(ctx context.Context, fn func(ctx context.Context)) bool {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return false
	}
	h.inflight.Add(1)
	h.mu.RUnlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, cancel)
	ctx = ctxlog.WithLogger(ctx, h.hub.logger.With("module", h.inst.ID))
	go func() {
		defer h.inflight.Done()
		defer cancel()
		defer stop()
		fn(ctx)
	}()
	return true
}
