package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/manifest"
)

// Runtime owns the bus handle and routes its callbacks to the bound
// Subscriber. It must be created with New and never copied.
type Runtime struct {
	*Client

	shared   *bus.Shared
	logger   *slog.Logger
	observer Observer

	// sub is written once by Bind and cleared by Close.
	sub   atomic.Pointer[subscriberSlot]
	table atomic.Pointer[dispatchTable]
	ready atomic.Bool

	bindOnce sync.Once
	bindErr  error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type subscriberSlot struct {
	sub Subscriber
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used for registration and dispatch.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithObserver reports every dispatch, call and publish to o.
func WithObserver(o Observer) Option {
	return func(r *Runtime) {
		r.observer = o
	}
}

// New wraps h. The Runtime takes ownership of h: it is closed when the
// Runtime and every Client derived from it have been closed.
func New(h bus.Handle, opts ...Option) *Runtime {
	r := &Runtime{
		shared:   bus.NewShared(h),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Client = newClient(r.shared, r.logger, r.observer)
	return r
}

// Bind attaches sub and registers every command and variable of the module
// manifest with the bus, then signals readiness. Only the first call has an
// effect; later calls return its result without touching the bus.
func (r *Runtime) Bind(ctx context.Context, sub Subscriber) error {
	if sub == nil {
		return internalf("bind: nil subscriber")
	}
	first := false
	r.bindOnce.Do(func() {
		first = true
		r.bindErr = r.bind(ctx, sub)
		if r.bindErr != nil {
			r.sub.Store(nil)
			r.logger.Error("Runtime bind failed.", "error", r.bindErr)
		}
	})
	if !first {
		r.logger.Warn("Runtime already bound, ignoring subscriber.", "subscriber", fmt.Sprintf("%T", sub))
	}
	return r.bindErr
}

func (r *Runtime) bind(ctx context.Context, sub Subscriber) error {
	if r.closed.Load() {
		return bus.ErrClosed
	}
	logger := r.logger
	h := r.shared.Handle()

	// The bus may dispatch as soon as the first callback is registered, so
	// the subscriber has to be visible before that.
	r.sub.Store(&subscriberSlot{sub: sub})

	blob, err := h.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize bus connection: %w", err)
	}
	m, err := manifest.Parse(blob)
	if err != nil {
		return fmt.Errorf("read module manifest: %w", err)
	}
	logger.Debug("Manifest received.", "provides", len(m.Provides), "requires", len(m.Requires))

	ifaces := make(map[string]*manifest.Interface)
	for _, name := range m.Interfaces() {
		blob, err := h.Interface(ctx, name)
		if err != nil {
			return fmt.Errorf("fetch interface %q: %w", name, err)
		}
		iface, err := manifest.ParseInterface(name, blob)
		if err != nil {
			return err
		}
		ifaces[name] = iface
	}

	table := newDispatchTable(m, ifaces)
	r.table.Store(table)

	for _, meta := range table.commandKeys() {
		logger.Debug("Providing command.", "impl", meta.ImplementationID, "cmd", meta.Name)
		if err := h.ProvideCommand(ctx, meta, r.handleCommand); err != nil {
			return fmt.Errorf("provide command %s: %w", meta, err)
		}
	}
	for _, meta := range table.variableKeys() {
		logger.Debug("Subscribing variable.", "impl", meta.ImplementationID, "var", meta.Name)
		if err := h.SubscribeVariable(ctx, meta, r.handleVariable); err != nil {
			return fmt.Errorf("subscribe variable %s: %w", meta, err)
		}
	}

	if err := h.SignalReady(ctx, r.onReady); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	logger.Info("Runtime bound.", "commands", len(table.commands), "variables", len(table.variables))
	return nil
}

// Bound reports whether a Subscriber is attached.
func (r *Runtime) Bound() bool {
	return r.sub.Load() != nil
}

// Ready reports whether the bus declared the module ready.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// NewClient returns a Client sharing this Runtime's handle. The handle stays
// open until every Client and the Runtime are closed. A closed Runtime hands
// out no new clients.
func (r *Runtime) NewClient() (*Client, error) {
	if r.closed.Load() {
		return nil, bus.ErrClosed
	}
	if err := r.shared.Acquire(); err != nil {
		return nil, err
	}
	return newClient(r.shared, r.logger, r.observer), nil
}

// Close detaches the Subscriber and releases the Runtime's handle reference.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.sub.Store(nil)
		r.ready.Store(false)
		r.closeErr = r.Client.Close()
		r.logger.Debug("Runtime closed.")
	})
	return r.closeErr
}
