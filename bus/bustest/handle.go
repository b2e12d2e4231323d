// Package bustest provides a scriptable in-memory bus.Handle for testing
// modules and the runtime without a bus.
package bustest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/payload"
)

// Call records one CallCommand or PublishVariable issued by the module.
type Call struct {
	ImplementationID string
	Name             string
	Payload          payload.Payload
}

// CallFunc answers a CallCommand issued by the module.
type CallFunc func(ctx context.Context, implementationID, name string, args payload.Payload) (payload.Payload, error)

// Handle is a bus.Handle backed by a fixed manifest and interface set.
// Registered callbacks are invoked only when the test calls Command,
// Variable or Ready.
type Handle struct {
	mu         sync.Mutex
	manifest   *manifest.Manifest
	interfaces map[string]*manifest.Interface

	commands  map[bus.CommandMeta]bus.CommandHandler
	variables map[bus.CommandMeta]bus.VariableHandler
	ready     bus.ReadyHandler

	calls      []Call
	published  []Call
	onCall     CallFunc
	closed     bool
	closeCount int

	initCount      int
	interfaceFetch map[string]int
	provideCount   map[bus.CommandMeta]int
	subscribeCount map[bus.CommandMeta]int

	// Failures injected by tests.
	InitializeErr error
	InterfaceErr  map[string]error
}

// New returns a handle serving m and the given interfaces.
func New(m *manifest.Manifest, ifaces ...*manifest.Interface) *Handle {
	h := &Handle{
		manifest:       m,
		interfaces:     make(map[string]*manifest.Interface),
		commands:       make(map[bus.CommandMeta]bus.CommandHandler),
		variables:      make(map[bus.CommandMeta]bus.VariableHandler),
		interfaceFetch: make(map[string]int),
		provideCount:   make(map[bus.CommandMeta]int),
		subscribeCount: make(map[bus.CommandMeta]int),
		InterfaceErr:   make(map[string]error),
	}
	for _, iface := range ifaces {
		h.interfaces[iface.Name] = iface
	}
	return h
}

// OnCall sets the responder for commands the module calls.
func (h *Handle) OnCall(fn CallFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCall = fn
}

func (h *Handle) Initialize(ctx context.Context) (payload.Payload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, bus.ErrClosed
	}
	h.initCount++
	if h.InitializeErr != nil {
		return nil, h.InitializeErr
	}
	return h.manifest.Encode()
}

func (h *Handle) Interface(ctx context.Context, name string) (payload.Payload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interfaceFetch[name]++
	if err := h.InterfaceErr[name]; err != nil {
		return nil, err
	}
	iface, ok := h.interfaces[name]
	if !ok {
		return nil, fmt.Errorf("unknown interface %q", name)
	}
	return iface.Encode()
}

func (h *Handle) ProvideCommand(ctx context.Context, meta bus.CommandMeta, fn bus.CommandHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provideCount[meta]++
	h.commands[meta] = fn
	return nil
}

func (h *Handle) SubscribeVariable(ctx context.Context, meta bus.CommandMeta, fn bus.VariableHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeCount[meta]++
	h.variables[meta] = fn
	return nil
}

func (h *Handle) CallCommand(ctx context.Context, implementationID, name string, args payload.Payload) (payload.Payload, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, bus.ErrClosed
	}
	h.calls = append(h.calls, Call{ImplementationID: implementationID, Name: name, Payload: args})
	fn := h.onCall
	h.mu.Unlock()

	if fn == nil {
		return payload.Payload("null"), nil
	}
	return fn(ctx, implementationID, name, args)
}

func (h *Handle) PublishVariable(ctx context.Context, implementationID, name string, value payload.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return bus.ErrClosed
	}
	h.published = append(h.published, Call{ImplementationID: implementationID, Name: name, Payload: value})
	return nil
}

func (h *Handle) SignalReady(ctx context.Context, fn bus.ReadyHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = fn
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeCount++
	return nil
}

// Command invokes the callback registered for (impl, name) the way the bus
// would. It fails if nothing is registered under that key.
func (h *Handle) Command(ctx context.Context, impl, name string, args payload.Payload) (payload.Payload, error) {
	meta := bus.CommandMeta{ImplementationID: impl, Name: name}
	h.mu.Lock()
	fn, ok := h.commands[meta]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bustest: no command registered for %s", meta)
	}
	return fn(ctx, meta, args)
}

// Variable delivers value to the callback registered for (impl, name).
func (h *Handle) Variable(ctx context.Context, impl, name string, value payload.Payload) error {
	meta := bus.CommandMeta{ImplementationID: impl, Name: name}
	h.mu.Lock()
	fn, ok := h.variables[meta]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("bustest: no variable subscribed for %s", meta)
	}
	return fn(ctx, meta, value)
}

// CommandHandler returns the raw callback registered for (impl, name).
func (h *Handle) CommandHandler(impl, name string) (bus.CommandHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.commands[bus.CommandMeta{ImplementationID: impl, Name: name}]
	return fn, ok
}

// Ready fires the ready callback, if one was registered.
func (h *Handle) Ready(ctx context.Context) bool {
	h.mu.Lock()
	fn := h.ready
	h.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ctx)
	return true
}

// Provided returns the command keys registered so far, sorted.
func (h *Handle) Provided() []bus.CommandMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedMetas(h.commands)
}

// Subscribed returns the variable keys registered so far, sorted.
func (h *Handle) Subscribed() []bus.CommandMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedMetas(h.variables)
}

// ProvideCount reports how often meta was registered as a command.
func (h *Handle) ProvideCount(meta bus.CommandMeta) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provideCount[meta]
}

// SubscribeCount reports how often meta was registered as a variable.
func (h *Handle) SubscribeCount(meta bus.CommandMeta) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeCount[meta]
}

// InitCount reports how often Initialize was called.
func (h *Handle) InitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initCount
}

// InterfaceFetches reports how often the named interface was fetched.
func (h *Handle) InterfaceFetches(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interfaceFetch[name]
}

// Calls returns the commands the module called.
func (h *Handle) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Published returns the variables the module published.
func (h *Handle) Published() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.published...)
}

// Closed reports whether Close was called, and how many times.
func (h *Handle) Closed() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeCount
}

func sortedMetas[V any](m map[bus.CommandMeta]V) []bus.CommandMeta {
	out := make([]bus.CommandMeta, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImplementationID != out[j].ImplementationID {
			return out[i].ImplementationID < out[j].ImplementationID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
