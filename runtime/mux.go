package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/evergo/bus"
	"github.com/zclconf/go-cty/cty"
)

// CommandFunc serves one command of one implementation.
type CommandFunc func(ctx context.Context, args map[string]cty.Value) (cty.Value, error)

// VariableFunc receives values of one variable of one requirement.
type VariableFunc func(ctx context.Context, value cty.Value) error

// Mux is a Subscriber that routes each key to its own function. Modules
// register on it at startup; registering a key twice panics.
type Mux struct {
	mu        sync.RWMutex
	commands  map[bus.CommandMeta]CommandFunc
	variables map[bus.CommandMeta]VariableFunc
	ready     []func(ctx context.Context)
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{
		commands:  make(map[bus.CommandMeta]CommandFunc),
		variables: make(map[bus.CommandMeta]VariableFunc),
	}
}

// Command registers fn as the handler of command name of implementationID.
func (m *Mux) Command(implementationID, name string, fn CommandFunc) {
	key := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.commands[key]; exists {
		panic(fmt.Sprintf("command handler for '%s' is already registered", key))
	}
	m.commands[key] = fn
}

// Variable registers fn for variable name of requirement implementationID.
func (m *Mux) Variable(implementationID, name string, fn VariableFunc) {
	key := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.variables[key]; exists {
		panic(fmt.Sprintf("variable handler for '%s' is already registered", key))
	}
	m.variables[key] = fn
}

// Ready registers fn to run when the module becomes ready. Functions run in
// registration order.
func (m *Mux) Ready(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, fn)
}

// Commands lists the registered command keys, sorted.
func (m *Mux) Commands() []bus.CommandMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]bus.CommandMeta, 0, len(m.commands))
	for k := range m.commands {
		keys = append(keys, k)
	}
	sortMetas(keys)
	return keys
}

// HandleCommand implements Subscriber.
func (m *Mux) HandleCommand(ctx context.Context, implementationID, name string, args map[string]cty.Value) (cty.Value, error) {
	key := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	m.mu.RLock()
	fn, ok := m.commands[key]
	m.mu.RUnlock()
	if !ok {
		return cty.NilVal, internalf("no command handler for %s", key)
	}
	return fn(ctx, args)
}

// HandleVariable implements Subscriber.
func (m *Mux) HandleVariable(ctx context.Context, implementationID, name string, value cty.Value) error {
	key := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	m.mu.RLock()
	fn, ok := m.variables[key]
	m.mu.RUnlock()
	if !ok {
		return internalf("no variable handler for %s", key)
	}
	return fn(ctx, value)
}

// OnReady implements ReadyNotifier.
func (m *Mux) OnReady(ctx context.Context) {
	m.mu.RLock()
	fns := append([]func(context.Context){}, m.ready...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

func sortMetas(keys []bus.CommandMeta) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ImplementationID != keys[j].ImplementationID {
			return keys[i].ImplementationID < keys[j].ImplementationID
		}
		return keys[i].Name < keys[j].Name
	})
}
