// Package bus defines the contract between the bridge and the external bus
// runtime.
//
// A Handle represents one connection of this process to the bus. The bus
// owns transport, discovery and delivery goroutines; the bridge only
// registers callbacks and issues calls through the Handle. Handles must be
// safe for concurrent use, and may invoke registered callbacks from any
// goroutine, concurrently, for the same or different keys.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/evergo/payload"
)

// ErrClosed is returned by operations on a handle that has been closed.
var ErrClosed = errors.New("bus handle closed")

// CommandMeta is the routing key shared by commands and variables.
type CommandMeta struct {
	ImplementationID string
	Name             string
}

func (m CommandMeta) String() string {
	return m.ImplementationID + "." + m.Name
}

// CommandHandler serves one inbound command call. A non-nil error is relayed
// to the original caller as a failure.
type CommandHandler func(ctx context.Context, meta CommandMeta, args payload.Payload) (payload.Payload, error)

// VariableHandler receives one published variable value. There is no caller
// to answer; the handle logs or drops a returned error.
type VariableHandler func(ctx context.Context, meta CommandMeta, value payload.Payload) error

// ReadyHandler is invoked once the bus considers the module ready.
type ReadyHandler func(ctx context.Context)

// Handle is the capability the bridge consumes.
type Handle interface {
	// Initialize connects to the bus and returns this module's manifest.
	Initialize(ctx context.Context) (payload.Payload, error)
	// Interface returns the definition of the named interface.
	Interface(ctx context.Context, name string) (payload.Payload, error)
	// ProvideCommand registers h as the server of meta.
	ProvideCommand(ctx context.Context, meta CommandMeta, h CommandHandler) error
	// SubscribeVariable registers h for values published under meta, where
	// meta.ImplementationID is a requirement id of this module.
	SubscribeVariable(ctx context.Context, meta CommandMeta, h VariableHandler) error
	// CallCommand synchronously invokes a command on the implementation
	// connected to requirement implementationID.
	CallCommand(ctx context.Context, implementationID, name string, args payload.Payload) (payload.Payload, error)
	// PublishVariable publishes a value of one of this module's
	// implementations. It does not wait for delivery.
	PublishVariable(ctx context.Context, implementationID, name string, value payload.Payload) error
	// SignalReady marks registration as complete; h runs once the bus
	// declares the module ready.
	SignalReady(ctx context.Context, h ReadyHandler) error
	// Close tears the connection down. No callback runs after Close returns.
	Close() error
}

// RemoteError is a failure reported by the handler of a remote command.
type RemoteError struct {
	ImplementationID string
	Name             string
	Message          string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("command %s.%s failed: %s", e.ImplementationID, e.Name, e.Message)
}
