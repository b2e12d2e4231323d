package runtime

import (
	"context"

	"github.com/zclconf/go-cty/cty"
)

// Subscriber handles every command and variable the Runtime registers. It
// knows nothing about the concrete module; calls arrive keyed by
// implementation id and name with dynamically typed values.
//
// Implementations must be safe for concurrent use: the bus may deliver any
// key, including the same key, on several goroutines at once.
type Subscriber interface {
	// HandleCommand serves the command name of implementationID. The
	// returned value is the result of the call; a returned error is relayed
	// to the caller.
	HandleCommand(ctx context.Context, implementationID, name string, args map[string]cty.Value) (cty.Value, error)

	// HandleVariable receives a value published to the requirement
	// implementationID.
	HandleVariable(ctx context.Context, implementationID, name string, value cty.Value) error
}

// ReadyNotifier is implemented by Subscribers that want to know when the bus
// declared the module ready.
type ReadyNotifier interface {
	OnReady(ctx context.Context)
}

// Module is a unit of handler code that registers itself on a Mux. The
// client lets it call other modules and publish its own variables.
type Module interface {
	Register(mux *Mux, client *Client)
}
