package sockbus

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vk/evergo/payload"
)

// Event names exchanged with the hub.
const (
	eventRequest       = "request"
	eventResponse      = "response"
	eventCommand       = "command"
	eventCommandResult = "command_result"
	eventVariable      = "variable"
	eventPublish       = "publish"
	eventReady         = "ready"
)

// Request operations carried in the op field of a request envelope.
const (
	opInitialize  = "initialize"
	opInterface   = "interface"
	opProvide     = "provide"
	opSubscribe   = "subscribe"
	opCall        = "call"
	opSignalReady = "signal_ready"
)

// request is emitted for every operation that expects a response.
type request struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	Module  string `json:"module"`
	Impl    string `json:"impl,omitempty"`
	Name    string `json:"name,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// response answers a request with the same id.
type response struct {
	ID      string `json:"id" validate:"required"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// command asks this module to serve one of its provided commands.
type command struct {
	ID      string `json:"id" validate:"required"`
	Impl    string `json:"impl" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Payload string `json:"payload"`
}

// commandResult answers a command.
type commandResult struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// variable delivers a published value to one of this module's requirements.
// With Module set it is also what this module emits to publish.
type variable struct {
	Module  string `json:"module,omitempty"`
	Impl    string `json:"impl" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Payload string `json:"payload"`
}

// decodeEvent converts the first argument of an inbound event into T. The
// hub may send either a JSON object or its text form.
func decodeEvent[T any](args []any) (T, error) {
	var zero T
	if len(args) == 0 {
		return zero, fmt.Errorf("event without data")
	}
	var raw []byte
	switch v := args[0].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("re-encode event data: %w", err)
		}
		raw = b
	}
	return payload.Decode[T](raw)
}

// body returns the payload text, treating an empty string as null.
func body(s string) payload.Payload {
	if s == "" {
		return payload.Payload("null")
	}
	return payload.Payload(s)
}
