package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/payload"
	"github.com/zclconf/go-cty/cty"
)

// Client issues outbound calls and publishes. It holds one reference to the
// shared bus handle.
type Client struct {
	shared   *bus.Shared
	logger   *slog.Logger
	observer Observer

	// closed is set before the handle reference is released.
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newClient(shared *bus.Shared, logger *slog.Logger, observer Observer) *Client {
	return &Client{shared: shared, logger: logger, observer: observer}
}

// Call invokes the command name on the implementation connected to the
// requirement implementationID and returns its result as a dynamic value.
// args may be any value Encode accepts; nil sends an empty argument object.
func (c *Client) Call(ctx context.Context, implementationID, name string, args any) (cty.Value, error) {
	res, err := c.CallRaw(ctx, implementationID, name, args)
	if err != nil {
		return cty.NilVal, err
	}
	return payload.DecodeValue(res)
}

// CallRaw is Call without decoding the result.
func (c *Client) CallRaw(ctx context.Context, implementationID, name string, args any) (res payload.Payload, err error) {
	meta := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	start := time.Now()
	defer func() {
		c.observer.Observe(KindCall, meta, time.Since(start), err)
	}()

	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	p, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", meta, err)
	}
	c.logger.Debug("Calling command.", "impl", implementationID, "cmd", name)
	return c.shared.Handle().CallCommand(ctx, implementationID, name, p)
}

// Publish publishes value as the variable name of this module's
// implementation implementationID.
func (c *Client) Publish(ctx context.Context, implementationID, name string, value any) (err error) {
	meta := bus.CommandMeta{ImplementationID: implementationID, Name: name}
	start := time.Now()
	defer func() {
		c.observer.Observe(KindPublish, meta, time.Since(start), err)
	}()

	if c.closed.Load() {
		return bus.ErrClosed
	}
	p, err := payload.Encode(value)
	if err != nil {
		return fmt.Errorf("publish %s: %w", meta, err)
	}
	return c.shared.Handle().PublishVariable(ctx, implementationID, name, p)
}

// Close releases the client's handle reference. The handle itself is closed
// with the last reference. Calls and publishes on a closed client fail with
// bus.ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.shared.Release()
	})
	return c.closeErr
}

// CallCommand calls a command and decodes its result into R.
func CallCommand[R any](ctx context.Context, c *Client, implementationID, name string, args any) (R, error) {
	var zero R
	res, err := c.CallRaw(ctx, implementationID, name, args)
	if err != nil {
		return zero, err
	}
	return payload.Decode[R](res)
}

func encodeArgs(args any) (payload.Payload, error) {
	if args == nil {
		return payload.Payload("{}"), nil
	}
	return payload.Encode(args)
}
