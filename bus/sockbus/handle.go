// Package sockbus connects a module to a remote bus hub over socket.io.
//
// Every operation that needs an answer is emitted as a "request" event
// carrying a fresh id; the hub replies with a "response" event echoing it.
// The hub pushes "command", "variable" and "ready" events, which run on
// their own goroutines so that a handler may call back into the bus.
package sockbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/payload"
)

// ErrTimeout is returned when the hub does not answer a request in time.
var ErrTimeout = errors.New("bus request timed out")

// transport is the part of a socket.io client the handle uses.
type transport interface {
	On(event string, fn func(args ...any))
	Emit(event string, data any) error
	Close()
}

// Handle is a bus.Handle talking to a remote hub.
type Handle struct {
	t       transport
	module  string
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[string]chan response
	commands  map[bus.CommandMeta]bus.CommandHandler
	variables map[bus.CommandMeta]bus.VariableHandler
	ready     bus.ReadyHandler
	closed    bool

	inflight sync.WaitGroup
}

var _ bus.Handle = (*Handle)(nil)

func newHandle(t transport, module string, logger *slog.Logger, timeout time.Duration) *Handle {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handle{
		t:         t,
		module:    module,
		logger:    logger.With("module", module),
		timeout:   timeout,
		pending:   make(map[string]chan response),
		commands:  make(map[bus.CommandMeta]bus.CommandHandler),
		variables: make(map[bus.CommandMeta]bus.VariableHandler),
	}
	h.ctx, h.cancel = context.WithCancel(ctxlog.WithLogger(context.Background(), h.logger))

	t.On(eventResponse, h.onResponse)
	t.On(eventCommand, h.onCommand)
	t.On(eventVariable, h.onVariable)
	t.On(eventReady, h.onReady)
	return h
}

func (h *Handle) Initialize(ctx context.Context) (payload.Payload, error) {
	return h.request(ctx, request{Op: opInitialize})
}

func (h *Handle) Interface(ctx context.Context, name string) (payload.Payload, error) {
	return h.request(ctx, request{Op: opInterface, Name: name})
}

func (h *Handle) ProvideCommand(ctx context.Context, meta bus.CommandMeta, fn bus.CommandHandler) error {
	h.mu.Lock()
	h.commands[meta] = fn
	h.mu.Unlock()
	_, err := h.request(ctx, request{Op: opProvide, Impl: meta.ImplementationID, Name: meta.Name})
	return err
}

func (h *Handle) SubscribeVariable(ctx context.Context, meta bus.CommandMeta, fn bus.VariableHandler) error {
	h.mu.Lock()
	h.variables[meta] = fn
	h.mu.Unlock()
	_, err := h.request(ctx, request{Op: opSubscribe, Impl: meta.ImplementationID, Name: meta.Name})
	return err
}

func (h *Handle) CallCommand(ctx context.Context, implementationID, name string, args payload.Payload) (payload.Payload, error) {
	res, err := h.request(ctx, request{Op: opCall, Impl: implementationID, Name: name, Payload: string(args)})
	var remote *remoteFailure
	if errors.As(err, &remote) {
		return nil, &bus.RemoteError{ImplementationID: implementationID, Name: name, Message: remote.msg}
	}
	return res, err
}

func (h *Handle) PublishVariable(ctx context.Context, implementationID, name string, value payload.Payload) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.t.Emit(eventPublish, variable{Module: h.module, Impl: implementationID, Name: name, Payload: string(value)})
}

func (h *Handle) SignalReady(ctx context.Context, fn bus.ReadyHandler) error {
	h.mu.Lock()
	h.ready = fn
	h.mu.Unlock()
	_, err := h.request(ctx, request{Op: opSignalReady})
	return err
}

// Close fails pending requests, waits for running callbacks and disconnects.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := h.pending
	h.pending = make(map[string]chan response)
	h.mu.Unlock()

	for id, ch := range pending {
		ch <- response{ID: id, Error: bus.ErrClosed.Error()}
	}
	h.cancel()
	h.inflight.Wait()
	h.t.Close()
	h.logger.Debug("Bus connection closed.")
	return nil
}

// remoteFailure is an error string relayed by the hub.
type remoteFailure struct {
	msg string
}

func (e *remoteFailure) Error() string {
	return e.msg
}

func (h *Handle) request(ctx context.Context, req request) (payload.Payload, error) {
	req.ID = uuid.NewString()
	req.Module = h.module
	ch := make(chan response, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, bus.ErrClosed
	}
	h.pending[req.ID] = ch
	h.mu.Unlock()
	defer h.forget(req.ID)

	h.logger.Debug("Sending request.", "op", req.Op, "id", req.ID, "impl", req.Impl, "name", req.Name)
	if err := h.t.Emit(eventRequest, req); err != nil {
		return nil, fmt.Errorf("emit %s request: %w", req.Op, err)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Error != "" {
			if res.Error == bus.ErrClosed.Error() {
				return nil, bus.ErrClosed
			}
			return nil, &remoteFailure{msg: res.Error}
		}
		return body(res.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Op, h.timeout)
	}
}

func (h *Handle) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *Handle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return bus.ErrClosed
	}
	return nil
}

func (h *Handle) onResponse(args ...any) {
	res, err := decodeEvent[response](args)
	if err != nil {
		h.logger.Warn("Dropping malformed response.", "error", err)
		return
	}
	h.mu.Lock()
	ch, ok := h.pending[res.ID]
	delete(h.pending, res.ID)
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("Response for unknown request.", "id", res.ID)
		return
	}
	ch <- res
}

func (h *Handle) onCommand(args ...any) {
	cmd, err := decodeEvent[command](args)
	if err != nil {
		h.logger.Warn("Dropping malformed command.", "error", err)
		return
	}
	meta := bus.CommandMeta{ImplementationID: cmd.Impl, Name: cmd.Name}
	h.mu.Lock()
	fn, ok := h.commands[meta]
	h.mu.Unlock()

	h.spawn(func(ctx context.Context) {
		result := commandResult{ID: cmd.ID}
		if !ok {
			result.Error = fmt.Sprintf("no command %s provided by module %q", meta, h.module)
		} else if res, err := fn(ctx, meta, body(cmd.Payload)); err != nil {
			result.Error = err.Error()
		} else {
			result.Payload = string(res)
		}
		if err := h.t.Emit(eventCommandResult, result); err != nil {
			h.logger.Error("Failed to send command result.", "cmd", meta.String(), "error", err)
		}
	})
}

func (h *Handle) onVariable(args ...any) {
	v, err := decodeEvent[variable](args)
	if err != nil {
		h.logger.Warn("Dropping malformed variable.", "error", err)
		return
	}
	meta := bus.CommandMeta{ImplementationID: v.Impl, Name: v.Name}
	h.mu.Lock()
	fn, ok := h.variables[meta]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("Variable without subscription.", "var", meta.String())
		return
	}
	h.spawn(func(ctx context.Context) {
		if err := fn(ctx, meta, body(v.Payload)); err != nil {
			h.logger.Warn("Variable delivery dropped.", "var", meta.String(), "error", err)
		}
	})
}

func (h *Handle) onReady(...any) {
	h.mu.Lock()
	fn := h.ready
	h.mu.Unlock()
	if fn == nil {
		return
	}
	h.spawn(fn)
}

// spawn runs fn on a tracked goroutine unless the handle is closed.
func (h *Handle) spawn(fn func(ctx context.Context)) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.inflight.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.inflight.Done()
		fn(h.ctx)
	}()
}
