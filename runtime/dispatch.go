package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/payload"
	"github.com/zclconf/go-cty/cty"
)

// dispatchTable maps every registered key to the interface that declared it.
// It is built completely before publication and never modified.
type dispatchTable struct {
	commands  map[bus.CommandMeta]string
	variables map[bus.CommandMeta]string
}

func newDispatchTable(m *manifest.Manifest, ifaces map[string]*manifest.Interface) *dispatchTable {
	t := &dispatchTable{
		commands:  make(map[bus.CommandMeta]string),
		variables: make(map[bus.CommandMeta]string),
	}
	for id, impl := range m.Provides {
		for _, name := range ifaces[impl.Interface].Cmds.Names() {
			t.commands[bus.CommandMeta{ImplementationID: id, Name: name}] = impl.Interface
		}
	}
	for id, req := range m.Requires {
		for _, name := range ifaces[req.Interface].Vars.Names() {
			t.variables[bus.CommandMeta{ImplementationID: id, Name: name}] = req.Interface
		}
	}
	return t
}

func (t *dispatchTable) commandKeys() []bus.CommandMeta {
	return sortedKeys(t.commands)
}

func (t *dispatchTable) variableKeys() []bus.CommandMeta {
	return sortedKeys(t.variables)
}

func sortedKeys(m map[bus.CommandMeta]string) []bus.CommandMeta {
	keys := make([]bus.CommandMeta, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortMetas(keys)
	return keys
}

// route checks meta against the registered keys of kind and returns the
// bound subscriber.
func (r *Runtime) route(meta bus.CommandMeta, kind Kind) (Subscriber, error) {
	table := r.table.Load()
	if table == nil {
		return nil, internalf("%s %s dispatched before registration", kind, meta)
	}
	keys := table.commands
	if kind == KindVariable {
		keys = table.variables
	}
	if _, ok := keys[meta]; !ok {
		return nil, internalf("no %s registered for %s", kind, meta)
	}
	slot := r.sub.Load()
	if slot == nil {
		return nil, internalf("%s %s dispatched without a subscriber", kind, meta)
	}
	return slot.sub, nil
}

// handleCommand is the bus.CommandHandler registered for every provided
// command.
func (r *Runtime) handleCommand(ctx context.Context, meta bus.CommandMeta, args payload.Payload) (res payload.Payload, err error) {
	start := time.Now()
	ctx = ctxlog.WithLogger(ctx, r.logger.With("impl", meta.ImplementationID, "cmd", meta.Name))
	logger := ctxlog.FromContext(ctx)
	defer func() {
		r.observer.Observe(KindCommand, meta, time.Since(start), err)
		if err != nil {
			logger.Warn("Command failed.", "error", err)
		}
	}()

	sub, err := r.route(meta, KindCommand)
	if err != nil {
		return nil, err
	}
	decoded, err := payload.DecodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", meta, err)
	}

	logger.Debug("Dispatching command.", "args", len(decoded))
	value, err := invokeCommand(ctx, sub, meta, decoded)
	if err != nil {
		return nil, err
	}

	res, err = payload.EncodeValue(value)
	if err != nil {
		return nil, internalf("command %s: encode result: %w", meta, err)
	}
	return res, nil
}

// handleVariable is the bus.VariableHandler registered for every variable of
// every requirement.
func (r *Runtime) handleVariable(ctx context.Context, meta bus.CommandMeta, value payload.Payload) (err error) {
	start := time.Now()
	ctx = ctxlog.WithLogger(ctx, r.logger.With("impl", meta.ImplementationID, "var", meta.Name))
	logger := ctxlog.FromContext(ctx)
	defer func() {
		r.observer.Observe(KindVariable, meta, time.Since(start), err)
		if err != nil {
			logger.Error("Variable delivery failed.", "error", err)
		}
	}()

	sub, err := r.route(meta, KindVariable)
	if err != nil {
		return err
	}
	decoded, err := payload.DecodeValue(value)
	if err != nil {
		return fmt.Errorf("variable %s: %w", meta, err)
	}
	return invokeVariable(ctx, sub, meta, decoded)
}

// onReady is the bus.ReadyHandler passed to SignalReady.
func (r *Runtime) onReady(ctx context.Context) {
	ctx = ctxlog.WithLogger(ctx, r.logger)
	slot := r.sub.Load()
	if slot == nil {
		r.logger.Warn("Ready signal after close, ignoring.")
		return
	}
	r.ready.Store(true)
	r.logger.Info("Module ready.")

	notifier, ok := slot.sub.(ReadyNotifier)
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Ready handler panicked.", "panic", p)
		}
	}()
	notifier.OnReady(ctx)
}

func invokeCommand(ctx context.Context, sub Subscriber, meta bus.CommandMeta, args map[string]cty.Value) (v cty.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = internalf("command %s: handler panicked: %v", meta, p)
		}
	}()
	return sub.HandleCommand(ctx, meta.ImplementationID, meta.Name, args)
}

func invokeVariable(ctx context.Context, sub Subscriber, meta bus.CommandMeta, value cty.Value) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = internalf("variable %s: handler panicked: %v", meta, p)
		}
	}()
	return sub.HandleVariable(ctx, meta.ImplementationID, meta.Name, value)
}
