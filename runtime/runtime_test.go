package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/bus/bustest"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/payload"
	"github.com/vk/evergo/runtime"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/errgroup"
)

func chargerManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Provides: map[string]manifest.Implementation{
			"charger":  {Interface: "power"},
			"charger2": {Interface: "power"},
		},
		Requires: map[string]manifest.Requirement{
			"meter": {Interface: "powermeter"},
		},
	}
}

func powerInterface() *manifest.Interface {
	return &manifest.Interface{
		Name: "power",
		Cmds: manifest.NameSet{"start": nil, "stop": nil},
		Vars: manifest.NameSet{"status": nil},
	}
}

func meterInterface() *manifest.Interface {
	return &manifest.Interface{
		Name: "powermeter",
		Cmds: manifest.NameSet{"reset": nil},
		Vars: manifest.NameSet{"power": nil},
	}
}

func newHandle() *bustest.Handle {
	return bustest.New(chargerManifest(), powerInterface(), meterInterface())
}

func meta(impl, name string) bus.CommandMeta {
	return bus.CommandMeta{ImplementationID: impl, Name: name}
}

// recordingSubscriber captures every delivery and answers commands with fn.
type recordingSubscriber struct {
	mu       sync.Mutex
	commands []string
	values   map[string]cty.Value
	fn       func(ctx context.Context, impl, name string, args map[string]cty.Value) (cty.Value, error)
	ready    atomic.Int32
}

func (s *recordingSubscriber) HandleCommand(ctx context.Context, impl, name string, args map[string]cty.Value) (cty.Value, error) {
	s.mu.Lock()
	s.commands = append(s.commands, impl+"."+name)
	s.mu.Unlock()
	if s.fn == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	return s.fn(ctx, impl, name, args)
}

func (s *recordingSubscriber) HandleVariable(_ context.Context, impl, name string, value cty.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]cty.Value)
	}
	s.values[impl+"."+name] = value
	return nil
}

func (s *recordingSubscriber) OnReady(context.Context) {
	s.ready.Add(1)
}

func TestBind_RegistersEveryCommandAndVariable(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	require.NoError(t, rt.Bind(context.Background(), &recordingSubscriber{}))

	assert.Equal(t, []bus.CommandMeta{
		meta("charger", "start"),
		meta("charger", "stop"),
		meta("charger2", "start"),
		meta("charger2", "stop"),
	}, h.Provided())
	assert.Equal(t, []bus.CommandMeta{meta("meter", "power")}, h.Subscribed())
	assert.Equal(t, 1, h.InitCount())
	assert.Equal(t, 1, h.InterfaceFetches("power"), "shared interfaces are fetched once")
	assert.Equal(t, 1, h.InterfaceFetches("powermeter"))
	assert.True(t, rt.Bound())
}

func TestBind_OnlyFirstSubscriberWins(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	ctx := context.Background()

	first := &recordingSubscriber{}
	second := &recordingSubscriber{}
	require.NoError(t, rt.Bind(ctx, first))
	require.NoError(t, rt.Bind(ctx, second))

	assert.Equal(t, 1, h.InitCount())
	assert.Equal(t, 1, h.ProvideCount(meta("charger", "start")))
	assert.Equal(t, 1, h.SubscribeCount(meta("meter", "power")))

	_, err := h.Command(ctx, "charger", "start", payload.Payload("{}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"charger.start"}, first.commands)
	assert.Empty(t, second.commands)
}

func TestBind_ConcurrentCallsRegisterOnce(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			return rt.Bind(context.Background(), &recordingSubscriber{})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, h.InitCount())
	assert.Equal(t, 1, h.ProvideCount(meta("charger2", "stop")))
}

func TestBind_NilSubscriber(t *testing.T) {
	rt := runtime.New(newHandle())
	defer rt.Close()

	err := rt.Bind(context.Background(), nil)
	require.ErrorIs(t, err, runtime.ErrInternal)
	assert.False(t, rt.Bound())
}

func TestBind_ManifestFaultRegistersNothing(t *testing.T) {
	h := bustest.New(&manifest.Manifest{
		Provides: map[string]manifest.Implementation{"charger": {}},
	})
	rt := runtime.New(h)
	defer rt.Close()

	err := rt.Bind(context.Background(), &recordingSubscriber{})
	require.ErrorIs(t, err, manifest.ErrManifest)
	assert.Empty(t, h.Provided())
	assert.Empty(t, h.Subscribed())
	assert.False(t, rt.Bound())

	// The failure is sticky.
	require.ErrorIs(t, rt.Bind(context.Background(), &recordingSubscriber{}), manifest.ErrManifest)
	assert.Equal(t, 1, h.InitCount())
}

func TestBind_InterfaceFetchFailure(t *testing.T) {
	h := newHandle()
	h.InterfaceErr["powermeter"] = errors.New("not found")
	rt := runtime.New(h)
	defer rt.Close()

	err := rt.Bind(context.Background(), &recordingSubscriber{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "powermeter")
	assert.Empty(t, h.Provided())
}

func TestBind_InitializeFailure(t *testing.T) {
	h := newHandle()
	h.InitializeErr = errors.New("connection refused")
	rt := runtime.New(h)
	defer rt.Close()

	err := rt.Bind(context.Background(), &recordingSubscriber{})
	require.ErrorContains(t, err, "connection refused")
}

func TestDispatch_CommandResult(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	ctx := context.Background()

	sub := &recordingSubscriber{
		fn: func(_ context.Context, impl, name string, args map[string]cty.Value) (cty.Value, error) {
			assert.Equal(t, "charger", impl)
			assert.Equal(t, "start", name)
			assert.Empty(t, args)
			return cty.NumberIntVal(42), nil
		},
	}
	require.NoError(t, rt.Bind(ctx, sub))

	res, err := h.Command(ctx, "charger", "start", payload.MustEncode(map[string]any{}))
	require.NoError(t, err)
	got, err := payload.Decode[int](res)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDispatch_ArgumentsReachHandler(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	ctx := context.Background()

	sub := &recordingSubscriber{
		fn: func(_ context.Context, _, _ string, args map[string]cty.Value) (cty.Value, error) {
			limit, err := runtime.Arg[int](args, "limit")
			if err != nil {
				return cty.NilVal, err
			}
			if limit > 10 {
				return cty.StringVal("limited"), nil
			}
			return cty.StringVal("full"), nil
		},
	}
	require.NoError(t, rt.Bind(ctx, sub))

	res, err := h.Command(ctx, "charger", "start", payload.MustEncode(map[string]any{"limit": 16}))
	require.NoError(t, err)
	assert.Equal(t, `"limited"`, res.String())

	_, err = h.Command(ctx, "charger", "start", payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrMissingArgument)

	_, err = h.Command(ctx, "charger", "start", payload.MustEncode(map[string]any{"limit": "high"}))
	require.ErrorIs(t, err, runtime.ErrInvalidArgument)
}

func TestDispatch_MalformedArguments(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	sub := &recordingSubscriber{}
	require.NoError(t, rt.Bind(context.Background(), sub))

	_, err := h.Command(context.Background(), "charger", "start", payload.Payload("[1,2]"))
	require.ErrorIs(t, err, payload.ErrDecode)
	assert.Empty(t, sub.commands, "handler must not run")
}

func TestDispatch_UnknownKey(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	require.NoError(t, rt.Bind(context.Background(), &recordingSubscriber{}))

	fn, ok := h.CommandHandler("charger", "start")
	require.True(t, ok)

	_, err := fn(context.Background(), meta("charger", "explode"), payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrInternal)
	_, err = fn(context.Background(), meta("meter", "start"), payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrInternal)
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	errBusy := errors.New("charger busy")
	sub := &recordingSubscriber{
		fn: func(context.Context, string, string, map[string]cty.Value) (cty.Value, error) {
			return cty.NilVal, errBusy
		},
	}
	require.NoError(t, rt.Bind(context.Background(), sub))

	_, err := h.Command(context.Background(), "charger", "stop", payload.Payload("null"))
	require.ErrorIs(t, err, errBusy)
}

func TestDispatch_UnencodableResult(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	sub := &recordingSubscriber{
		fn: func(context.Context, string, string, map[string]cty.Value) (cty.Value, error) {
			return cty.UnknownVal(cty.String), nil
		},
	}
	require.NoError(t, rt.Bind(context.Background(), sub))

	_, err := h.Command(context.Background(), "charger", "start", payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrInternal)
	require.ErrorIs(t, err, payload.ErrEncode)
}

func TestDispatch_HandlerPanicBecomesInternalError(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	sub := &recordingSubscriber{
		fn: func(context.Context, string, string, map[string]cty.Value) (cty.Value, error) {
			panic("boom")
		},
	}
	require.NoError(t, rt.Bind(context.Background(), sub))

	_, err := h.Command(context.Background(), "charger", "start", payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrInternal)
	assert.Contains(t, err.Error(), "boom")
}

func TestDispatch_Variable(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	sub := &recordingSubscriber{}
	require.NoError(t, rt.Bind(context.Background(), sub))

	require.NoError(t, h.Variable(context.Background(), "meter", "power", payload.Payload("11.5")))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	v := sub.values["meter.power"]
	require.Equal(t, cty.Number, v.Type())
	f, _ := v.AsBigFloat().Float64()
	assert.Equal(t, 11.5, f)
}

func TestDispatch_Concurrent(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()

	var served atomic.Int64
	sub := &recordingSubscriber{
		fn: func(_ context.Context, impl, name string, args map[string]cty.Value) (cty.Value, error) {
			served.Add(1)
			n, err := runtime.Arg[int](args, "n")
			if err != nil {
				return cty.NilVal, err
			}
			return cty.NumberIntVal(int64(n * 2)), nil
		},
	}
	require.NoError(t, rt.Bind(context.Background(), sub))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 64; i++ {
		impl := "charger"
		if i%2 == 1 {
			impl = "charger2"
		}
		g.Go(func() error {
			res, err := h.Command(ctx, impl, "start", payload.MustEncode(map[string]int{"n": i}))
			if err != nil {
				return err
			}
			got, err := payload.Decode[int](res)
			if err != nil {
				return err
			}
			if got != i*2 {
				return errors.New("result routed to the wrong call")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 64, served.Load())
}

func TestDispatch_ReentrantCall(t *testing.T) {
	h := newHandle()
	h.OnCall(func(_ context.Context, impl, name string, _ payload.Payload) (payload.Payload, error) {
		return payload.MustEncode(map[string]any{"impl": impl, "cmd": name}), nil
	})
	rt := runtime.New(h)
	defer rt.Close()

	sub := &recordingSubscriber{
		fn: func(ctx context.Context, _, _ string, _ map[string]cty.Value) (cty.Value, error) {
			return rt.Call(ctx, "meter", "reset", nil)
		},
	}
	require.NoError(t, rt.Bind(context.Background(), sub))

	done := make(chan struct{})
	var res payload.Payload
	var err error
	go func() {
		defer close(done)
		res, err = h.Command(context.Background(), "charger", "start", payload.Payload("{}"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant call deadlocked")
	}
	require.NoError(t, err)
	assert.JSONEq(t, `{"impl":"meter","cmd":"reset"}`, res.String())
}

func TestReady(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	defer rt.Close()
	sub := &recordingSubscriber{}
	require.NoError(t, rt.Bind(context.Background(), sub))
	assert.False(t, rt.Ready())

	require.True(t, h.Ready(context.Background()))
	assert.True(t, rt.Ready())
	assert.EqualValues(t, 1, sub.ready.Load())
}

func TestClient_CallAndPublish(t *testing.T) {
	h := newHandle()
	h.OnCall(func(context.Context, string, string, payload.Payload) (payload.Payload, error) {
		return payload.Payload("7"), nil
	})
	rt := runtime.New(h)
	defer rt.Close()
	ctx := context.Background()

	n, err := runtime.CallCommand[int](ctx, rt.Client, "meter", "reset", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.NoError(t, rt.Publish(ctx, "charger", "status", "Charging"))

	calls := h.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Payload.String())

	published := h.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "charger", published[0].ImplementationID)
	assert.Equal(t, "status", published[0].Name)
	status, err := payload.Decode[string](published[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "Charging", status)
}

func TestClient_RemoteFailure(t *testing.T) {
	h := newHandle()
	h.OnCall(func(_ context.Context, impl, name string, _ payload.Payload) (payload.Payload, error) {
		return nil, &bus.RemoteError{ImplementationID: impl, Name: name, Message: "no power"}
	})
	rt := runtime.New(h)
	defer rt.Close()

	_, err := rt.Call(context.Background(), "meter", "reset", map[string]any{"hard": true})
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no power", remote.Message)
}

func TestClose_DetachesSubscriber(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)
	sub := &recordingSubscriber{}
	require.NoError(t, rt.Bind(context.Background(), sub))

	fn, ok := h.CommandHandler("charger", "start")
	require.True(t, ok)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.False(t, rt.Bound())

	_, err := fn(context.Background(), meta("charger", "start"), payload.Payload("{}"))
	require.ErrorIs(t, err, runtime.ErrInternal)
	assert.Empty(t, sub.commands)

	closed, count := h.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, count)
}

func TestClose_WaitsForClients(t *testing.T) {
	h := newHandle()
	rt := runtime.New(h)

	client, err := rt.NewClient()
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	closed, _ := h.Closed()
	assert.False(t, closed, "handle stays open while a client holds it")

	// The runtime's own client is done even though the handle is still open.
	require.ErrorIs(t, rt.Publish(context.Background(), "charger", "status", "Idle"), bus.ErrClosed)
	_, err = rt.Call(context.Background(), "meter", "reset", nil)
	require.ErrorIs(t, err, bus.ErrClosed)
	_, err = rt.NewClient()
	require.ErrorIs(t, err, bus.ErrClosed)
	assert.Empty(t, h.Published())
	assert.Empty(t, h.Calls())

	require.NoError(t, client.Publish(context.Background(), "charger", "status", "Idle"))
	assert.Len(t, h.Published(), 1)

	require.NoError(t, client.Close())
	closed, count := h.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, count)
	require.ErrorIs(t, client.Publish(context.Background(), "charger", "status", "Idle"), bus.ErrClosed)

	_, err = rt.NewClient()
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestBind_AfterClose(t *testing.T) {
	rt := runtime.New(newHandle())
	require.NoError(t, rt.Close())
	require.ErrorIs(t, rt.Bind(context.Background(), &recordingSubscriber{}), bus.ErrClosed)
}

type countingObserver struct {
	mu    sync.Mutex
	kinds map[runtime.Kind]int
	errs  int
}

func (o *countingObserver) Observe(kind runtime.Kind, _ bus.CommandMeta, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kinds == nil {
		o.kinds = make(map[runtime.Kind]int)
	}
	o.kinds[kind]++
	if err != nil {
		o.errs++
	}
}

func TestObserver(t *testing.T) {
	h := newHandle()
	obs := &countingObserver{}
	rt := runtime.New(h, runtime.WithObserver(obs))
	defer rt.Close()
	ctx := context.Background()
	require.NoError(t, rt.Bind(ctx, &recordingSubscriber{}))

	_, err := h.Command(ctx, "charger", "start", payload.Payload("{}"))
	require.NoError(t, err)
	_, err = h.Command(ctx, "charger", "start", payload.Payload("nope"))
	require.Error(t, err)
	require.NoError(t, h.Variable(ctx, "meter", "power", payload.Payload("1")))
	_, err = rt.Call(ctx, "meter", "reset", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Publish(ctx, "charger", "status", "Idle"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.kinds[runtime.KindCommand])
	assert.Equal(t, 1, obs.kinds[runtime.KindVariable])
	assert.Equal(t, 1, obs.kinds[runtime.KindCall])
	assert.Equal(t, 1, obs.kinds[runtime.KindPublish])
	assert.Equal(t, 1, obs.errs)
}
