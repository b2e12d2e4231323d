package localbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/bus/localbus"
	"github.com/vk/evergo/internal/config"
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/payload"
	"github.com/vk/evergo/runtime"
	"github.com/zclconf/go-cty/cty"
)

const deployment = `
module "charger_1" {
  module = "ChargerDemo"
  connect "meter" {
    module         = "meter_1"
    implementation = "main"
  }
}

module "charger_2" {
  module = "ChargerDemo"
  connect "meter" {
    module         = "meter_1"
    implementation = "main"
  }
}

module "meter_1" {
  module = "MeterDemo"
}
`

func testCatalog() *manifest.Catalog {
	c := manifest.NewCatalog()
	c.AddManifest("ChargerDemo", &manifest.Manifest{
		Provides: map[string]manifest.Implementation{"charger": {Interface: "power"}},
		Requires: map[string]manifest.Requirement{"meter": {Interface: "powermeter", MinConnections: 1}},
	})
	c.AddManifest("MeterDemo", &manifest.Manifest{
		Provides: map[string]manifest.Implementation{"main": {Interface: "powermeter"}},
	})
	c.AddInterface(&manifest.Interface{
		Name: "power",
		Cmds: manifest.NameSet{"start": nil},
		Vars: manifest.NameSet{"status": nil},
	})
	c.AddInterface(&manifest.Interface{
		Name: "powermeter",
		Cmds: manifest.NameSet{"read": nil},
		Vars: manifest.NameSet{"power": nil},
	})
	return c
}

func newHub(t *testing.T, src string) *localbus.Hub {
	t.Helper()
	d, err := config.Parse([]byte(src), "deploy.hcl")
	require.NoError(t, err)
	hub, err := localbus.NewHub(testCatalog(), d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func bindModule(t *testing.T, hub *localbus.Hub, id string, mux *runtime.Mux) *runtime.Runtime {
	t.Helper()
	h, err := hub.Connect(id)
	require.NoError(t, err)
	rt := runtime.New(h)
	t.Cleanup(func() { _ = rt.Close() })
	require.NoError(t, rt.Bind(context.Background(), mux))
	return rt
}

func TestHub_CallRoutesAlongConnection(t *testing.T) {
	hub := newHub(t, deployment)

	meter := runtime.NewMux()
	meter.Command("main", "read", func(context.Context, map[string]cty.Value) (cty.Value, error) {
		return cty.NumberIntVal(230), nil
	})
	bindModule(t, hub, "meter_1", meter)
	charger := bindModule(t, hub, "charger_1", runtime.NewMux())

	v, err := runtime.CallCommand[int](context.Background(), charger.Client, "meter", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, 230, v)
}

func TestHub_RemoteErrorRelayed(t *testing.T) {
	hub := newHub(t, deployment)

	meter := runtime.NewMux()
	meter.Command("main", "read", func(_ context.Context, args map[string]cty.Value) (cty.Value, error) {
		_, err := runtime.Arg[int](args, "channel")
		return cty.NilVal, err
	})
	bindModule(t, hub, "meter_1", meter)
	charger := bindModule(t, hub, "charger_1", runtime.NewMux())

	_, err := charger.Call(context.Background(), "meter", "read", nil)
	var remote *bus.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "meter", remote.ImplementationID)
	assert.Equal(t, "read", remote.Name)
	assert.Contains(t, remote.Message, "missing argument to command call: 'channel'")
}

func TestHub_PublishFansOut(t *testing.T) {
	hub := newHub(t, deployment)

	got := make(chan string, 2)
	for _, id := range []string{"charger_1", "charger_2"} {
		mux := runtime.NewMux()
		mux.Variable("meter", "power", func(_ context.Context, v cty.Value) error {
			f, _ := v.AsBigFloat().Float64()
			if f != 7.5 {
				return errors.New("unexpected value")
			}
			got <- id
			return nil
		})
		bindModule(t, hub, id, mux)
	}
	meter := bindModule(t, hub, "meter_1", runtime.NewMux())

	require.NoError(t, meter.Publish(context.Background(), "main", "power", 7.5))

	var received []string
	for range 2 {
		select {
		case id := <-got:
			received = append(received, id)
		case <-time.After(2 * time.Second):
			t.Fatal("variable was not delivered")
		}
	}
	assert.ElementsMatch(t, []string{"charger_1", "charger_2"}, received)
}

func TestHub_ReadyBarrier(t *testing.T) {
	hub := newHub(t, deployment)

	c1 := bindModule(t, hub, "charger_1", runtime.NewMux())
	c2 := bindModule(t, hub, "charger_2", runtime.NewMux())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c1.Ready(), "not every module signalled yet")

	m := bindModule(t, hub, "meter_1", runtime.NewMux())
	require.Eventually(t, func() bool {
		return c1.Ready() && c2.Ready() && m.Ready()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CloseCancelsBlockedDelivery(t *testing.T) {
	hub := newHub(t, deployment)

	started := make(chan struct{})
	mux := runtime.NewMux()
	mux.Ready(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	m := bindModule(t, hub, "meter_1", mux)
	bindModule(t, hub, "charger_1", runtime.NewMux())
	bindModule(t, hub, "charger_2", runtime.NewMux())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler did not run")
	}

	done := make(chan error, 1)
	go func() { done <- errors.Join(m.Close(), hub.Close()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a running delivery")
	}
}

func TestHub_ReentrantCall(t *testing.T) {
	hub := newHub(t, deployment)

	var meterRT *runtime.Runtime
	meter := runtime.NewMux()
	meter.Command("main", "read", func(ctx context.Context, _ map[string]cty.Value) (cty.Value, error) {
		// Publishing from inside a command must not block the caller.
		if err := meterRT.Publish(ctx, "main", "power", 1); err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal("ok"), nil
	})
	meterRT = bindModule(t, hub, "meter_1", meter)

	charger := runtime.NewMux()
	delivered := make(chan struct{}, 1)
	charger.Variable("meter", "power", func(context.Context, cty.Value) error {
		delivered <- struct{}{}
		return nil
	})
	chargerRT := bindModule(t, hub, "charger_1", charger)

	v, err := chargerRT.Call(context.Background(), "meter", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v.AsString())
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("variable published during a call was not delivered")
	}
}

func TestHub_CloseWaitsForInflight(t *testing.T) {
	hub := newHub(t, deployment)

	started := make(chan struct{})
	release := make(chan struct{})
	meter := runtime.NewMux()
	meter.Command("main", "read", func(context.Context, map[string]cty.Value) (cty.Value, error) {
		close(started)
		<-release
		return cty.True, nil
	})
	bindModule(t, hub, "meter_1", meter)
	charger := bindModule(t, hub, "charger_1", runtime.NewMux())

	go func() { _, _ = charger.Call(context.Background(), "meter", "read", nil) }()
	<-started

	closed := make(chan struct{})
	go func() {
		_ = hub.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the handler finished")
	}

	_, err := charger.Call(context.Background(), "meter", "read", nil)
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestHub_CallErrors(t *testing.T) {
	hub := newHub(t, deployment)
	ctx := context.Background()

	charger, err := hub.Connect("charger_1")
	require.NoError(t, err)

	_, err = charger.CallCommand(ctx, "meter", "read", payload.Payload("{}"))
	require.ErrorIs(t, err, localbus.ErrNotConnected, "meter_1 has no handle yet")

	meterHandle, err := hub.Connect("meter_1")
	require.NoError(t, err)
	_, err = charger.CallCommand(ctx, "meter", "read", payload.Payload("{}"))
	require.ErrorIs(t, err, localbus.ErrNotConnected, "meter_1 registered no handler")

	_, err = charger.CallCommand(ctx, "grid", "read", payload.Payload("{}"))
	require.ErrorContains(t, err, `requirement "grid" is not connected`)

	require.Error(t, meterHandle.PublishVariable(ctx, "aux", "power", payload.Payload("1")))
	require.Error(t, charger.ProvideCommand(ctx, bus.CommandMeta{ImplementationID: "meter", Name: "read"}, nil))
	require.Error(t, charger.SubscribeVariable(ctx, bus.CommandMeta{ImplementationID: "charger", Name: "status"}, nil))
}

func TestHub_Connect(t *testing.T) {
	hub := newHub(t, deployment)

	_, err := hub.Connect("charger_1")
	require.NoError(t, err)
	_, err = hub.Connect("charger_1")
	require.ErrorContains(t, err, "already connected")
	_, err = hub.Connect("ghost")
	require.Error(t, err)

	require.NoError(t, hub.Close())
	_, err = hub.Connect("charger_2")
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestNewHub_Validation(t *testing.T) {
	cases := map[string]string{
		"unknown type": `module "a" { module = "Nope" }`,
		"unknown requirement": `
module "m" { module = "MeterDemo" }
module "c" {
  module = "ChargerDemo"
  connect "grid" {
    module         = "m"
    implementation = "main"
  }
}`,
		"unknown implementation": `
module "m" { module = "MeterDemo" }
module "c" {
  module = "ChargerDemo"
  connect "meter" {
    module         = "m"
    implementation = "aux"
  }
}`,
		"interface mismatch": `
module "c2" { module = "ChargerDemo" }
module "c" {
  module = "ChargerDemo"
  connect "meter" {
    module         = "c2"
    implementation = "charger"
  }
}`,
		"required connection missing": `module "c" { module = "ChargerDemo" }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := config.Parse([]byte(src), "deploy.hcl")
			require.NoError(t, err)
			_, err = localbus.NewHub(testCatalog(), d)
			require.Error(t, err)
		})
	}
}
