package chargerdemo

import (
	"context"
	"sync"

	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/payload"
	"github.com/vk/evergo/runtime"
	"github.com/zclconf/go-cty/cty"
)

// Meter serves the powermeter interface with a settable reading.
type Meter struct {
	client *runtime.Client

	mu     sync.Mutex
	powerW float64
}

// NewMeter returns a meter reporting powerW.
func NewMeter(powerW float64) *Meter {
	return &Meter{powerW: powerW}
}

// Register implements runtime.Module.
func (m *Meter) Register(mux *runtime.Mux, client *runtime.Client) {
	m.client = client
	mux.Command("main", "read", m.read)
	mux.Ready(m.onReady)
}

func (m *Meter) read(context.Context, map[string]cty.Value) (cty.Value, error) {
	return payload.ToValue(Reading{PowerW: m.Power()})
}

func (m *Meter) onReady(ctx context.Context) {
	if err := m.client.Publish(ctx, "main", "power", m.Power()); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to publish initial reading.", "error", err)
	}
}

// SetPower updates the reading and publishes it.
func (m *Meter) SetPower(ctx context.Context, w float64) error {
	m.mu.Lock()
	m.powerW = w
	m.mu.Unlock()
	return m.client.Publish(ctx, "main", "power", w)
}

// Power returns the current reading.
func (m *Meter) Power() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerW
}
