package chargerdemo

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/payload"
	"github.com/vk/evergo/runtime"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Charger statuses published on charger.status.
const (
	StatusIdle     = "Idle"
	StatusCharging = "Charging"
)

// Charger serves the power interface.
type Charger struct {
	client *runtime.Client

	mu     sync.Mutex
	status string
	limit  int
	powerW float64
}

type startArgs struct {
	Limit  int    `json:"limit" validate:"required,gt=0,lte=80"`
	Phases string `json:"phases,omitempty" validate:"omitempty,oneof=single three"`
}

// NewCharger returns an idle charger.
func NewCharger() *Charger {
	return &Charger{status: StatusIdle}
}

// Register implements runtime.Module.
func (c *Charger) Register(mux *runtime.Mux, client *runtime.Client) {
	c.client = client
	mux.Command("charger", "start", c.start)
	mux.Command("charger", "stop", c.stop)
	mux.Variable("meter", "power", c.onPower)
	mux.Ready(c.onReady)
}

func (c *Charger) start(ctx context.Context, args map[string]cty.Value) (cty.Value, error) {
	in, err := runtime.BindArgs[startArgs](args)
	if err != nil {
		return cty.NilVal, err
	}
	reading, err := runtime.CallCommand[Reading](ctx, c.client, "meter", "read", nil)
	if err != nil {
		return cty.NilVal, fmt.Errorf("read meter: %w", err)
	}

	c.mu.Lock()
	c.status = StatusCharging
	c.limit = in.Limit
	c.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Charging started.", "limit", in.Limit, "power_w", reading.PowerW)
	if err := c.client.Publish(ctx, "charger", "status", StatusCharging); err != nil {
		return cty.NilVal, err
	}
	return payload.ToValue(map[string]any{
		"accepted": true,
		"limit":    in.Limit,
		"power_w":  reading.PowerW,
	})
}

func (c *Charger) stop(ctx context.Context, _ map[string]cty.Value) (cty.Value, error) {
	c.mu.Lock()
	c.status = StatusIdle
	c.limit = 0
	c.mu.Unlock()

	if err := c.client.Publish(ctx, "charger", "status", StatusIdle); err != nil {
		return cty.NilVal, err
	}
	return cty.True, nil
}

func (c *Charger) onPower(ctx context.Context, v cty.Value) error {
	var w float64
	if err := gocty.FromCtyValue(v, &w); err != nil {
		return fmt.Errorf("meter.power: %w", err)
	}
	c.mu.Lock()
	c.powerW = w
	c.mu.Unlock()
	ctxlog.FromContext(ctx).Debug("Meter reading received.", "power_w", w)
	return nil
}

func (c *Charger) onReady(ctx context.Context) {
	if err := c.client.Publish(ctx, "charger", "status", c.Status()); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to publish initial status.", "error", err)
	}
}

// Status returns the current charging status.
func (c *Charger) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Limit returns the active current limit, 0 when idle.
func (c *Charger) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// PowerW returns the last power reading received from the meter.
func (c *Charger) PowerW() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerW
}
