// Package metrics counts bus traffic handled by the runtime and exposes it
// in the Prometheus text format.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/evergo/bus"
	"github.com/vk/evergo/runtime"
)

// Collector implements runtime.Observer on its own registry.
type Collector struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	ready      *prometheus.GaugeVec
}

var _ runtime.Observer = (*Collector)(nil)

// NewCollector creates the collectors under namespace ("evergo" when empty).
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "evergo"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "operations_total",
			Help:      "Bus operations handled, by kind and result.",
		},
		[]string{"kind", "impl", "name", "result"},
	)
	c.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in bus operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"kind"},
	)
	c.ready = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "ready",
			Help:      "1 once the bus declared the module ready.",
		},
		[]string{"module"},
	)

	c.registry.MustRegister(c.operations, c.duration, c.ready)
	return c
}

// Observe implements runtime.Observer.
func (c *Collector) Observe(kind runtime.Kind, meta bus.CommandMeta, elapsed time.Duration, err error) {
	c.operations.WithLabelValues(string(kind), meta.ImplementationID, meta.Name, result(err)).Inc()
	c.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// SetReady records the readiness of module.
func (c *Collector) SetReady(module string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	c.ready.WithLabelValues(module).Set(v)
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, runtime.ErrMissingArgument), errors.Is(err, runtime.ErrInvalidArgument):
		return "bad_argument"
	case errors.Is(err, runtime.ErrInternal):
		return "internal"
	}
	var remote *bus.RemoteError
	if errors.As(err, &remote) {
		return "remote"
	}
	return "error"
}
