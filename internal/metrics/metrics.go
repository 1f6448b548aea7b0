// Package metrics exposes Prometheus metrics for the guard engines and
// the host bridge.
//
// A nil *Collector is valid and records nothing, so engines can be
// built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scienceol/killswitch/internal/host"
)

const namespace = "killswitch"

// Collector owns the metric vectors and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	queries       *prometheus.CounterVec
	failsafeTrips *prometheus.CounterVec
	inputFailures *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	sleepAllowed  *prometheus.GaugeVec
	connected     prometheus.Gauge
}

// NewCollector registers all metrics on registry. A nil registry gets
// a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspend_queries_total",
			Help:      "Suspend queries answered, by engine and verdict.",
		}, []string{"engine", "verdict"}),
		failsafeTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failsafe_trips_total",
			Help:      "Times the consecutive-denial ceiling forced a suspend through.",
		}, []string{"engine"}),
		inputFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_read_failures_total",
			Help:      "Input snapshot reads that failed and were resolved by failing open.",
		}, []string{"engine"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "power_transitions_total",
			Help:      "Power-switch transitions processed.",
		}, []string{"engine", "transition"}),
		sleepAllowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sleep_allowed",
			Help:      "1 when the engine currently allows suspend, 0 while inhibiting.",
		}, []string{"engine"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connected",
			Help:      "1 while the host bridge has a live connection.",
		}),
	}

	registry.MustRegister(
		c.queries,
		c.failsafeTrips,
		c.inputFailures,
		c.transitions,
		c.sleepAllowed,
		c.connected,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Query(engine string, v host.Verdict) {
	if c == nil {
		return
	}
	c.queries.WithLabelValues(engine, v.String()).Inc()
}

func (c *Collector) FailsafeTripped(engine string) {
	if c == nil {
		return
	}
	c.failsafeTrips.WithLabelValues(engine).Inc()
}

func (c *Collector) InputReadFailed(engine string) {
	if c == nil {
		return
	}
	c.inputFailures.WithLabelValues(engine).Inc()
}

func (c *Collector) Transition(engine string, t host.Transition) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(engine, t.String()).Inc()
}

func (c *Collector) SleepAllowed(engine string, allowed bool) {
	if c == nil {
		return
	}
	v := 0.0
	if allowed {
		v = 1
	}
	c.sleepAllowed.WithLabelValues(engine).Set(v)
}

func (c *Collector) Connected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}
