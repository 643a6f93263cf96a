// Package metrics records handoff outcomes as Prometheus metrics.
//
// A handoff process is short-lived, so metrics are not scraped; they are
// written once as a node-exporter textfile when the process exits.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gosuda.org/handoff"
)

const namespace = "handoff"

// Collector implements handoff.Observer on top of a private registry
type Collector struct {
	registry *prometheus.Registry
	handoffs *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	states   *prometheus.CounterVec
	waits    *prometheus.HistogramVec
}

var _ handoff.Observer = (*Collector)(nil)

// New returns a collector with all metrics registered
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handoffs finished, by role, transport and outcome kind.",
		}, []string{"role", "transport", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved by successful handoffs.",
		}, []string{"role", "transport"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "States entered by the producer and consumer sequences.",
		}, []string{"role", "state"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time spent blocked on a semaphore or stream endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"role", "wait"}),
	}
	c.registry.MustRegister(c.handoffs, c.bytes, c.states, c.waits)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) StateChanged(role handoff.Role, state handoff.State) {
	c.states.WithLabelValues(role.String(), state.String()).Inc()
}

func (c *Collector) Waited(role handoff.Role, what string, d time.Duration) {
	c.waits.WithLabelValues(role.String(), what).Observe(d.Seconds())
}

func (c *Collector) Finished(role handoff.Role, transport handoff.Transport, size int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = handoff.KindName(err)
	}
	c.handoffs.WithLabelValues(role.String(), transport.String(), outcome).Inc()
	if err == nil {
		c.bytes.WithLabelValues(role.String(), transport.String()).Add(float64(size))
	}
}

// WriteTextfile atomically writes the current metrics to path in the text
// exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
