// Package promstats exports xcenter metrics to Prometheus.
package promstats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xcenter"
)

const namespace = "xcenter"

// Source is what the collector reads from; *xcenter.Center satisfies it.
type Source interface {
	Name() string
	GetMetrics() xcenter.Metrics
}

type counter struct {
	desc  *prometheus.Desc
	value func(m xcenter.Metrics) float64
	kind  prometheus.ValueType
}

// Collector implements prometheus.Collector over a center's metrics snapshot.
type Collector struct {
	src     Source
	metrics []counter
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector labelled with the center's name.
func NewCollector(src Source) *Collector {
	labels := prometheus.Labels{"center": src.Name()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	c := func(name, help string, f func(m xcenter.Metrics) float64) counter {
		return counter{desc: desc(name, help), value: f, kind: prometheus.CounterValue}
	}
	g := func(name, help string, f func(m xcenter.Metrics) float64) counter {
		return counter{desc: desc(name, help), value: f, kind: prometheus.GaugeValue}
	}

	return &Collector{
		src: src,
		metrics: []counter{
			c("accepted_total", "Envelopes accepted by Send.", func(m xcenter.Metrics) float64 { return float64(m.Accepted) }),
			c("rejected_total", "Envelopes rejected by Send.", func(m xcenter.Metrics) float64 { return float64(m.Rejected) }),
			c("replaced_total", "Pending envelopes discarded by replacing sends.", func(m xcenter.Metrics) float64 { return float64(m.Replaced) }),
			c("cycles_total", "Dispatch cycles completed.", func(m xcenter.Metrics) float64 { return float64(m.Cycles) }),
			c("deliveries_total", "Synchronous receiver invocations.", func(m xcenter.Metrics) float64 { return float64(m.Deliveries) }),
			c("async_deliveries_total", "Asynchronous receiver invocations.", func(m xcenter.Metrics) float64 { return float64(m.AsyncDeliveries) }),
			c("dropped_total", "Envelopes dispatched to channels without receivers.", func(m xcenter.Metrics) float64 { return float64(m.Dropped) }),
			c("changed_total", "Deliveries that reported a state change.", func(m xcenter.Metrics) float64 { return float64(m.Changed) }),
			c("receiver_panics_total", "Receiver panics recovered by the dispatcher.", func(m xcenter.Metrics) float64 { return float64(m.Panics) }),
			c("completions_total", "Completion signals delivered.", func(m xcenter.Metrics) float64 { return float64(m.Completions) }),
			c("events_dropped_total", "Observer events dropped on a full buffer.", func(m xcenter.Metrics) float64 { return float64(m.EventsDropped) }),
			g("pending", "Envelopes queued for the next cycle.", func(m xcenter.Metrics) float64 { return float64(m.Pending) }),
			g("cycle_seconds_avg", "Moving average of dispatch cycle duration.", func(m xcenter.Metrics) float64 { return m.AvgCycleTimeMs / 1e3 }),
		},
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.src.GetMetrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snapshot))
	}
}

// Register creates a collector for src and registers it with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func Register(reg prometheus.Registerer, src Source) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := NewCollector(src)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
