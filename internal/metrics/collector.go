package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes Manager totals to Prometheus. Counters become
// <namespace>_<name>; summaries become <namespace>_<name>_count and _sum.
// Names are only known once emitted, so the collector is unchecked.
type Collector struct {
	m         *Manager
	namespace string
	timeout   time.Duration
}

// NewCollector returns a Collector reading m.
func NewCollector(m *Manager, namespace string) *Collector {
	return &Collector{m: m, namespace: namespace, timeout: 2 * time.Second}
}

// Describe sends nothing, marking the collector unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect emits the current snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counters, summaries, err := c.m.Snapshot(ctx)
	if err != nil {
		c.m.cfg.Logger.Warn("collect", "domain", "metrics", "error", err)
		return
	}
	for name, v := range counters {
		desc := prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name), "Persisted application counter.", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	for name, s := range summaries {
		desc := prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name), "Persisted application summary.", nil, nil)
		ch <- prometheus.MustNewConstSummary(desc, uint64(s.Count), float64(s.Sum), nil)
	}
	dropped := prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "metrics", "dropped_events_total"), "Metric events dropped because the queue was full.", nil, nil)
	ch <- prometheus.MustNewConstMetric(dropped, prometheus.CounterValue, float64(c.m.Dropped()))
}

var _ prometheus.Collector = (*Collector)(nil)
