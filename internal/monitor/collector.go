package monitor

import "github.com/prometheus/client_golang/prometheus"

// DeviceSample is the part of a pooled device the collector reports on.
type DeviceSample struct {
	Group  string
	State  string
	Status string
}

// PoolCollector reads the pool on each scrape so the gauge can never drift
// from the registry.
type PoolCollector struct {
	snapshot func() []DeviceSample
	desc     *prometheus.Desc
}

func NewPoolCollector(snapshot func() []DeviceSample) *PoolCollector {
	return &PoolCollector{
		snapshot: snapshot,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "devices"),
			"Number of pooled devices by group, state and status",
			[]string{"group", "state", "status"},
			nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[DeviceSample]int)
	for _, s := range c.snapshot() {
		counts[s]++
	}
	for s, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), s.Group, s.State, s.Status)
	}
}
