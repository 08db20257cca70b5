package telemetry

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotCollector exports a map of named values read at scrape time.
// Names ending in _total are counters, everything else is a gauge.
type SnapshotCollector struct {
	namespace string
	subsystem string
	snapshot  func() map[string]float64
	descs     map[string]*prometheus.Desc
	names     []string
}

func NewSnapshotCollector(namespace, subsystem string, snapshot func() map[string]float64) *SnapshotCollector {
	c := &SnapshotCollector{
		namespace: namespace,
		subsystem: subsystem,
		snapshot:  snapshot,
		descs:     make(map[string]*prometheus.Desc),
	}
	for name := range snapshot() {
		c.names = append(c.names, name)
		c.descs[name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			strings.ReplaceAll(subsystem+" "+name, "_", " "),
			nil, nil,
		)
	}
	sort.Strings(c.names)
	return c
}

func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, name := range c.names {
		ch <- c.descs[name]
	}
}

func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	values := c.snapshot()
	for _, name := range c.names {
		kind := prometheus.GaugeValue
		if strings.HasSuffix(name, "_total") {
			kind = prometheus.CounterValue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[name], kind, values[name])
	}
}
