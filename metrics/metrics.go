// Package metrics exports allocator statistics to Prometheus.
package metrics

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/joshuapare/tieralloc/alloc"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tieralloc"

// Source is anything that reports allocator statistics.
type Source interface {
	Stats() alloc.Stats
}

// Collector is a prometheus.Collector reading Stats from its sources at
// scrape time. Each source becomes one value of the "allocator" label.
type Collector struct {
	sources []Source

	reserved  *prometheus.Desc
	committed *prometheus.Desc
	live      *prometheus.Desc
	allocs    *prometheus.Desc
	frees     *prometheus.Desc
	failures  *prometheus.Desc
	allocated *prometheus.Desc
	freed     *prometheus.Desc
	grows     *prometheus.Desc
	splits    *prometheus.Desc
	coalesces *prometheus.Desc
}

// NewCollector returns a collector over sources. An empty namespace selects
// DefaultNamespace.
func NewCollector(namespace string, sources ...Source) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help,
			append([]string{"allocator"}, labels...), nil)
	}
	return &Collector{
		sources:   sources,
		reserved:  desc("reserved_bytes", "Size of the managed address range."),
		committed: desc("committed_bytes", "Bytes of the managed range backed by physical pages."),
		live:      desc("live_allocations", "Allocations not yet freed."),
		allocs:    desc("allocations_total", "Successful allocations."),
		frees:     desc("frees_total", "Frees."),
		failures:  desc("failures_total", "Allocation requests that returned an error."),
		allocated: desc("allocated_bytes_total", "Bytes handed out, including rounding."),
		freed:     desc("freed_bytes_total", "Bytes returned."),
		grows:     desc("grows_total", "Times fresh memory was taken from the arena."),
		splits:    desc("splits_total", "Free block splits."),
		coalesces: desc("coalesces_total", "Free block merges.", "direction"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.reserved, c.committed, c.live, c.allocs, c.frees, c.failures,
		c.allocated, c.freed, c.grows, c.splits, c.coalesces,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		s := src.Stats()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), s.Name)
		}
		counter := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, append([]string{s.Name}, labels...)...)
		}

		gauge(c.reserved, s.ReservedBytes)
		gauge(c.committed, s.CommittedBytes)
		gauge(c.live, s.LiveAllocations)
		counter(c.allocs, float64(s.AllocCalls))
		counter(c.frees, float64(s.FreeCalls))
		counter(c.failures, float64(s.Failures))
		counter(c.allocated, float64(s.BytesAllocated))
		counter(c.freed, float64(s.BytesFreed))
		counter(c.grows, float64(s.GrowCalls))
		counter(c.splits, float64(s.SplitCount))
		counter(c.coalesces, float64(s.CoalesceForward), "forward")
		counter(c.coalesces, float64(s.CoalesceBackward), "backward")
	}
}

// ForMaster returns a collector over the master allocator and each of its tiers.
func ForMaster(namespace string, m *alloc.MasterAllocator) *Collector {
	sources := []Source{m}
	for _, t := range m.Tiers() {
		sources = append(sources, t)
	}
	return NewCollector(namespace, sources...)
}

// Gather registers c on a fresh registry and gathers it.
func Gather(c prometheus.Collector) ([]*dto.MetricFamily, error) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		return nil, errors.Wrap(err, "metrics: register")
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "metrics: gather")
	}
	return families, nil
}

// WriteText writes families in the Prometheus text exposition format.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "metrics: write %s", mf.GetName())
		}
	}
	return nil
}
