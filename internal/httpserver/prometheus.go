package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brycelelbach/nsightful/internal/catalog"
	"github.com/brycelelbach/nsightful/internal/report"
)

type storeCollector struct {
	store    *report.Store
	catalog  *catalog.Manager
	metrics  []storeMetric
	reports  *prometheus.Desc
	listedAt *prometheus.Desc
}

type storeMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(stats report.Stats) float64
}

func newStoreCollector(store *report.Store, catalogManager *catalog.Manager) prometheus.Collector {
	if store == nil {
		return nil
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "store", name),
			help,
			labels,
			nil,
		)
	}

	return &storeCollector{
		store:    store,
		catalog:  catalogManager,
		reports:  desc("reports", "Reports currently listed in the reports directory.", "kind"),
		listedAt: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "catalog", "listing_timestamp_seconds"),
			"Unix timestamp of the latest published listing.",
			nil,
			nil,
		),
		metrics: []storeMetric{
			{
				desc:      desc("conversions_total", "Reports converted since start."),
				valueType: prometheus.CounterValue,
				extract:   func(stats report.Stats) float64 { return float64(stats.Conversions) },
			},
			{
				desc:      desc("conversion_failures_total", "Report conversions that failed."),
				valueType: prometheus.CounterValue,
				extract:   func(stats report.Stats) float64 { return float64(stats.Failures) },
			},
			{
				desc:      desc("cache_hits_total", "Conversions served from the cache."),
				valueType: prometheus.CounterValue,
				extract:   func(stats report.Stats) float64 { return float64(stats.CacheHits) },
			},
			{
				desc:      desc("cache_misses_total", "Conversions not found in the cache."),
				valueType: prometheus.CounterValue,
				extract:   func(stats report.Stats) float64 { return float64(stats.CacheMisses) },
			},
			{
				desc:      desc("cache_entries", "Conversions held in the cache."),
				valueType: prometheus.GaugeValue,
				extract:   func(stats report.Stats) float64 { return float64(stats.Cached) },
			},
		},
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.reports
	ch <- c.listedAt
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.Stats()
	for _, metric := range c.metrics {
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(stats))
	}

	if c.catalog == nil {
		return
	}
	snapshot, ok := c.catalog.Latest()
	if !ok {
		return
	}
	counts := map[report.Kind]int{report.KindNsys: 0, report.KindNcu: 0}
	for _, entry := range snapshot.Reports {
		counts[entry.Kind]++
	}
	for kind, count := range counts {
		ch <- prometheus.MustNewConstMetric(c.reports, prometheus.GaugeValue, float64(count), string(kind))
	}
	ch <- prometheus.MustNewConstMetric(c.listedAt, prometheus.GaugeValue, float64(snapshot.Timestamp.Unix()))
}
