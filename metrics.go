package strata

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's activity counters. All fields are
// live Prometheus collectors; they are registered only when
// Options.MetricsRegisterer is set, so embedding applications that
// don't scrape pay nothing.
type Metrics struct {
	Puts        prometheus.Counter
	Deletes     prometheus.Counter
	Gets        prometheus.Counter
	Scans       prometheus.Counter
	Flushes     prometheus.Counter
	FlushTables prometheus.Counter
	Compactions prometheus.Counter
	BgErrors    prometheus.Counter
	L0Tables    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "puts_total",
			Help: "Number of put operations.",
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "deletes_total",
			Help: "Number of delete operations that wrote a tombstone.",
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "gets_total",
			Help: "Number of point lookups.",
		}),
		Scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "range_scans_total",
			Help: "Number of range scans.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "flushes_total",
			Help: "Number of memtable flushes installed.",
		}),
		FlushTables: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "flush_tables_total",
			Help: "Number of level-0 tables produced by flushes.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "compactions_total",
			Help: "Number of compaction steps installed.",
		}),
		BgErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strata", Name: "background_errors_total",
			Help: "Number of failed background flush or compaction attempts.",
		}),
		L0Tables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strata", Name: "level0_tables",
			Help: "Tables currently in level 0.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Puts, m.Deletes, m.Gets, m.Scans,
			m.Flushes, m.FlushTables, m.Compactions, m.BgErrors, m.L0Tables)
	}
	return m
}
