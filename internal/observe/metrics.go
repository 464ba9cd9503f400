package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics aggregates the build pipeline's Prometheus collectors. All
// collectors are registered on the supplied registry at construction.
type Metrics struct {
	DatasetsProcessed *prometheus.CounterVec
	CellsIngested     *prometheus.CounterVec
	FeaturesIngested  prometheus.Counter
	UnresolvedTerms   *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
}

// NewMetrics registers the builder collectors on reg and returns them.
// Passing nil creates a standalone registry (tests).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DatasetsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "census_builder",
			Name:      "datasets_processed_total",
			Help:      "Source datasets processed, labelled by outcome.",
		}, []string{"outcome"}),
		CellsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "census_builder",
			Name:      "cells_ingested_total",
			Help:      "Cells written to the census obs axis, by organism.",
		}, []string{"organism"}),
		FeaturesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "census_builder",
			Name:      "features_ingested_total",
			Help:      "Distinct features on the consolidated var axis.",
		}),
		UnresolvedTerms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "census_builder",
			Name:      "unresolved_terms_total",
			Help:      "Categorical values that failed ontology resolution, by field.",
		}, []string{"field"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "census_builder",
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.DatasetsProcessed,
		m.CellsIngested,
		m.FeaturesIngested,
		m.UnresolvedTerms,
		m.StageDuration,
		collectors.NewGoCollector(),
	)
	return m
}
