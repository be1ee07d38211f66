package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txwatch_reconciliations_total",
		Help: "Registry snapshots applied by the reconciler.",
	})

	liveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txwatch_live_subscriptions",
		Help: "Upstream subscriptions currently held by the reconciler.",
	})

	upstreamOpenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txwatch_upstream_open_failures_total",
		Help: "Topics omitted from a reconciliation because the upstream subscription could not be opened.",
	})

	streamTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txwatch_stream_terminations_total",
		Help: "Upstream streams that ended on their own, by kind.",
	}, []string{"kind"})

	pipelines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txwatch_pipelines_total",
		Help: "Destination pipelines by outcome.",
	}, []string{"outcome"})

	pipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txwatch_pipeline_duration_seconds",
		Help:    "Duration of destination pipelines.",
		Buckets: prometheus.DefBuckets,
	})

	registryWatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txwatch_registry_watch_failures_total",
		Help: "Registry watches that ended with an error.",
	})
)
