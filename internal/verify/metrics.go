package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveness_verifications_total",
		Help: "Completed verification requests by challenge and verdict.",
	}, []string{"challenge", "verdict"})

	modalityFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveness_modality_failures_total",
		Help: "Modalities degraded to unavailable by challenge and modality.",
	}, []string{"challenge", "modality"})

	modalitySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liveness_modality_seconds",
		Help:    "Wall time spent extracting and scoring one modality.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"modality"})
)
