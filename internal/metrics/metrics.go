package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelFits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodbayes_model_fits_total",
			Help: "Harmonic model fits by outcome (fitted, unchanged, insufficient, failed)",
		},
		[]string{"outcome"},
	)

	ModelFitLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "floodbayes_model_fit_seconds",
			Help:    "Time to fit one location's harmonic model",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodbayes_observations_ingested_total",
			Help: "Backscatter observations imported, by whether they were quality flagged",
		},
		[]string{"flagged"},
	)

	PixelsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodbayes_pixels_classified_total",
			Help: "Classified pixels by decision",
		},
		[]string{"decision"},
	)

	SceneLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "floodbayes_scene_classify_seconds",
			Help:    "Time to classify one scene",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodbayes_store_retries_total",
			Help: "SQLite writes retried after a busy or locked error",
		},
	)
)
