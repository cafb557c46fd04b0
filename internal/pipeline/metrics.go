package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_decisions_total",
		Help: "Check-in decisions by terminal status.",
	}, []string{"status"})

	decisionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_decision_seconds",
		Help:    "Latency of the full decision pipeline.",
		Buckets: prometheus.DefBuckets,
	})
)
