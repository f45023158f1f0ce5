package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	provisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vps_provisions_total",
		Help: "Provisioning attempts by outcome.",
	}, []string{"outcome"})

	provisionsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vps_provisions_inflight",
		Help: "Provisioning attempts currently holding a worker slot.",
	})

	readinessWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vps_readiness_wait_seconds",
		Help:    "Time from instance creation to a connectable session.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
