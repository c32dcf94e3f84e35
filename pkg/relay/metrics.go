package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_submissions_total",
		Help: "Relayed submissions by outcome (accepted, rejected, failed).",
	}, []string{"outcome"})

	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayd_submission_seconds",
		Help:    "Time from submission receipt to broadcast.",
		Buckets: prometheus.DefBuckets,
	})

	operationsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayd_operations",
		Help: "Tracked operations by status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(submissionsTotal, relayLatency, operationsGauge)
}
