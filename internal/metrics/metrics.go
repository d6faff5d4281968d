// Package metrics exposes the engine's Prometheus collectors. They register
// on the default registry and are served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Micropayments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeld_micropayments_total",
		Help: "Manual micropayments applied to channels.",
	})

	StreamFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeld_stream_flushes_total",
		Help: "Stream accrual flushes that moved value.",
	})

	UnderfundedStreams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeld_underfunded_streams_total",
		Help: "Streams auto-stopped because accrual exceeded the local balance.",
	})

	UsageCharges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeld_usage_charges_total",
		Help: "Metered usage charges applied to channels.",
	})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channeld_settlements_total",
		Help: "Settlement attempts by outcome.",
	}, []string{"status"})
)
