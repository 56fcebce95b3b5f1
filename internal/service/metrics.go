package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Transfer requests by outcome",
		},
		[]string{"outcome"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Latency of transfer processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	reconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_reconciled_transactions_total",
			Help: "Stale PENDING transactions failed by the reconciler",
		},
	)

	purgedKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_idempotency_keys_purged_total",
			Help: "Resolved idempotency records removed after the retention window",
		},
	)
)
