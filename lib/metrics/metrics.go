// Package metrics declares the Prometheus collectors of the gateway. They are registered on the default registry and
// served by cmd/gateway when monitoring is enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_reconcile_attempts_total",
		Help: "Balance observations made by the reconciliation engine",
	}, []string{"chain"})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_fetch_failures_total",
		Help: "Balance observations that failed at the chain adapter",
	}, []string{"chain"})

	BalanceChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_balance_changes_total",
		Help: "Balance changes detected and written to the ledger",
	}, []string{"chain"})

	LedgerConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_ledger_conflicts_total",
		Help: "Ledger writes rejected because another writer advanced the record",
	}, []string{"chain"})

	WatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_watch_outcomes_total",
		Help: "Deposit watches by terminal state",
	}, []string{"chain", "state"})

	ActiveWatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dgw_active_watches",
		Help: "Deposit watches currently polling",
	}, []string{"chain"})

	CreditsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dgw_credits_applied_total",
		Help: "Deposits credited to orders",
	}, []string{"chain"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dgw_orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dgw_orders_paid_total",
		Help: "Total number of orders fully paid",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dgw_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dgw_rpc_latency_seconds",
		Help:    "Latency of chain adapter calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain", "op"})
)
