package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeledger_transactions_total",
		Help: "Ledger entries reaching a terminal status, by kind and status",
	}, []string{"kind", "status"})

	feesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeledger_fees_collected_cents_total",
		Help: "Fees and FX markup credited to the operator account, in cents",
	}, []string{"kind"})

	orphansGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feeledger_orphaned_transactions",
		Help: "Pending transfers whose debit leg applied without a credit leg, as of the last sweep",
	})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeledger_recoveries_total",
		Help: "Orphan resolutions by outcome",
	}, []string{"resolution"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feeledger_expired_transactions_total",
		Help: "Stale pending entries closed by the sweeper without moving money",
	})
)
