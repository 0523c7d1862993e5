// Package metrics объявляет метрики Prometheus движка начислений.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerOperations считает операции с кошельками по типу, причине и результату.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Wallet credit/debit operations by entry type, reason and outcome.",
}, []string{"type", "reason", "outcome"})

// LedgerAmount суммирует проведённые кредиты по типу и причине.
var LedgerAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "ledger",
	Name:      "amount_total",
	Help:      "Attention credits moved through the ledger by entry type and reason.",
}, []string{"type", "reason"})

// WalletFreezes считает заморозки кошельков.
var WalletFreezes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "ledger",
	Name:      "freezes_total",
	Help:      "Wallets frozen for withdrawal.",
})

// BillingAttempts считает попытки списания абонентской платы по результату.
var BillingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "billing",
	Name:      "attempts_total",
	Help:      "Subscription deduction attempts by outcome.",
}, []string{"outcome"})

// ProgressPersistFailures считает неудачные записи прогресса просмотра.
var ProgressPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "segment",
	Name:      "persist_failures_total",
	Help:      "Failed watch-progress writes kept in memory for retry.",
})

// AchievementsUnlocked считает открытые достижения.
var AchievementsUnlocked = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "achievement",
	Name:      "unlocked_total",
	Help:      "Achievements unlocked by requirement type.",
}, []string{"requirement"})

// PayoutDispatches считает передачи выводов в платёжный контур.
var PayoutDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ac",
	Subsystem: "payout",
	Name:      "dispatches_total",
	Help:      "Withdrawal payouts handed to the payment rail by resulting status.",
}, []string{"status"})
