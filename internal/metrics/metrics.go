package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTracked counts transactions added to the store
	TransactionsTracked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_transactions_tracked_total",
			Help: "Total number of transactions added to the store",
		},
	)

	// TransactionsFinalized counts finalized transactions by final status
	TransactionsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txwatch_transactions_finalized_total",
			Help: "Total number of transactions finalized",
		},
		[]string{"status"},
	)

	// StoreEventsDropped counts events dropped for slow subscribers
	StoreEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_store_events_dropped_total",
			Help: "Total number of store events dropped because a subscriber fell behind",
		},
	)

	// ReceiptPolls counts receipt poll attempts per chain
	ReceiptPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txwatch_receipt_polls_total",
			Help: "Total number of receipt poll attempts",
		},
		[]string{"chain_id"},
	)

	// ReceiptPollErrors counts receipt poll RPC errors per chain
	ReceiptPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txwatch_receipt_poll_errors_total",
			Help: "Total number of receipt poll RPC errors",
		},
		[]string{"chain_id"},
	)

	// WatchersActive tracks the number of goroutines watching transactions
	WatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txwatch_watchers_active",
			Help: "Number of active transaction watchers",
		},
	)

	// WatcherPanics counts recovered watcher panics
	WatcherPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_watcher_panics_total",
			Help: "Total number of recovered transaction watcher panics",
		},
	)

	// InvalidationsDetected counts transactions whose nonce was consumed elsewhere
	InvalidationsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_invalidations_detected_total",
			Help: "Total number of transactions detected as invalidated by nonce reuse",
		},
	)

	// CancelReplaceSubmissions counts broadcast cancel/replace attempts by kind
	CancelReplaceSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txwatch_cancel_replace_submissions_total",
			Help: "Total number of cancel and replace attempts broadcast",
		},
		[]string{"kind"},
	)

	// TimeoutsLogged counts transactions passing their advisory timeout while pending
	TimeoutsLogged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_timeouts_logged_total",
			Help: "Total number of transactions that passed their advisory timeout while pending",
		},
	)

	// OnRampPolls counts fiat on-ramp status poll attempts
	OnRampPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txwatch_onramp_polls_total",
			Help: "Total number of fiat on-ramp status poll attempts",
		},
	)
)
