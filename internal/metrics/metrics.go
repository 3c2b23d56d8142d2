package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger traffic
var (
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counterdapp_ledger_writes_total",
			Help: "Ledger write submissions by function and outcome",
		},
		[]string{"function", "status"},
	)

	LedgerReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counterdapp_ledger_reads_total",
			Help: "Ledger object reads by outcome",
		},
		[]string{"status"},
	)

	DiscoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterdapp_discovery_attempts_total",
		Help: "Owned-object polls made while locating newly created counters",
	})

	DiscoveryTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterdapp_discovery_timeouts_total",
		Help: "Creations whose object could not be located within the poll budget",
	})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "counterdapp_ledger_write_duration_seconds",
		Help:    "Time from build to confirmed execution of a ledger write",
		Buckets: prometheus.DefBuckets,
	})
)

// Client state
var (
	NotificationsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counterdapp_notifications_total",
			Help: "Notifications shown by kind",
		},
		[]string{"kind"},
	)

	Cards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterdapp_cards",
		Help: "Personal counter cards currently held by the registry",
	})

	WalletConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterdapp_wallet_connected",
		Help: "1 while a wallet is connected",
	})
)
