package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "noteclient"

// Registry holds every collector the client exports. cmd serves it on /metrics.
var Registry = prometheus.NewRegistry()

var (
	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes by outcome.",
	}, []string{"result"})

	SyncHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "height",
		Help:      "Last block height committed to the store.",
	})

	StoreCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "commits_total",
		Help:      "Store scope commits by outcome.",
	}, []string{"result"})

	TxTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tx",
		Name:      "transitions_total",
		Help:      "Transaction lifecycle transitions.",
	}, []string{"to"})

	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retried network operations.",
	}, []string{"op"})

	ReservedNotes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tx",
		Name:      "reserved_notes",
		Help:      "Notes held by pending transactions.",
	})
)

func init() {
	Registry.MustRegister(
		SyncPasses,
		SyncHeight,
		StoreCommits,
		TxTransitions,
		Retries,
		ReservedNotes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
