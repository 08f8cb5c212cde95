// Package telemetry exposes Prometheus metrics for every Soulprint
// component. client_golang is a direct dependency in the teacher's go.mod
// that nothing in the retrieved slice actually imports; this package gives
// it the home it never got there.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge Soulprint's components report into.
// Constructed once per node and threaded into each component at wiring
// time.
type Metrics struct {
	Registry *prometheus.Registry

	ConsensusRoundsStarted   prometheus.Counter
	ConsensusRoundsCommitted prometheus.Counter
	ConsensusRoundsTimedOut  prometheus.Counter
	ConsensusRoundsAborted   prometheus.Counter

	AttestationsAccepted   prometheus.Counter
	AttestationsRejected   *prometheus.CounterVec // labeled by reason
	AttestationsDemoted    prometheus.Counter      // anti-farming demotions

	GossipDecryptFailures prometheus.Counter
	GossipMessagesSent    prometheus.Counter

	AntiEntropyTicks         prometheus.Counter
	AntiEntropyImportedItems prometheus.Counter

	LedgerAnchorQueueDepth  prometheus.Gauge
	LedgerAnchorAttempts    prometheus.Counter
	LedgerAnchorFailures    prometheus.Counter

	DPoPRejections *prometheus.CounterVec // labeled by reason

	TokensIssued prometheus.Counter
	TokensRenewed *prometheus.CounterVec // labeled by method
}

// New registers and returns a fresh Metrics bundle on its own registry, so
// a node's telemetry never collides with default-registry metrics from an
// imported library.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,

		ConsensusRoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_consensus_rounds_started_total",
			Help: "Number of nullifier consensus rounds started.",
		}),
		ConsensusRoundsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_consensus_rounds_committed_total",
			Help: "Number of nullifier consensus rounds that reached quorum.",
		}),
		ConsensusRoundsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_consensus_rounds_timed_out_total",
			Help: "Number of nullifier consensus rounds that timed out.",
		}),
		ConsensusRoundsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_consensus_rounds_aborted_total",
			Help: "Number of nullifier consensus rounds aborted by a conflicting external commit.",
		}),

		AttestationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_attestations_accepted_total",
			Help: "Number of attestations accepted and applied to reputation.",
		}),
		AttestationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soulprint_attestations_rejected_total",
			Help: "Number of attestations rejected, by reason.",
		}, []string{"reason"}),
		AttestationsDemoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_attestations_demoted_total",
			Help: "Number of attestations flipped from +1 to -1 by the anti-farming rule.",
		}),

		GossipDecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_gossip_decrypt_failures_total",
			Help: "Number of gossip envelopes that failed to decrypt or verify.",
		}),
		GossipMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_gossip_messages_sent_total",
			Help: "Number of gossip envelopes sealed and sent.",
		}),

		AntiEntropyTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_antientropy_ticks_total",
			Help: "Number of anti-entropy sync ticks run.",
		}),
		AntiEntropyImportedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_antientropy_imported_items_total",
			Help: "Number of nullifiers and attestations imported via anti-entropy.",
		}),

		LedgerAnchorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soulprint_ledgeranchor_queue_depth",
			Help: "Current number of items awaiting ledger anchor retry.",
		}),
		LedgerAnchorAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_ledgeranchor_attempts_total",
			Help: "Number of ledger anchor attempts made.",
		}),
		LedgerAnchorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_ledgeranchor_failures_total",
			Help: "Number of ledger anchor attempts that exhausted retries.",
		}),

		DPoPRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soulprint_dpop_rejections_total",
			Help: "Number of DPoP proofs rejected, by reason.",
		}, []string{"reason"}),

		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soulprint_tokens_issued_total",
			Help: "Number of SPTs issued.",
		}),
		TokensRenewed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soulprint_tokens_renewed_total",
			Help: "Number of SPTs renewed, by method.",
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.ConsensusRoundsStarted, m.ConsensusRoundsCommitted, m.ConsensusRoundsTimedOut, m.ConsensusRoundsAborted,
		m.AttestationsAccepted, m.AttestationsRejected, m.AttestationsDemoted,
		m.GossipDecryptFailures, m.GossipMessagesSent,
		m.AntiEntropyTicks, m.AntiEntropyImportedItems,
		m.LedgerAnchorQueueDepth, m.LedgerAnchorAttempts, m.LedgerAnchorFailures,
		m.DPoPRejections,
		m.TokensIssued, m.TokensRenewed,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint for this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
