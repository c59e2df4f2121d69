// Package metrics exposes the Prometheus instrumentation of SPEC_FULL §C.3:
// counters and gauges for block processing, reorgs, bulk-sync progress,
// transaction classification, contract execution outcomes, and epoch
// finalization, registered against a dedicated registry so cmd/l2noded can
// serve them without pulling in the global default registry.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this node publishes.
type Registry struct {
	reg *prometheus.Registry

	BlocksProcessed   prometheus.Counter
	ReorgsDetected    prometheus.Counter
	SafeRewindDepth   prometheus.Histogram
	IBDPhase          *prometheus.GaugeVec
	IBDProgress       prometheus.Gauge
	TxClassified      *prometheus.CounterVec
	ContractExecution *prometheus.CounterVec
	GasConsumed       prometheus.Counter
	EpochsFinalized   prometheus.Counter
	SubmissionsValid  prometheus.Counter
	SubmissionsReject prometheus.Counter
}

// New builds and registers every metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "blocks_processed_total",
			Help: "Number of base-chain blocks committed by the block processor.",
		}),
		ReorgsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "reorgs_detected_total",
			Help: "Number of base-chain reorganizations detected by the chain follower.",
		}),
		SafeRewindDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "l2node", Name: "safe_rewind_depth_blocks",
			Help:    "Depth, in blocks, of each safe-rewind performed after a reorg.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		IBDPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "l2node", Name: "ibd_phase",
			Help: "1 for the bulk-sync controller's current phase, 0 otherwise.",
		}, []string{"phase"}),
		IBDProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "l2node", Name: "ibd_progress_height",
			Help: "Highest block height completed by the current bulk-sync phase.",
		}),
		TxClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l2node", Name: "transactions_classified_total",
			Help: "Transactions classified, by kind.",
		}, []string{"kind"}),
		ContractExecution: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l2node", Name: "contract_executions_total",
			Help: "Contract-impacting transaction executions, by outcome.",
		}, []string{"outcome"}), // ok | revert | out_of_gas
		GasConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "gas_consumed_total",
			Help: "Cumulative gas consumed across all contract executions.",
		}),
		EpochsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "epochs_finalized_total",
			Help: "Number of epochs finalized by the epoch manager.",
		}),
		SubmissionsValid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "epoch_submissions_valid_total",
			Help: "Epoch submissions that passed §4.7 validation.",
		}),
		SubmissionsReject: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l2node", Name: "epoch_submissions_rejected_total",
			Help: "Epoch submissions that failed §4.7 validation.",
		}),
	}

	reg.MustRegister(
		r.BlocksProcessed, r.ReorgsDetected, r.SafeRewindDepth, r.IBDPhase, r.IBDProgress,
		r.TxClassified, r.ContractExecution, r.GasConsumed, r.EpochsFinalized,
		r.SubmissionsValid, r.SubmissionsReject,
	)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ExecutionOutcome classifies a contract execution for the
// ContractExecution counter, given a (possibly reverted) receipt.
func ExecutionOutcome(reverted bool, revertReason string) string {
	if !reverted {
		return "ok"
	}
	if strings.Contains(revertReason, "out of gas") {
		return "out_of_gas"
	}
	return "revert"
}
