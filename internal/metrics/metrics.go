// Package metrics exposes the Prometheus instruments for trader cycles,
// consensus collection and journal health. Label sets are kept to bounded
// values: trader ids and agent ids come from config, actions and outcomes
// from fixed vocabularies.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Cycle outcome label values (bounded set).
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
	OutcomeHalted   = "halted"
)

// Trading cycle metrics.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradequorum_cycles_total",
		Help: "Trading cycles by trader and outcome",
	}, []string{"trader", "outcome"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradequorum_cycle_duration_seconds",
		Help:    "Wall time of a full trading cycle",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"trader"})

	DecisionActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradequorum_decision_actions_total",
		Help: "Executed decision actions by trader, action and result",
	}, []string{"trader", "action", "result"})

	AccountBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradequorum_account_balance_usd",
		Help: "Current total balance per trader",
	}, []string{"trader"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradequorum_open_positions",
		Help: "Open positions per trader",
	}, []string{"trader"})

	KillSwitchActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradequorum_kill_switch_active",
		Help: "1 while the trader is halted by drawdown or daily-loss limits",
	}, []string{"trader"})
)

// Consensus metrics.
var (
	AgentResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradequorum_agent_responses_total",
		Help: "Agent completions by agent id and outcome",
	}, []string{"agent", "outcome"})

	ConsensusLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradequorum_consensus_latency_seconds",
		Help:    "Time to collect and merge agent decisions",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"mode"})
)

// Journal metrics.
var (
	JournalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradequorum_journal_appends_total",
		Help: "Journal appends by outcome",
	}, []string{"outcome"})

	JournalConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradequorum_journal_conflicts_total",
		Help: "Appends rejected because the cycle was already recorded",
	})
)

// AI client metrics.
var (
	AIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradequorum_ai_request_duration_seconds",
		Help:    "Latency of completion requests by provider",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	AIRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradequorum_ai_retries_total",
		Help: "Transient-error retries by provider",
	}, []string{"provider"})
)

// Serve starts the /metrics endpoint on the given port. It blocks, so run it
// in its own goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Int("port", port).Msg("Metrics server listening")
	return srv.ListenAndServe()
}
