// Package journal is the append-only per-trader decision log. One record per
// cycle; cycle 0 is the seed record carrying the trader's initial balance.
// Two backends share the contract: an embedded sqlite store and a postgres
// store for network-attached deployments.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// ErrConflict is returned by Append when (trader_id, cycle_number) already
// exists. Callers treat it as "another instance processed this cycle" and
// skip idempotently.
var ErrConflict = errors.New("journal: cycle already recorded")

// Action is the persisted outcome of one executed (or rejected) decision.
type Action struct {
	Action    string    `json:"action"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	Leverage  int       `json:"leverage,omitempty"`
	Price     float64   `json:"price"`
	OrderID   int64     `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// DecisionRecord is one journal entry: everything a cycle saw, decided and
// did.
type DecisionRecord struct {
	ID             int64                    `json:"id"`
	TraderID       string                   `json:"trader_id"`
	CycleNumber    int                      `json:"cycle_number"`
	Timestamp      time.Time                `json:"timestamp"`
	InputPrompt    string                   `json:"input_prompt"`
	CoTTrace       string                   `json:"cot_trace"`
	DecisionJSON   string                   `json:"decision_json"`
	RawResponse    string                   `json:"raw_response,omitempty"`
	Success        bool                     `json:"success"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	AccountState   decision.AccountSnapshot `json:"account_state"`
	Positions      []decision.Position      `json:"positions"`
	Actions        []Action                 `json:"actions"`
	CandidateCoins []string                 `json:"candidate_coins"`
	ExecutionLog   []string                 `json:"execution_log"`
}

// RestoredState is what a trader needs to resume after a restart.
type RestoredState struct {
	InitialBalance float64
	LastAccount    decision.AccountSnapshot
	LastCycle      int
}

// Journal is the append-mostly store contract shared by both backends.
// Appends are transactional across the record and its positions and actions;
// a partial append is never observable.
type Journal interface {
	// Append writes one record. Fails with ErrConflict when the
	// (trader_id, cycle_number) key already exists.
	Append(ctx context.Context, record *DecisionRecord) error

	// Latest returns the record with the highest cycle number, or the seed
	// record when no live cycles exist yet.
	Latest(ctx context.Context, traderID string) (*DecisionRecord, error)

	// Range returns records with from <= cycle_number <= to in ascending
	// cycle order.
	Range(ctx context.Context, traderID string, from, to int) ([]*DecisionRecord, error)

	// All returns the full history in ascending cycle order.
	All(ctx context.Context, traderID string) ([]*DecisionRecord, error)

	// Seed inserts the cycle-0 record if absent. Idempotent.
	Seed(ctx context.Context, traderID string, initialBalance float64) error

	// RestoreState reads the seed and latest records so a restarted trader
	// resumes at LastCycle+1 with its account view intact.
	RestoreState(ctx context.Context, traderID string) (*RestoredState, error)

	Close() error
}

// seedDecisionJSON marks the synthetic cycle-0 record.
const seedDecisionJSON = `{"seed":true}`
