package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/alerts"
	"github.com/tradequorum/tradequorum/internal/config"
	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/journal"
	"github.com/tradequorum/tradequorum/internal/market"
	"github.com/tradequorum/tradequorum/internal/metrics"
	"github.com/tradequorum/tradequorum/internal/risk"
)

// Decider produces one FullDecision per cycle. Satisfied by both the
// single-model assembler and the multi-agent consensus engine.
type Decider interface {
	Decide(ctx context.Context, tctx *decision.Context) (*decision.FullDecision, error)
}

// Deps are the collaborators one trader needs.
type Deps struct {
	Config    config.TraderConfig
	Decider   Decider
	Journal   journal.Journal
	Snapshots market.SnapshotProvider
	Risk      *risk.Policy
	Leverage  decision.LeveragePolicy
	Kill      *KillSwitch
	Alerts    *alerts.Manager
}

// Trader owns one account and its decision loop.
type Trader struct {
	cfg       config.TraderConfig
	decider   Decider
	journal   journal.Journal
	snapshots market.SnapshotProvider
	risk      *risk.Policy
	leverage  decision.LeveragePolicy
	broker    *PaperBroker
	kill      *KillSwitch
	alerts    *alerts.Manager

	mu        sync.Mutex // held for the duration of one cycle
	startTime time.Time
	lastCycle int
	halted    bool
}

// New wires a trader from its dependencies.
func New(deps Deps) *Trader {
	return &Trader{
		cfg:       deps.Config,
		decider:   deps.Decider,
		journal:   deps.Journal,
		snapshots: deps.Snapshots,
		risk:      deps.Risk,
		leverage:  deps.Leverage,
		broker:    NewPaperBroker(deps.Config.InitialBalance),
		kill:      deps.Kill,
		alerts:    deps.Alerts,
	}
}

// Boot seeds the journal and restores account state so the trader resumes at
// the cycle after the last recorded one.
func (t *Trader) Boot(ctx context.Context) error {
	t.startTime = time.Now()

	if err := t.journal.Seed(ctx, t.cfg.ID, t.cfg.InitialBalance); err != nil {
		return fmt.Errorf("seed journal for %s: %w", t.cfg.ID, err)
	}

	state, err := t.journal.RestoreState(ctx, t.cfg.ID)
	if err != nil {
		return fmt.Errorf("restore state for %s: %w", t.cfg.ID, err)
	}
	t.lastCycle = state.LastCycle

	if state.LastCycle > 0 {
		latest, err := t.journal.Latest(ctx, t.cfg.ID)
		if err != nil {
			return fmt.Errorf("load latest record for %s: %w", t.cfg.ID, err)
		}
		t.broker.Restore(state.LastAccount.AvailableBalance, latest.Positions)
	}

	log.Info().
		Str("trader", t.cfg.ID).
		Int("last_cycle", t.lastCycle).
		Float64("balance", state.LastAccount.TotalBalance).
		Msg("Trader booted")
	return nil
}

// RunCycle executes one trading cycle. If the previous cycle still holds the
// lock the tick is skipped entirely.
func (t *Trader) RunCycle(ctx context.Context) error {
	if !t.mu.TryLock() {
		metrics.CyclesTotal.WithLabelValues(t.cfg.ID, metrics.OutcomeSkipped).Inc()
		log.Warn().Str("trader", t.cfg.ID).Msg("Previous cycle still running, skipping tick")
		return nil
	}
	defer t.mu.Unlock()

	started := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(t.cfg.ID).Observe(time.Since(started).Seconds())
	}()

	now := time.Now()
	runID := uuid.NewString()
	cycle := t.lastCycle + 1
	logger := log.With().Str("trader", t.cfg.ID).Int("cycle", cycle).Str("run_id", runID).Logger()

	if t.kill.Active(now) {
		return t.runHalted(ctx, cycle, now)
	}
	if t.halted {
		t.halted = false
		metrics.KillSwitchActive.WithLabelValues(t.cfg.ID).Set(0)
		if t.alerts != nil {
			_ = t.alerts.SendResume(ctx, t.cfg.ID)
		}
		logger.Info().Msg("Pause window elapsed, trading resumed")
	}

	snapshot, err := t.snapshots.Snapshot(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Market snapshot failed")
		return t.recordFailure(ctx, cycle, now, fmt.Errorf("market snapshot: %w", err))
	}

	t.broker.MarkToMarket(snapshot.Data)
	tctx := t.buildContext(cycle, now, snapshot)

	fd, err := t.decider.Decide(ctx, tctx)
	if err != nil {
		logger.Error().Err(err).Msg("Decision failed")
		return t.recordDecisionFailure(ctx, cycle, now, fd, err, snapshot)
	}

	verdicts := t.risk.Apply(tctx, fd.Decisions)
	actions, execLog := t.execute(verdicts, snapshot, now, runID)

	account := t.broker.Snapshot()
	metrics.AccountBalance.WithLabelValues(t.cfg.ID).Set(account.TotalBalance)
	metrics.OpenPositions.WithLabelValues(t.cfg.ID).Set(float64(account.PositionCount))

	if t.kill.Evaluate(now, account.TotalBalance) {
		t.halted = true
		metrics.KillSwitchActive.WithLabelValues(t.cfg.ID).Set(1)
		logger.Error().Str("reason", t.kill.Reason()).Msg("Kill switch tripped")
		if t.alerts != nil {
			_ = t.alerts.SendHalt(ctx, t.cfg.ID, t.kill.Reason())
		}
	}

	record := &journal.DecisionRecord{
		TraderID:       t.cfg.ID,
		CycleNumber:    cycle,
		Timestamp:      now,
		InputPrompt:    fd.UserPrompt,
		CoTTrace:       fd.CoTTrace,
		DecisionJSON:   marshalDecisions(fd.Decisions),
		RawResponse:    fd.RawResponse,
		Success:        true,
		AccountState:   account,
		Positions:      t.broker.Positions(),
		Actions:        actions,
		CandidateCoins: candidateSymbols(snapshot),
		ExecutionLog:   execLog,
	}
	return t.append(ctx, record)
}

// runHalted writes at most one halted record per pause window and otherwise
// skips the tick.
func (t *Trader) runHalted(ctx context.Context, cycle int, now time.Time) error {
	if !t.kill.ShouldRecord(now) {
		metrics.CyclesTotal.WithLabelValues(t.cfg.ID, metrics.OutcomeHalted).Inc()
		return nil
	}

	record := &journal.DecisionRecord{
		TraderID:     t.cfg.ID,
		CycleNumber:  cycle,
		Timestamp:    now,
		DecisionJSON: marshalDecisions(decision.WaitDecision(t.kill.Reason())),
		Success:      false,
		ErrorMessage: "halted: " + t.kill.Reason(),
		AccountState: t.broker.Snapshot(),
		Positions:    t.broker.Positions(),
	}
	return t.append(ctx, record)
}

func (t *Trader) buildContext(cycle int, now time.Time, snapshot *market.Snapshot) *decision.Context {
	return &decision.Context{
		CurrentTime:    now,
		RuntimeMinutes: int(now.Sub(t.startTime).Minutes()),
		CycleNumber:    cycle,
		Account:        t.broker.Snapshot(),
		Positions:      t.broker.Positions(),
		CandidateCoins: snapshot.Candidates,
		MarketDataMap:  snapshot.Data,
		OITopMap:       snapshot.OITop,
		Leverage:       t.leverage,
	}
}

// execute runs the screened decisions in order. Rejected trades become failed
// actions; wait and hold produce no action.
func (t *Trader) execute(verdicts []risk.Verdict, snapshot *market.Snapshot, now time.Time, runID string) ([]journal.Action, []string) {
	var (
		actions []journal.Action
		execLog []string
	)

	for _, v := range verdicts {
		d := v.Decision
		if !decision.IsTradeAction(d.Action) {
			continue
		}

		var act journal.Action
		if !v.Accepted {
			act = journal.Action{
				Action:    d.Action,
				Symbol:    d.Symbol,
				Quantity:  d.Quantity,
				Leverage:  d.Leverage,
				Timestamp: now,
				Error:     v.Reason,
			}
		} else {
			var price float64
			if md, ok := snapshot.Data[d.Symbol]; ok {
				price = md.CurrentPrice
			}
			act = t.broker.Execute(d, price, now)
		}

		result := metrics.OutcomeSuccess
		if !act.Success {
			result = metrics.OutcomeError
		}
		metrics.DecisionActions.WithLabelValues(t.cfg.ID, d.Action, result).Inc()

		entry := fmt.Sprintf("[%s] %s %s qty=%g", runID, d.Action, d.Symbol, act.Quantity)
		if !act.Success {
			entry += " rejected: " + act.Error
		} else {
			entry += fmt.Sprintf(" filled @ %.4f order=%d", act.Price, act.OrderID)
		}
		execLog = append(execLog, entry)
		actions = append(actions, act)
	}
	return actions, execLog
}

func (t *Trader) recordFailure(ctx context.Context, cycle int, now time.Time, cause error) error {
	record := &journal.DecisionRecord{
		TraderID:     t.cfg.ID,
		CycleNumber:  cycle,
		Timestamp:    now,
		DecisionJSON: marshalDecisions(decision.WaitDecision(cause.Error())),
		Success:      false,
		ErrorMessage: cause.Error(),
		AccountState: t.broker.Snapshot(),
		Positions:    t.broker.Positions(),
	}
	return t.append(ctx, record)
}

func (t *Trader) recordDecisionFailure(ctx context.Context, cycle int, now time.Time, fd *decision.FullDecision, cause error, snapshot *market.Snapshot) error {
	record := &journal.DecisionRecord{
		TraderID:       t.cfg.ID,
		CycleNumber:    cycle,
		Timestamp:      now,
		DecisionJSON:   marshalDecisions(decision.WaitDecision(cause.Error())),
		Success:        false,
		ErrorMessage:   cause.Error(),
		AccountState:   t.broker.Snapshot(),
		Positions:      t.broker.Positions(),
		CandidateCoins: candidateSymbols(snapshot),
	}
	if fd != nil {
		record.InputPrompt = fd.UserPrompt
		record.RawResponse = fd.RawResponse
		record.CoTTrace = fd.CoTTrace
	}
	return t.append(ctx, record)
}

// append writes the record and advances the cycle counter. A conflict means
// another instance already recorded this cycle; the trader skips forward.
func (t *Trader) append(ctx context.Context, record *journal.DecisionRecord) error {
	err := t.journal.Append(ctx, record)
	switch {
	case errors.Is(err, journal.ErrConflict):
		metrics.JournalConflicts.Inc()
		metrics.CyclesTotal.WithLabelValues(t.cfg.ID, metrics.OutcomeConflict).Inc()
		log.Info().
			Str("trader", t.cfg.ID).
			Int("cycle", record.CycleNumber).
			Msg("Cycle already recorded, skipping")
	case err != nil:
		metrics.JournalAppends.WithLabelValues(metrics.OutcomeError).Inc()
		metrics.CyclesTotal.WithLabelValues(t.cfg.ID, metrics.OutcomeError).Inc()
		return fmt.Errorf("append cycle %d for %s: %w", record.CycleNumber, t.cfg.ID, err)
	default:
		metrics.JournalAppends.WithLabelValues(metrics.OutcomeSuccess).Inc()
		outcome := metrics.OutcomeSuccess
		if !record.Success {
			outcome = metrics.OutcomeError
		}
		metrics.CyclesTotal.WithLabelValues(t.cfg.ID, outcome).Inc()
	}

	t.lastCycle = record.CycleNumber
	return nil
}

func marshalDecisions(decisions []decision.Decision) string {
	data, err := json.Marshal(decisions)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func candidateSymbols(snapshot *market.Snapshot) []string {
	if snapshot == nil {
		return nil
	}
	symbols := make([]string, 0, len(snapshot.Candidates))
	for _, c := range snapshot.Candidates {
		symbols = append(symbols, c.Symbol)
	}
	return symbols
}
