package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradequorum/tradequorum/internal/journal"
)

var baseTime = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func record(cycle int, actions ...journal.Action) *journal.DecisionRecord {
	return &journal.DecisionRecord{
		TraderID:    "alpha",
		CycleNumber: cycle,
		Timestamp:   baseTime.Add(time.Duration(cycle) * 5 * time.Minute),
		Success:     true,
		Actions:     actions,
	}
}

func action(kind, symbol string, qty float64, lev int, price float64, cycle int) journal.Action {
	return journal.Action{
		Action:    kind,
		Symbol:    symbol,
		Quantity:  qty,
		Leverage:  lev,
		Price:     price,
		Timestamp: baseTime.Add(time.Duration(cycle) * 5 * time.Minute),
		Success:   true,
	}
}

func TestReconstruct_LongRoundTrip(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("open_long", "BTCUSDT", 0.1, 5, 20000, 1)),
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 21000, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "BTCUSDT", tr.Symbol)
	assert.Equal(t, "long", tr.Side)
	assert.InDelta(t, 100.0, tr.PnL, 1e-9)
	assert.InDelta(t, 400.0, tr.Margin, 1e-9)
	assert.InDelta(t, 25.0, tr.PnLPct, 1e-9)
	assert.InDelta(t, 5.0, tr.HoldMinutes, 1e-9)
	assert.Equal(t, 1, tr.OpenCycle)
	assert.Equal(t, 2, tr.CloseCycle)
}

func TestReconstruct_ShortPnLIsReversed(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("open_short", "ETHUSDT", 2, 10, 3000, 1)),
		record(2, action("close_short", "ETHUSDT", 2, 0, 2900, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	assert.Equal(t, "short", trades[0].Side)
	assert.InDelta(t, 200.0, trades[0].PnL, 1e-9)
	assert.InDelta(t, 600.0, trades[0].Margin, 1e-9)
}

func TestReconstruct_OrphanCloseIgnored(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("close_long", "BTCUSDT", 0.1, 0, 21000, 1)),
	}
	assert.Empty(t, Reconstruct(records))
}

func TestReconstruct_ReopenReplacesPriorOpen(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("open_long", "BTCUSDT", 0.1, 5, 20000, 1)),
		record(2, action("open_long", "BTCUSDT", 0.2, 5, 22000, 2)),
		record(3, action("close_long", "BTCUSDT", 0.2, 0, 23000, 3)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	// The first open is dropped, not paired
	assert.InDelta(t, 22000.0, trades[0].OpenPrice, 1e-9)
	assert.InDelta(t, 0.2, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 200.0, trades[0].PnL, 1e-9)
}

func TestReconstruct_FailedActionsIgnored(t *testing.T) {
	failed := action("open_long", "BTCUSDT", 0.1, 5, 20000, 1)
	failed.Success = false

	records := []*journal.DecisionRecord{
		record(1, failed),
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 21000, 2)),
	}
	assert.Empty(t, Reconstruct(records))
}

func TestReconstruct_LongAndShortTrackedIndependently(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1,
			action("open_long", "BTCUSDT", 0.1, 5, 20000, 1),
			action("open_short", "BTCUSDT", 0.1, 5, 20000, 1),
		),
		record(2, action("close_short", "BTCUSDT", 0.1, 0, 19000, 2)),
		record(3, action("close_long", "BTCUSDT", 0.1, 0, 21000, 3)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 2)
	assert.Equal(t, "short", trades[0].Side)
	assert.InDelta(t, 100.0, trades[0].PnL, 1e-9)
	assert.Equal(t, "long", trades[1].Side)
	assert.InDelta(t, 100.0, trades[1].PnL, 1e-9)
}

func TestReconstruct_LiftsExitLevelsFromOpeningDecision(t *testing.T) {
	opening := record(1, action("open_long", "BTCUSDT", 0.1, 5, 20000, 1))
	opening.DecisionJSON = `[{"symbol":"BTCUSDT","action":"open_long","quantity":0.1,"leverage":5,"take_profit":21000,"stop_loss":19500}]`

	records := []*journal.DecisionRecord{
		opening,
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 20800, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	assert.InDelta(t, 21000.0, trades[0].TakeProfit, 1e-9)
	assert.InDelta(t, 19500.0, trades[0].StopLoss, 1e-9)
}

func TestReconstruct_NoExitLevelsWithoutDecisionJSON(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("open_long", "BTCUSDT", 0.1, 5, 20000, 1)),
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 20800, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	assert.Zero(t, trades[0].TakeProfit)
	assert.Zero(t, trades[0].StopLoss)
}

func TestReconstruct_SeedDecisionJSONIgnored(t *testing.T) {
	seed := record(0)
	seed.DecisionJSON = `{"seed":true}`
	opening := record(1, action("open_long", "BTCUSDT", 0.1, 5, 20000, 1))
	opening.DecisionJSON = `[{"symbol":"BTCUSDT","action":"open_long","take_profit":21000}]`

	records := []*journal.DecisionRecord{
		seed,
		opening,
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 20800, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	assert.InDelta(t, 21000.0, trades[0].TakeProfit, 1e-9)
	assert.Zero(t, trades[0].StopLoss)
}

func TestReconstruct_ZeroLeverageHasZeroMarginAndPct(t *testing.T) {
	records := []*journal.DecisionRecord{
		record(1, action("open_long", "BTCUSDT", 0.1, 0, 20000, 1)),
		record(2, action("close_long", "BTCUSDT", 0.1, 0, 21000, 2)),
	}

	trades := Reconstruct(records)
	require.Len(t, trades, 1)
	assert.Zero(t, trades[0].Margin)
	assert.Zero(t, trades[0].PnLPct)
	assert.InDelta(t, 100.0, trades[0].PnL, 1e-9)
}
