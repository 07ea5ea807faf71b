package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/market"
)

func policyContext() *decision.Context {
	return &decision.Context{
		Account: decision.AccountSnapshot{
			TotalBalance:     10000,
			AvailableBalance: 9600,
			PositionCount:    1,
		},
		Positions: []decision.Position{
			{Symbol: "BTCUSDT", Side: "long", Quantity: 0.1, EntryPrice: 20000, MarkPrice: 20300, UnrealizedProfit: 30, Leverage: 5},
		},
		MarketDataMap: map[string]*market.Data{
			"BTCUSDT":  {Symbol: "BTCUSDT", CurrentPrice: 20300},
			"ETHUSDT":  {Symbol: "ETHUSDT", CurrentPrice: 1500},
			"DOGEUSDT": {Symbol: "DOGEUSDT", CurrentPrice: 0.1},
		},
		Leverage: decision.LeveragePolicy{BTCETHLeverage: 10, AltcoinLeverage: 5},
	}
}

func TestPolicy_LeverageClamp(t *testing.T) {
	p := NewPolicy(Config{BTCETHLeverage: 10, AltcoinLeverage: 5})

	tests := []struct {
		name     string
		symbol   string
		leverage int
		want     int
	}{
		{"btc within cap", "BTCUSDT", 8, 8},
		{"btc above cap", "BTCUSDT", 20, 10},
		{"eth above cap", "ETHUSDT", 15, 10},
		{"altcoin above cap", "DOGEUSDT", 8, 5},
		{"unset defaults to 5", "DOGEUSDT", 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := policyContext()
			verdicts := p.Apply(ctx, []decision.Decision{
				{Symbol: tt.symbol, Action: decision.ActionOpenShort, Quantity: 0.01, Leverage: tt.leverage},
			})
			require.Len(t, verdicts, 1)
			assert.Equal(t, tt.want, verdicts[0].Decision.Leverage)
		})
	}
}

func TestPolicy_AutoTakeProfitInjection(t *testing.T) {
	p := NewPolicy(Config{BTCETHLeverage: 10, AltcoinLeverage: 5, AutoTakeProfitPct: 1.0})

	ctx := policyContext()
	// margin = 0.1*20000/5 = 400; profit 6 -> 1.5% >= 1.0% threshold
	ctx.Positions[0].UnrealizedProfit = 6

	aiDecisions := []decision.Decision{
		{Symbol: "ETHUSDT", Action: decision.ActionOpenLong, Quantity: 0.5, Leverage: 5},
	}

	verdicts := p.Apply(ctx, aiDecisions)
	require.Len(t, verdicts, 2)

	// Synthetic close comes first, before the AI's own decisions
	assert.Equal(t, decision.ActionCloseLong, verdicts[0].Decision.Action)
	assert.Equal(t, "BTCUSDT", verdicts[0].Decision.Symbol)
	assert.Equal(t, 0.1, verdicts[0].Decision.Quantity)
	assert.True(t, verdicts[0].Accepted)

	assert.Equal(t, decision.ActionOpenLong, verdicts[1].Decision.Action)
}

func TestPolicy_AutoTakeProfitBelowThreshold(t *testing.T) {
	p := NewPolicy(Config{AutoTakeProfitPct: 2.0})

	ctx := policyContext()
	ctx.Positions[0].UnrealizedProfit = 6 // 1.5% < 2.0%

	verdicts := p.Apply(ctx, nil)
	assert.Empty(t, verdicts)
}

func TestPolicy_MarginGate(t *testing.T) {
	p := NewPolicy(Config{BTCETHLeverage: 10, AltcoinLeverage: 5})

	ctx := policyContext()
	ctx.Account.AvailableBalance = 100

	verdicts := p.Apply(ctx, []decision.Decision{
		// margin = 1*20300/10 = 2030 > 100
		{Symbol: "BTCUSDT", Action: decision.ActionOpenShort, Quantity: 1, Leverage: 10},
	})
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Accepted)
	assert.Contains(t, verdicts[0].Reason, "exceeds available balance")
}

func TestPolicy_DuplicatePositionGate(t *testing.T) {
	p := NewPolicy(Config{})

	verdicts := p.Apply(policyContext(), []decision.Decision{
		{Symbol: "BTCUSDT", Action: decision.ActionOpenLong, Quantity: 0.01, Leverage: 5},
	})
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Accepted)
	assert.Contains(t, verdicts[0].Reason, "duplicate")

	// Opposite side is allowed
	verdicts = p.Apply(policyContext(), []decision.Decision{
		{Symbol: "BTCUSDT", Action: decision.ActionOpenShort, Quantity: 0.01, Leverage: 5},
	})
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Accepted)
}

func TestPolicy_SymbolGate(t *testing.T) {
	p := NewPolicy(Config{})

	verdicts := p.Apply(policyContext(), []decision.Decision{
		{Symbol: "XRPUSDT", Action: decision.ActionOpenLong, Quantity: 1, Leverage: 5},
	})
	require.Len(t, verdicts, 1)
	assert.False(t, verdicts[0].Accepted)
	assert.Contains(t, verdicts[0].Reason, "no market data")
}

func TestPolicy_WaitAndHoldPassThrough(t *testing.T) {
	p := NewPolicy(Config{})

	verdicts := p.Apply(policyContext(), []decision.Decision{
		{Symbol: decision.SymbolAll, Action: decision.ActionWait},
		{Symbol: "BTCUSDT", Action: decision.ActionHold},
	})
	require.Len(t, verdicts, 2)
	assert.True(t, verdicts[0].Accepted)
	assert.True(t, verdicts[1].Accepted)
}
