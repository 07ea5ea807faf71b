// Package risk is the pure decision-screening layer: leverage caps, margin
// and duplicate-position gates, and automatic take-profit injection. It never
// touches I/O; the scheduler records its verdicts in the execution log.
package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// DefaultLeverage caps leverage when neither the decision nor the
// configuration names one.
const DefaultLeverage = 5

// Config carries the policy knobs.
type Config struct {
	BTCETHLeverage    int
	AltcoinLeverage   int
	AutoTakeProfitPct float64
}

// Verdict is the outcome of screening one decision.
type Verdict struct {
	Decision decision.Decision
	Accepted bool
	Reason   string
}

// Policy screens decisions against the account and market state.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy, filling unset leverage caps with the default.
func NewPolicy(cfg Config) *Policy {
	if cfg.BTCETHLeverage <= 0 {
		cfg.BTCETHLeverage = DefaultLeverage
	}
	if cfg.AltcoinLeverage <= 0 {
		cfg.AltcoinLeverage = DefaultLeverage
	}
	return &Policy{cfg: cfg}
}

// Apply screens the decision list against ctx. Auto-take-profit closes are
// injected at the front, before the AI's own decisions. The returned verdicts
// preserve order; rejected entries carry the reason and are not executed.
func (p *Policy) Apply(ctx *decision.Context, decisions []decision.Decision) []Verdict {
	screened := append(p.autoTakeProfitCloses(ctx), decisions...)

	verdicts := make([]Verdict, 0, len(screened))
	for _, d := range screened {
		verdicts = append(verdicts, p.screen(ctx, d))
	}
	return verdicts
}

// autoTakeProfitCloses returns synthetic close decisions for positions whose
// profit on margin has reached the configured threshold.
func (p *Policy) autoTakeProfitCloses(ctx *decision.Context) []decision.Decision {
	if p.cfg.AutoTakeProfitPct <= 0 {
		return nil
	}

	var closes []decision.Decision
	for i := range ctx.Positions {
		pos := &ctx.Positions[i]
		margin := pos.MarginUsed()
		if margin <= 0 {
			continue
		}
		profitPct := pos.UnrealizedProfit / margin * 100
		if profitPct < p.cfg.AutoTakeProfitPct {
			continue
		}

		action := decision.ActionCloseLong
		if pos.Side == "short" {
			action = decision.ActionCloseShort
		}

		log.Info().
			Str("symbol", pos.Symbol).
			Str("side", pos.Side).
			Float64("profit_pct", profitPct).
			Float64("threshold", p.cfg.AutoTakeProfitPct).
			Msg("Auto take-profit triggered")

		closes = append(closes, decision.Decision{
			Symbol:   pos.Symbol,
			Action:   action,
			Quantity: pos.Quantity,
			Reasoning: fmt.Sprintf("auto take-profit: %.2f%% >= %.2f%% threshold",
				profitPct, p.cfg.AutoTakeProfitPct),
		})
	}
	return closes
}

func (p *Policy) screen(ctx *decision.Context, d decision.Decision) Verdict {
	if !decision.IsTradeAction(d.Action) {
		return Verdict{Decision: d, Accepted: true}
	}

	// Symbol gate: no market data, no trade
	if _, ok := ctx.MarketDataMap[d.Symbol]; !ok {
		return Verdict{
			Decision: d,
			Reason:   fmt.Sprintf("no market data for %s", d.Symbol),
		}
	}

	d.Leverage = p.clampLeverage(d.Symbol, d.Leverage)

	switch d.Action {
	case decision.ActionOpenLong, decision.ActionOpenShort:
		side := "long"
		if d.Action == decision.ActionOpenShort {
			side = "short"
		}
		for i := range ctx.Positions {
			if ctx.Positions[i].Symbol == d.Symbol && ctx.Positions[i].Side == side {
				return Verdict{
					Decision: d,
					Reason:   fmt.Sprintf("duplicate %s %s position", d.Symbol, side),
				}
			}
		}

		price := ctx.MarketDataMap[d.Symbol].CurrentPrice
		margin := d.Quantity * price / float64(d.Leverage)
		if margin > ctx.Account.AvailableBalance {
			return Verdict{
				Decision: d,
				Reason: fmt.Sprintf("required margin %.2f exceeds available balance %.2f",
					margin, ctx.Account.AvailableBalance),
			}
		}
	}

	return Verdict{Decision: d, Accepted: true}
}

// clampLeverage enforces the per-class cap; BTC and ETH share the higher
// class, everything else is an altcoin.
func (p *Policy) clampLeverage(symbol string, leverage int) int {
	limit := p.cfg.AltcoinLeverage
	if symbol == "BTCUSDT" || symbol == "ETHUSDT" {
		limit = p.cfg.BTCETHLeverage
	}

	if leverage <= 0 {
		leverage = DefaultLeverage
	}
	if leverage > limit {
		leverage = limit
	}
	return leverage
}
