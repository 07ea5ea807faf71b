package backtest

import (
	"math"
	"sort"
)

// DefaultThresholds are the auto-close take-profit levels replayed by a run,
// expressed as percent return on margin. 0 disables the rule and reproduces
// the historical outcome unchanged.
var DefaultThresholds = []float64{0, 1, 2, 3, 5, 10, 20}

const (
	startingEquity  = 10000.0
	profitFactorCap = 999.0
)

// StrategyResult scores one auto-close threshold over the trade history.
type StrategyResult struct {
	Threshold      float64 `json:"threshold"`
	TotalTrades    int     `json:"total_trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	Neutral        int     `json:"neutral"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
	FinalEquity    float64 `json:"final_equity"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	AvgHoldMinutes float64 `json:"avg_hold_minutes"`
	EarlyCloses    int     `json:"early_closes"`
	MissedProfit   float64 `json:"missed_profit"`
}

// Simulate replays the trades with an auto-close rule at threshold percent
// return on margin. Profitable excursions past the auto-close price are
// clipped to it; losses are never touched.
func Simulate(trades []Trade, threshold float64) StrategyResult {
	ordered := make([]Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CloseTime.Before(ordered[j].CloseTime)
	})

	res := StrategyResult{Threshold: threshold, TotalTrades: len(ordered), FinalEquity: startingEquity}

	var (
		equity      = startingEquity
		maxEquity   = startingEquity
		returns     []float64
		grossWin    float64
		grossLoss   float64
		holdMinutes float64
	)

	for _, t := range ordered {
		pnl := t.PnL
		if threshold > 0 && t.Leverage > 0 {
			closePrice, missed, clipped := autoClose(t, threshold)
			if clipped {
				res.EarlyCloses++
				res.MissedProfit += missed
				pnl = t.Quantity * (closePrice - t.OpenPrice)
				if t.Side == "short" {
					pnl = -pnl
				}
			}
		}

		res.TotalPnL += pnl
		switch {
		case pnl > 0:
			res.Wins++
			grossWin += pnl
		case pnl < 0:
			res.Losses++
			grossLoss += -pnl
		default:
			res.Neutral++
		}
		holdMinutes += t.HoldMinutes

		if equity > 0 {
			returns = append(returns, pnl/equity)
		}
		equity += pnl
		if equity > maxEquity {
			maxEquity = equity
		}
		if maxEquity > 0 {
			dd := (maxEquity - equity) / maxEquity * 100
			if dd > res.MaxDrawdownPct {
				res.MaxDrawdownPct = dd
			}
		}
	}

	res.FinalEquity = equity
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.TotalTrades) * 100
		res.AvgHoldMinutes = holdMinutes / float64(res.TotalTrades)
	}
	if res.Wins > 0 {
		res.AvgWin = grossWin / float64(res.Wins)
	}
	if res.Losses > 0 {
		res.AvgLoss = -grossLoss / float64(res.Losses)
	}
	switch {
	case grossLoss > 0:
		res.ProfitFactor = grossWin / grossLoss
		if res.ProfitFactor > profitFactorCap {
			res.ProfitFactor = profitFactorCap
		}
	case grossWin > 0:
		res.ProfitFactor = profitFactorCap
	}
	res.Sharpe = sharpe(returns)

	return res
}

// autoClose returns the price the rule would have closed at, the profit given
// up relative to the historical close, and whether the rule fired.
func autoClose(t Trade, threshold float64) (closePrice, missed float64, clipped bool) {
	priceChangePct := threshold / (100 * float64(t.Leverage))

	if t.Side == "long" {
		auto := t.OpenPrice * (1 + priceChangePct)
		if t.ClosePrice > auto {
			return auto, t.Quantity * (t.ClosePrice - auto), true
		}
	} else {
		auto := t.OpenPrice * (1 - priceChangePct)
		if t.ClosePrice < auto {
			return auto, t.Quantity * (auto - t.ClosePrice), true
		}
	}
	return t.ClosePrice, 0, false
}

// sharpe is the mean over standard deviation of per-trade equity returns,
// zero when the series is flat or too short.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// SimulateAll scores every threshold, ascending.
func SimulateAll(trades []Trade, thresholds []float64) []StrategyResult {
	ordered := make([]float64, len(thresholds))
	copy(ordered, thresholds)
	sort.Float64s(ordered)

	results := make([]StrategyResult, 0, len(ordered))
	for _, th := range ordered {
		results = append(results, Simulate(trades, th))
	}
	return results
}

// bestBy returns the threshold with the highest metric value. Results arrive
// ascending by threshold, so ties resolve to the lowest threshold.
func bestBy(results []StrategyResult, metric func(StrategyResult) float64) float64 {
	if len(results) == 0 {
		return 0
	}
	best := results[0]
	for _, r := range results[1:] {
		if metric(r) > metric(best) {
			best = r
		}
	}
	return best.Threshold
}
