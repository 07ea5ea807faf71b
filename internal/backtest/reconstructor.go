// Package backtest rebuilds completed trades from the decision journal and
// replays them under hypothetical auto-close thresholds to score what a
// profit-taking rule would have done to realized performance.
package backtest

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/journal"
)

// Trade is one completed round trip reconstructed from journal actions.
type Trade struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"` // long or short
	Quantity    float64   `json:"quantity"`
	Leverage    int       `json:"leverage"`
	OpenPrice   float64   `json:"open_price"`
	ClosePrice  float64   `json:"close_price"`
	OpenTime    time.Time `json:"open_time"`
	CloseTime   time.Time `json:"close_time"`
	OpenCycle   int       `json:"open_cycle"`
	CloseCycle  int       `json:"close_cycle"`
	PnL         float64   `json:"pnl"`
	Margin      float64   `json:"margin"`
	PnLPct      float64   `json:"pnl_pct"`
	HoldMinutes float64   `json:"hold_minutes"`
	TakeProfit  float64   `json:"take_profit,omitempty"` // from the opening decision
	StopLoss    float64   `json:"stop_loss,omitempty"`
}

// openTrade tracks a position opened but not yet closed during the replay.
type openTrade struct {
	quantity   float64
	leverage   int
	openPrice  float64
	openTime   time.Time
	openCycle  int
	takeProfit float64
	stopLoss   float64
}

// exitLevels are the optional take-profit/stop-loss prices attached to an
// opening decision.
type exitLevels struct {
	takeProfit float64
	stopLoss   float64
}

type tradeKey struct {
	symbol string
	side   string
}

// Reconstruct folds the journal records in cycle order into completed trades.
// Only successful actions move positions; a second open on the same
// (symbol, side) replaces the first, and closes without a matching open are
// skipped.
func Reconstruct(records []*journal.DecisionRecord) []Trade {
	open := make(map[tradeKey]*openTrade)
	var trades []Trade

	for _, rec := range records {
		levels := openDecisionLevels(rec.DecisionJSON)

		for _, act := range rec.Actions {
			if !act.Success {
				continue
			}

			switch act.Action {
			case decision.ActionOpenLong, decision.ActionOpenShort:
				key := tradeKey{symbol: act.Symbol, side: sideOf(act.Action)}
				if _, exists := open[key]; exists {
					log.Debug().
						Str("symbol", act.Symbol).
						Str("side", key.side).
						Int("cycle", rec.CycleNumber).
						Msg("Re-open replaces untracked prior position")
				}
				lv := levels[decisionKey{symbol: act.Symbol, action: act.Action}]
				open[key] = &openTrade{
					quantity:   act.Quantity,
					leverage:   act.Leverage,
					openPrice:  act.Price,
					openTime:   act.Timestamp,
					openCycle:  rec.CycleNumber,
					takeProfit: lv.takeProfit,
					stopLoss:   lv.stopLoss,
				}

			case decision.ActionCloseLong, decision.ActionCloseShort:
				key := tradeKey{symbol: act.Symbol, side: sideOf(act.Action)}
				ot, exists := open[key]
				if !exists {
					continue
				}
				delete(open, key)
				trades = append(trades, completeTrade(key, ot, act.Price, act.Timestamp, rec.CycleNumber))
			}
		}
	}

	return trades
}

type decisionKey struct {
	symbol string
	action string
}

// openDecisionLevels lifts take-profit/stop-loss from the record's decision
// list, keyed by (symbol, action). Unparseable decision JSON (the seed
// record, failed cycles) yields nothing.
func openDecisionLevels(decisionJSON string) map[decisionKey]exitLevels {
	if decisionJSON == "" {
		return nil
	}
	var decisions []decision.Decision
	if err := json.Unmarshal([]byte(decisionJSON), &decisions); err != nil {
		return nil
	}

	levels := make(map[decisionKey]exitLevels)
	for _, d := range decisions {
		if d.TakeProfit == 0 && d.StopLoss == 0 {
			continue
		}
		levels[decisionKey{symbol: d.Symbol, action: d.Action}] = exitLevels{
			takeProfit: d.TakeProfit,
			stopLoss:   d.StopLoss,
		}
	}
	return levels
}

func sideOf(action string) string {
	switch action {
	case decision.ActionOpenLong, decision.ActionCloseLong:
		return "long"
	default:
		return "short"
	}
}

func completeTrade(key tradeKey, ot *openTrade, closePrice float64, closeTime time.Time, closeCycle int) Trade {
	t := Trade{
		Symbol:     key.symbol,
		Side:       key.side,
		Quantity:   ot.quantity,
		Leverage:   ot.leverage,
		OpenPrice:  ot.openPrice,
		ClosePrice: closePrice,
		OpenTime:   ot.openTime,
		CloseTime:  closeTime,
		OpenCycle:  ot.openCycle,
		CloseCycle: closeCycle,
		TakeProfit: ot.takeProfit,
		StopLoss:   ot.stopLoss,
	}

	t.PnL = ot.quantity * (closePrice - ot.openPrice)
	if key.side == "short" {
		t.PnL = -t.PnL
	}
	if ot.leverage > 0 {
		t.Margin = ot.quantity * ot.openPrice / float64(ot.leverage)
	}
	if t.Margin != 0 {
		t.PnLPct = t.PnL / t.Margin * 100
	}
	if !ot.openTime.IsZero() && !closeTime.IsZero() {
		t.HoldMinutes = closeTime.Sub(ot.openTime).Minutes()
	}
	return t
}
