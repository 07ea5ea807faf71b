// Package trader runs the per-trader cycle loop: snapshot the market, ask the
// decision source, screen through risk, execute on the paper broker and
// append the cycle to the journal.
package trader

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/journal"
	"github.com/tradequorum/tradequorum/internal/market"
)

type positionKey struct {
	symbol string
	side   string
}

// PaperBroker simulates a futures account: margin is locked on open and
// released with realized pnl on close. No fees, no slippage, fills at the
// snapshot price.
type PaperBroker struct {
	mu        sync.Mutex
	available float64
	positions map[positionKey]*decision.Position
	nextOrder int64
}

// NewPaperBroker starts an account with the given balance.
func NewPaperBroker(balance float64) *PaperBroker {
	return &PaperBroker{
		available: balance,
		positions: make(map[positionKey]*decision.Position),
		nextOrder: 1,
	}
}

// Restore overwrites the account with journalled state after a restart.
func (b *PaperBroker) Restore(available float64, positions []decision.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.available = available
	b.positions = make(map[positionKey]*decision.Position, len(positions))
	for i := range positions {
		p := positions[i]
		b.positions[positionKey{symbol: p.Symbol, side: p.Side}] = &p
	}
}

// MarkToMarket refreshes mark prices and unrealized pnl from the snapshot.
// Symbols missing from the snapshot keep their last mark.
func (b *PaperBroker) MarkToMarket(data map[string]*market.Data) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.positions {
		md, ok := data[p.Symbol]
		if !ok || md.CurrentPrice <= 0 {
			continue
		}
		p.MarkPrice = md.CurrentPrice
		p.UnrealizedProfit = p.Quantity * (p.MarkPrice - p.EntryPrice)
		if p.Side == "short" {
			p.UnrealizedProfit = -p.UnrealizedProfit
		}
	}
}

// Snapshot returns the account view for prompts, risk and the journal.
func (b *PaperBroker) Snapshot() decision.AccountSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var margin, unrealized float64
	for _, p := range b.positions {
		margin += p.MarginUsed()
		unrealized += p.UnrealizedProfit
	}

	snap := decision.AccountSnapshot{
		TotalBalance:     b.available + margin + unrealized,
		AvailableBalance: b.available,
		UnrealizedProfit: unrealized,
		PositionCount:    len(b.positions),
	}
	if snap.TotalBalance > 0 {
		snap.MarginUsedPct = margin / snap.TotalBalance * 100
	}
	return snap
}

// Positions returns the open positions sorted by symbol then side.
func (b *PaperBroker) Positions() []decision.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]decision.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Execute fills one accepted trade decision at price and returns the journal
// action describing what happened.
func (b *PaperBroker) Execute(d decision.Decision, price float64, now time.Time) journal.Action {
	b.mu.Lock()
	defer b.mu.Unlock()

	act := journal.Action{
		Action:    d.Action,
		Symbol:    d.Symbol,
		Quantity:  d.Quantity,
		Leverage:  d.Leverage,
		Price:     price,
		Timestamp: now,
	}

	switch d.Action {
	case decision.ActionOpenLong, decision.ActionOpenShort:
		return b.open(d, price, act)
	case decision.ActionCloseLong, decision.ActionCloseShort:
		return b.close(d, price, act)
	default:
		act.Error = fmt.Sprintf("action %q is not executable", d.Action)
		return act
	}
}

func (b *PaperBroker) open(d decision.Decision, price float64, act journal.Action) journal.Action {
	if price <= 0 {
		act.Error = fmt.Sprintf("no price for %s", d.Symbol)
		return act
	}
	if d.Leverage <= 0 {
		act.Error = "leverage must be positive"
		return act
	}

	key := positionKey{symbol: d.Symbol, side: sideOf(d.Action)}
	if _, exists := b.positions[key]; exists {
		act.Error = fmt.Sprintf("position %s %s already open", key.symbol, key.side)
		return act
	}

	margin := d.Quantity * price / float64(d.Leverage)
	if margin > b.available {
		act.Error = fmt.Sprintf("margin %.2f exceeds available %.2f", margin, b.available)
		return act
	}

	b.available -= margin
	b.positions[key] = &decision.Position{
		Symbol:     d.Symbol,
		Side:       key.side,
		Quantity:   d.Quantity,
		EntryPrice: price,
		MarkPrice:  price,
		Leverage:   d.Leverage,
	}
	act.OrderID = b.nextOrder
	b.nextOrder++
	act.Success = true
	return act
}

func (b *PaperBroker) close(d decision.Decision, price float64, act journal.Action) journal.Action {
	key := positionKey{symbol: d.Symbol, side: sideOf(d.Action)}
	p, exists := b.positions[key]
	if !exists {
		act.Error = fmt.Sprintf("no open %s %s position", key.symbol, key.side)
		return act
	}
	if price <= 0 {
		price = p.MarkPrice
	}
	if price <= 0 {
		act.Error = fmt.Sprintf("no price for %s", d.Symbol)
		return act
	}

	pnl := p.Quantity * (price - p.EntryPrice)
	if p.Side == "short" {
		pnl = -pnl
	}

	b.available += p.MarginUsed() + pnl
	delete(b.positions, key)

	act.Quantity = p.Quantity
	act.Leverage = p.Leverage
	act.Price = price
	act.OrderID = b.nextOrder
	b.nextOrder++
	act.Success = true
	return act
}

func sideOf(action string) string {
	switch action {
	case decision.ActionOpenLong, decision.ActionCloseLong:
		return "long"
	default:
		return "short"
	}
}
