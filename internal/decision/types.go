package decision

import (
	"time"

	"github.com/tradequorum/tradequorum/internal/market"
)

// Trading actions an AI decision may carry. Anything else is rejected by the
// parser and the cycle degrades to a wait.
const (
	ActionOpenLong   = "open_long"
	ActionOpenShort  = "open_short"
	ActionCloseLong  = "close_long"
	ActionCloseShort = "close_short"
	ActionHold       = "hold"
	ActionWait       = "wait"
)

// SymbolAll is the symbol used by portfolio-wide decisions such as wait.
const SymbolAll = "ALL"

// ValidAction reports whether action is one of the supported trading actions.
func ValidAction(action string) bool {
	switch action {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		return true
	}
	return false
}

// IsTradeAction reports whether action opens or closes a position.
func IsTradeAction(action string) bool {
	switch action {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort:
		return true
	}
	return false
}

// AccountSnapshot is the account view embedded in a Context and persisted with
// each journal record.
type AccountSnapshot struct {
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	PositionCount    int     `json:"position_count"`
	MarginUsedPct    float64 `json:"margin_used_pct"`
}

// Position is an open futures position as reported by the position store.
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // long or short
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// MarginUsed returns the margin locked by this position, 0 when leverage is
// not set.
func (p *Position) MarginUsed() float64 {
	if p.Leverage <= 0 {
		return 0
	}
	return p.Quantity * p.EntryPrice / float64(p.Leverage)
}

// LeveragePolicy carries the configured leverage caps per symbol class.
type LeveragePolicy struct {
	BTCETHLeverage  int `json:"btc_eth_leverage"`
	AltcoinLeverage int `json:"altcoin_leverage"`
}

// Context is the full input handed to a decision source for one cycle. The
// scheduler owns it exclusively for the duration of the cycle.
type Context struct {
	CurrentTime    time.Time              `json:"current_time"`
	RuntimeMinutes int                    `json:"runtime_minutes"`
	CycleNumber    int                    `json:"cycle_number"`
	Account        AccountSnapshot        `json:"account"`
	Positions      []Position             `json:"positions"`
	CandidateCoins []market.CandidateCoin `json:"candidate_coins"`
	MarketDataMap  map[string]*market.Data
	OITopMap       map[string]*market.OITop
	Leverage       LeveragePolicy `json:"leverage"`

	// Performance is an opaque, read-only summary of past results that is
	// rendered into the prompt verbatim.
	Performance string `json:"performance,omitempty"`
}

// Clone returns a copy safe to hand to a concurrent agent. Map fields are
// nilled so each agent populates its own; slices stay shared and must be
// treated as read-only by the recipient.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	clone := *c
	clone.MarketDataMap = nil
	clone.OITopMap = nil
	return &clone
}

// Decision is a single structured trading instruction from the AI.
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity,omitempty"`
	Leverage   int     `json:"leverage,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// FullDecision is the complete output of one decision cycle: the ordered
// decision list plus the audit trail around it.
type FullDecision struct {
	Decisions   []Decision `json:"decisions"`
	CoTTrace    string     `json:"cot_trace"`
	UserPrompt  string     `json:"user_prompt"`
	RawResponse string     `json:"raw_response"`
}

// WaitDecision builds the single-entry decision list for a trader that
// declines to act this cycle.
func WaitDecision(reason string) []Decision {
	return []Decision{{
		Symbol:    SymbolAll,
		Action:    ActionWait,
		Reasoning: reason,
	}}
}
