package decision

import (
	"fmt"
	"sort"
	"strings"
)

// PromptBuilder renders a Context into the system/user prompt pair sent to
// the completion client.
type PromptBuilder struct{}

// NewPromptBuilder creates a new prompt builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// BuildSystemPrompt returns the fixed trading contract prompt.
func (pb *PromptBuilder) BuildSystemPrompt() string {
	return `You are a professional cryptocurrency futures trading analyst. Analyze the
provided market data and current positions, then output trading decisions.

## Principles

- Capital preservation comes before profit. Missing an opportunity is better
  than losing capital.
- Trade with the trend; wait for pullbacks instead of chasing.
- Keep total margin usage within the stated limits.
- If no good setup exists, wait.

## Output Format

Your reply must contain exactly one JSON array of decision objects. You may
reason in free text before the array, but the array must be valid JSON:

[
  {
    "symbol": "BTCUSDT",
    "action": "open_long",
    "quantity": 0.1,
    "leverage": 5,
    "stop_loss": 19000,
    "take_profit": 21000,
    "confidence": 75,
    "reasoning": "brief explanation"
  }
]

## Fields

- symbol: trading pair, or "ALL" when waiting
- action: one of "open_long", "open_short", "close_long", "close_short", "hold", "wait"
- quantity: position size in base asset units
- leverage: leverage multiplier within the stated caps
- stop_loss / take_profit: price levels, not percentages
- confidence: 0-100
- reasoning: brief explanation

## Rules

1. All numbers must be precise single values - no ranges, no thousand separators.
2. For longs: stop_loss < current price < take_profit. Reversed for shorts.
3. Never open a position that duplicates an existing (symbol, side).
4. If nothing is actionable, output [{"symbol": "ALL", "action": "wait", "reasoning": "..."}].
5. Use straight ASCII quotes and output valid JSON.`
}

// BuildUserPrompt renders the current cycle's context.
func (pb *PromptBuilder) BuildUserPrompt(ctx *Context) string {
	var sb strings.Builder

	sb.WriteString("# Current Trading Context\n\n")
	sb.WriteString(fmt.Sprintf("**Time**: %s\n", ctx.CurrentTime.UTC().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("**Runtime**: %d minutes\n", ctx.RuntimeMinutes))
	sb.WriteString(fmt.Sprintf("**Cycle**: #%d\n\n", ctx.CycleNumber))

	sb.WriteString("## Account Status\n\n")
	sb.WriteString(fmt.Sprintf("- Total Balance: $%.2f\n", ctx.Account.TotalBalance))
	sb.WriteString(fmt.Sprintf("- Available Balance: $%.2f\n", ctx.Account.AvailableBalance))
	sb.WriteString(fmt.Sprintf("- Unrealized PnL: $%.2f\n", ctx.Account.UnrealizedProfit))
	sb.WriteString(fmt.Sprintf("- Margin Used: %.2f%%\n", ctx.Account.MarginUsedPct))
	sb.WriteString(fmt.Sprintf("- Position Count: %d\n\n", ctx.Account.PositionCount))

	if ctx.Account.MarginUsedPct > 50 {
		sb.WriteString("**WARNING: High margin usage. Consider reducing positions.**\n\n")
	}

	if len(ctx.Positions) > 0 {
		sb.WriteString("## Current Positions\n\n")
		for _, pos := range ctx.Positions {
			sb.WriteString(fmt.Sprintf("### %s %s\n", pos.Symbol, strings.ToUpper(pos.Side)))
			sb.WriteString(fmt.Sprintf("- Entry: $%.4f | Mark: $%.4f\n", pos.EntryPrice, pos.MarkPrice))
			sb.WriteString(fmt.Sprintf("- Quantity: %.4f | Leverage: %dx\n", pos.Quantity, pos.Leverage))
			sb.WriteString(fmt.Sprintf("- Unrealized PnL: $%.2f\n", pos.UnrealizedProfit))
			sb.WriteString(fmt.Sprintf("- Liquidation Price: $%.4f\n\n", pos.LiquidationPrice))
		}
	} else {
		sb.WriteString("## Current Positions\n\nNo open positions.\n\n")
	}

	if len(ctx.CandidateCoins) > 0 {
		sb.WriteString("## Candidate Coins\n\n")
		for _, coin := range ctx.CandidateCoins {
			sb.WriteString(fmt.Sprintf("- %s (sources: %s)\n", coin.Symbol, strings.Join(coin.Sources, ", ")))
		}
		sb.WriteString("\n")
	}

	if len(ctx.MarketDataMap) > 0 {
		sb.WriteString("## Market Data\n\n")
		for _, symbol := range sortedSymbols(ctx) {
			data := ctx.MarketDataMap[symbol]
			sb.WriteString(fmt.Sprintf("### %s\n", symbol))
			sb.WriteString(fmt.Sprintf("- Price: $%.4f | 24h Change: %.2f%%\n", data.CurrentPrice, data.Change24h))
			sb.WriteString(fmt.Sprintf("- 1h Change: %.2f%% | 4h Change: %.2f%%\n", data.PriceChange1h, data.PriceChange4h))
			sb.WriteString(fmt.Sprintf("- 24h High: $%.4f | Low: $%.4f\n", data.High24h, data.Low24h))
			sb.WriteString(fmt.Sprintf("- 24h Volume: $%.2f\n", data.Volume24h))
			sb.WriteString(fmt.Sprintf("- Open Interest: $%.2f | OI Change: %.2f%%\n", data.OpenInterest, data.OIChange24h))
			sb.WriteString(fmt.Sprintf("- Funding Rate: %.4f%%\n", data.FundingRate*100))
			if oi, ok := ctx.OITopMap[symbol]; ok {
				sb.WriteString(fmt.Sprintf("- OI Rank: #%d | OI Delta: %.2f%% | Price Delta: %.2f%%\n",
					oi.Rank, oi.OIDeltaPercent, oi.PriceDeltaPercent))
			}
			sb.WriteString("\n")
		}
	}

	if ctx.Performance != "" {
		sb.WriteString("## Performance Summary\n\n")
		sb.WriteString(ctx.Performance)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Position Limits\n\n")
	sb.WriteString(fmt.Sprintf("- BTC/ETH: max %dx leverage\n", ctx.Leverage.BTCETHLeverage))
	sb.WriteString(fmt.Sprintf("- Altcoins: max %dx leverage\n\n", ctx.Leverage.AltcoinLeverage))

	sb.WriteString("Analyze the context above and output your decision array.\n")

	return sb.String()
}

// sortedSymbols returns the market-data keys in a stable order so prompts are
// reproducible for a given context.
func sortedSymbols(ctx *Context) []string {
	symbols := make([]string, 0, len(ctx.MarketDataMap))
	for symbol := range ctx.MarketDataMap {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
