package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_PlainArray(t *testing.T) {
	raw := `[{"symbol":"BTCUSDT","action":"open_long","quantity":0.1,"leverage":5,"confidence":80,"reasoning":"breakout"}]`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)

	d := fd.Decisions[0]
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.Equal(t, ActionOpenLong, d.Action)
	assert.Equal(t, 0.1, d.Quantity)
	assert.Equal(t, 5, d.Leverage)
	assert.Equal(t, 80.0, d.Confidence)

	// A reply that opens with the array carries no chain of thought
	assert.Empty(t, fd.CoTTrace)
}

func TestParseResponse_ArrayEmbeddedInProse(t *testing.T) {
	raw := `Looking at the market, BTC shows strong momentum above the 4h resistance.
Funding is neutral and OI is climbing, so I will open a small long.

[{"symbol":"BTCUSDT","action":"open_long","quantity":0.1,"leverage":5,"reasoning":"momentum"}]

That is my final answer.`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, ActionOpenLong, fd.Decisions[0].Action)
	assert.Contains(t, fd.CoTTrace, "strong momentum")
	assert.NotContains(t, fd.CoTTrace, "final answer")
}

func TestParseResponse_CodeFence(t *testing.T) {
	raw := "Here is my decision:\n```json\n[{\"symbol\": \"ETHUSDT\", \"action\": \"open_short\", \"quantity\": 1.5, \"leverage\": 3}]\n```"

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "ETHUSDT", fd.Decisions[0].Symbol)
	assert.Equal(t, ActionOpenShort, fd.Decisions[0].Action)
}

func TestParseResponse_SmartQuotes(t *testing.T) {
	raw := `[{“symbol”: “ALL”, “action”: “wait”, “reasoning”: “no setup”}]`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, SymbolAll, fd.Decisions[0].Symbol)
	assert.Equal(t, ActionWait, fd.Decisions[0].Action)
}

func TestParseResponse_LongestArrayWins(t *testing.T) {
	// Reasoning mentions a bracketed list before the actual decision array
	raw := `Candidates considered: ["BTCUSDT"]
[{"symbol":"BTCUSDT","action":"hold","reasoning":"consolidating"},{"symbol":"ALL","action":"wait","reasoning":"nothing else"}]`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 2)
	assert.Equal(t, ActionHold, fd.Decisions[0].Action)
	assert.Equal(t, ActionWait, fd.Decisions[1].Action)
}

func TestParseResponse_UnknownAction(t *testing.T) {
	raw := `[{"symbol":"BTCUSDT","action":"liquidate_everything"}]`

	fd, err := ParseResponse(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
	assert.Empty(t, fd.Decisions)
}

func TestParseResponse_NoArray(t *testing.T) {
	raw := "I think the market looks bearish but I cannot commit to a decision."

	fd, err := ParseResponse(raw)
	require.Error(t, err)
	assert.Empty(t, fd.Decisions)
	assert.Equal(t, raw, fd.CoTTrace)
}

func TestParseResponse_MissingNumericFieldsDefaultToZero(t *testing.T) {
	raw := `[{"symbol":"BTCUSDT","action":"close_long"}]`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Zero(t, fd.Decisions[0].Quantity)
	assert.Zero(t, fd.Decisions[0].Leverage)
	assert.Zero(t, fd.Decisions[0].Confidence)
}

func TestParseResponse_BracketInsideString(t *testing.T) {
	raw := `[{"symbol":"BTCUSDT","action":"wait","reasoning":"range [19k, 21k] holding"}]`

	fd, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "range [19k, 21k] holding", fd.Decisions[0].Reasoning)
}
