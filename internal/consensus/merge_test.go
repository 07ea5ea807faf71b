package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradequorum/tradequorum/internal/decision"
)

func result(agentID string, weight float64, decisions ...decision.Decision) *agentResult {
	return &agentResult{
		agentID: agentID,
		weight:  weight,
		fd:      &decision.FullDecision{Decisions: decisions},
	}
}

func open(symbol string, confidence float64) decision.Decision {
	return decision.Decision{Symbol: symbol, Action: decision.ActionOpenLong, Confidence: confidence}
}

func wait(reason string) decision.Decision {
	return decision.Decision{Symbol: decision.SymbolAll, Action: decision.ActionWait, Reasoning: reason}
}

func TestMergeVoting_MajorityWins(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, open("BTCUSDT", 80)),
		result("a2", 0, open("BTCUSDT", 70)),
		result("a3", 0, wait("no setup")),
	}

	fd := mergeVoting(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "BTCUSDT", fd.Decisions[0].Symbol)
	assert.Equal(t, decision.ActionOpenLong, fd.Decisions[0].Action)
}

func TestMergeVoting_NoMajorityIsWait(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, open("BTCUSDT", 80)),
		result("a2", 0, open("ETHUSDT", 70)),
		result("a3", 0, wait("no setup")),
	}

	fd := mergeVoting(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.SymbolAll, fd.Decisions[0].Symbol)
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
}

func TestMergeVoting_DuplicateDecisionsCountOncePerAgent(t *testing.T) {
	// One agent repeating itself must not fake a majority
	valid := []*agentResult{
		result("a1", 0, open("BTCUSDT", 80), open("BTCUSDT", 85)),
		result("a2", 0, wait("no setup")),
		result("a3", 0, wait("no setup")),
	}

	fd := mergeVoting(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
}

func TestNormalizeWeights(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0.5, wait("")),
		result("a2", 0.3, wait("")),
		result("a3", 0.2, wait("")),
	}
	weights := normalizeWeights(valid)

	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.5, weights[0], 1e-9)

	// Unset weights share equally
	unset := []*agentResult{result("a1", 0, wait("")), result("a2", 0, wait(""))}
	weights = normalizeWeights(unset)
	assert.InDelta(t, 0.5, weights[0], 1e-9)
	assert.InDelta(t, 0.5, weights[1], 1e-9)
}

func TestMergeWeighted_MajorityByWeight(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0.5, open("BTCUSDT", 80)),
		result("a2", 0.3, open("BTCUSDT", 60)),
		result("a3", 0.2, wait("no setup")),
	}

	fd := mergeWeighted(valid)
	require.Len(t, fd.Decisions, 1)

	d := fd.Decisions[0]
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.Equal(t, decision.ActionOpenLong, d.Action)
	// confidence = (0.5*80 + 0.3*60) / 0.8 = 72.5
	assert.InDelta(t, 72.5, d.Confidence, 1e-9)
}

func TestMergeWeighted_BelowThresholdIsWait(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0.5, open("BTCUSDT", 80)),
		result("a2", 0.3, wait("no")),
		result("a3", 0.2, wait("no")),
	}

	fd := mergeWeighted(valid)
	require.Len(t, fd.Decisions, 1)
	// (BTCUSDT, open_long) has 0.5 which is not > 0.5; wait has exactly 0.5 too
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
	assert.Equal(t, decision.SymbolAll, fd.Decisions[0].Symbol)
}

func TestMergeUnanimous_Agreement(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, open("BTCUSDT", 80)),
		result("a2", 0, open("BTCUSDT", 55)),
	}

	fd := mergeUnanimous(valid)
	require.Len(t, fd.Decisions, 1)
	// Numeric fields come from agent 0
	assert.Equal(t, 80.0, fd.Decisions[0].Confidence)
}

func TestMergeUnanimous_Disagreement(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, decision.Decision{Symbol: "ETHUSDT", Action: decision.ActionOpenShort}),
		result("a2", 0, decision.Decision{Symbol: "ETHUSDT", Action: decision.ActionOpenLong}),
	}

	fd := mergeUnanimous(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.SymbolAll, fd.Decisions[0].Symbol)
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
	assert.Equal(t, "Agents did not agree", fd.Decisions[0].Reasoning)
}

func TestMergeBest_HighestConfidenceTrade(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, open("BTCUSDT", 60)),
		result("a2", 0, open("ETHUSDT", 90)),
		result("a3", 0, wait("no setup")),
	}

	fd := mergeBest(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "ETHUSDT", fd.Decisions[0].Symbol)
}

func TestMergeBest_ZeroConfidenceCloseBeatsConfidentWait(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, decision.Decision{Symbol: decision.SymbolAll, Action: decision.ActionWait, Confidence: 95}),
		result("a2", 0, decision.Decision{Symbol: "BTCUSDT", Action: decision.ActionCloseLong, Confidence: 0}),
	}

	fd := mergeBest(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.ActionCloseLong, fd.Decisions[0].Action)
}

func TestMergeBest_AllWaitsPicksHighestConfidence(t *testing.T) {
	valid := []*agentResult{
		result("a1", 0, decision.Decision{Symbol: decision.SymbolAll, Action: decision.ActionWait, Confidence: 20, Reasoning: "low"}),
		result("a2", 0, decision.Decision{Symbol: decision.SymbolAll, Action: decision.ActionWait, Confidence: 70, Reasoning: "high"}),
	}

	fd := mergeBest(valid)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "high", fd.Decisions[0].Reasoning)
}
