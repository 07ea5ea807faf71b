package consensus

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradequorum/tradequorum/internal/config"
	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/market"
)

// fakeClient returns a canned completion after an optional delay.
type fakeClient struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testContext() *decision.Context {
	return &decision.Context{
		CurrentTime: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		CycleNumber: 3,
		Account: decision.AccountSnapshot{
			TotalBalance:     10000,
			AvailableBalance: 10000,
		},
		CandidateCoins: []market.CandidateCoin{{Symbol: "BTCUSDT"}},
		MarketDataMap: map[string]*market.Data{
			"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 65000},
		},
	}
}

func agentCfg(mode string, fastFirst bool, minAgents int, ids ...string) config.MultiAgentConfig {
	agents := make([]config.AgentConfig, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, config.AgentConfig{ID: id, Model: "groq", APIKey: "k"})
	}
	return config.MultiAgentConfig{
		Enabled:       true,
		ConsensusMode: mode,
		FastFirst:     fastFirst,
		MinAgents:     minAgents,
		MaxWaitTime:   30,
		Agents:        agents,
	}
}

const openLongBTC = `[{"symbol": "BTCUSDT", "action": "open_long", "quantity": 0.1, "leverage": 5, "confidence": 80, "reasoning": "momentum"}]`
const waitReply = `[{"symbol": "ALL", "action": "wait", "reasoning": "chop"}]`

func TestDecide_VotingMajority(t *testing.T) {
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{reply: "Strong breakout forming.\n" + openLongBTC},
		"a2": &fakeClient{reply: openLongBTC},
		"a3": &fakeClient{reply: waitReply},
	}
	engine := NewEngineWithClients(agentCfg(ModeVoting, false, 1, "a1", "a2", "a3"), clients)

	fd, err := engine.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, "BTCUSDT", fd.Decisions[0].Symbol)
	assert.Equal(t, decision.ActionOpenLong, fd.Decisions[0].Action)
}

func TestDecide_AllAgentsFail(t *testing.T) {
	boom := errors.New("connection refused")
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{err: boom},
		"a2": &fakeClient{err: boom},
	}
	engine := NewEngineWithClients(agentCfg(ModeVoting, false, 1, "a1", "a2"), clients)

	fd, err := engine.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.SymbolAll, fd.Decisions[0].Symbol)
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
	assert.Equal(t, "All agents returned errors", fd.Decisions[0].Reasoning)
}

func TestDecide_FastFirstSkipsSlowAgent(t *testing.T) {
	slow := &fakeClient{reply: waitReply, delay: 5 * time.Second}
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{reply: openLongBTC},
		"a2": &fakeClient{reply: openLongBTC},
		"a3": slow,
	}
	engine := NewEngineWithClients(agentCfg(ModeVoting, true, 2, "a1", "a2", "a3"), clients)

	start := time.Now()
	fd, err := engine.Decide(context.Background(), testContext())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second, "fast-first must not wait on the slow agent")
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.ActionOpenLong, fd.Decisions[0].Action)
}

func TestDecide_UnanimousDisagreement(t *testing.T) {
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{reply: `[{"symbol": "ETHUSDT", "action": "open_short", "confidence": 70}]`},
		"a2": &fakeClient{reply: `[{"symbol": "ETHUSDT", "action": "open_long", "confidence": 60}]`},
	}
	engine := NewEngineWithClients(agentCfg(ModeUnanimous, false, 1, "a1", "a2"), clients)

	fd, err := engine.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, decision.ActionWait, fd.Decisions[0].Action)
	assert.Equal(t, "Agents did not agree", fd.Decisions[0].Reasoning)
}

func TestDecide_CombinesCoTFromFirstThreeAgents(t *testing.T) {
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{reply: "Funding turned positive.\n" + openLongBTC},
		"a2": &fakeClient{reply: "OI climbing with price.\n" + openLongBTC},
	}
	engine := NewEngineWithClients(agentCfg(ModeVoting, false, 1, "a1", "a2"), clients)

	fd, err := engine.Decide(context.Background(), testContext())
	require.NoError(t, err)
	assert.Contains(t, fd.CoTTrace, "Funding turned positive.")
	assert.Contains(t, fd.CoTTrace, "OI climbing with price.")
	// Traces carry their agent tag
	assert.Regexp(t, `\[a[12]\]`, fd.CoTTrace)
}

func TestDecide_MergesInConfiguredAgentOrder(t *testing.T) {
	// a1 finishes last; merge and CoT must still treat it as the first agent
	clients := map[string]decision.CompletionClient{
		"a1": &fakeClient{
			reply: "Lead analysis.\n" + `[{"symbol": "BTCUSDT", "action": "open_long", "confidence": 80}]`,
			delay: 100 * time.Millisecond,
		},
		"a2": &fakeClient{
			reply: "Second opinion.\n" + `[{"symbol": "BTCUSDT", "action": "open_long", "confidence": 55}]`,
		},
	}
	engine := NewEngineWithClients(agentCfg(ModeUnanimous, false, 1, "a1", "a2"), clients)

	fd, err := engine.Decide(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, fd.Decisions, 1)
	assert.Equal(t, 80.0, fd.Decisions[0].Confidence)

	lead := strings.Index(fd.CoTTrace, "[a1]")
	second := strings.Index(fd.CoTTrace, "[a2]")
	require.GreaterOrEqual(t, lead, 0)
	require.Greater(t, second, 0)
	assert.Less(t, lead, second)
}

func TestCloneForAgent_IsolatesMaps(t *testing.T) {
	tctx := testContext()
	tctx.OITopMap = map[string]*market.OITop{"BTCUSDT": {Rank: 1}}

	clone := cloneForAgent(tctx)

	require.NotNil(t, clone.MarketDataMap)
	assert.NotSame(t, tctx.MarketDataMap["BTCUSDT"], clone.MarketDataMap["BTCUSDT"])

	clone.MarketDataMap["BTCUSDT"].CurrentPrice = 1
	clone.OITopMap["BTCUSDT"].Rank = 99
	assert.Equal(t, 65000.0, tctx.MarketDataMap["BTCUSDT"].CurrentPrice)
	assert.Equal(t, 1, tctx.OITopMap["BTCUSDT"].Rank)

	// Slices stay shared
	assert.Equal(t, tctx.CandidateCoins, clone.CandidateCoins)
}
