// Package consensus fans one decision prompt out to multiple AI agents in
// parallel and reduces their structured outputs to a single authoritative
// FullDecision under one of four deterministic merge rules.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/ai"
	"github.com/tradequorum/tradequorum/internal/config"
	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/market"
	"github.com/tradequorum/tradequorum/internal/metrics"
)

// Consensus modes.
const (
	ModeVoting    = "voting"
	ModeWeighted  = "weighted"
	ModeUnanimous = "unanimous"
	ModeBest      = "best"
)

// agentResult is one agent's outcome, valid or not.
type agentResult struct {
	agentID string
	weight  float64
	fd      *decision.FullDecision
	err     error
}

// valid reports whether the result can participate in consensus.
func (r *agentResult) valid() bool {
	return r.err == nil && r.fd != nil && len(r.fd.Decisions) > 0
}

// Engine runs the agents and merges their decisions.
type Engine struct {
	cfg     config.MultiAgentConfig
	clients map[string]decision.CompletionClient
}

// NewEngine builds one completion client per configured agent.
func NewEngine(cfg config.MultiAgentConfig) (*Engine, error) {
	clients := make(map[string]decision.CompletionClient, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		client, err := ai.NewClient(ai.ClientConfig{
			Provider: agent.Model,
			BaseURL:  agent.BaseURL,
			APIKey:   agent.APIKey,
			Model:    agent.ModelName,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
		}
		clients[agent.ID] = client
	}
	return &Engine{cfg: cfg, clients: clients}, nil
}

// NewEngineWithClients wires pre-built clients keyed by agent id. Used by
// tests and by callers that share clients across traders.
func NewEngineWithClients(cfg config.MultiAgentConfig, clients map[string]decision.CompletionClient) *Engine {
	return &Engine{cfg: cfg, clients: clients}
}

// Decide runs every agent against its own clone of tctx and merges the valid
// results. Collection stops early when fast_first is set and min_agents valid
// results have arrived; max_wait_time bounds the whole collection either way.
func (e *Engine) Decide(ctx context.Context, tctx *decision.Context) (*decision.FullDecision, error) {
	maxWait := time.Duration(e.cfg.MaxWaitTime) * time.Second
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	started := time.Now()
	defer func() {
		metrics.ConsensusLatency.WithLabelValues(e.cfg.ConsensusMode).Observe(time.Since(started).Seconds())
	}()

	resultCh := make(chan *agentResult, len(e.cfg.Agents))
	for _, agent := range e.cfg.Agents {
		agent := agent
		clone := cloneForAgent(tctx)
		go func() {
			assembler := decision.NewAssembler(e.clients[agent.ID])
			fd, err := assembler.Decide(runCtx, clone)
			if err != nil {
				log.Warn().
					Err(err).
					Str("agent", agent.ID).
					Msg("Agent decision failed")
			}
			resultCh <- &agentResult{agentID: agent.ID, weight: agent.Weight, fd: fd, err: err}
		}()
	}

	results := e.collect(runCtx, resultCh)
	cancel()

	valid := make([]*agentResult, 0, len(results))
	for _, r := range results {
		outcome := metrics.OutcomeError
		if r.valid() {
			valid = append(valid, r)
			outcome = metrics.OutcomeSuccess
		}
		metrics.AgentResponses.WithLabelValues(r.agentID, outcome).Inc()
	}

	// Results arrive in completion order; merge rules and the CoT trace treat
	// the configured order as authoritative.
	order := make(map[string]int, len(e.cfg.Agents))
	for i, agent := range e.cfg.Agents {
		order[agent.ID] = i
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return order[valid[i].agentID] < order[valid[j].agentID]
	})

	log.Info().
		Int("agents", len(e.cfg.Agents)).
		Int("responded", len(results)).
		Int("valid", len(valid)).
		Str("mode", e.cfg.ConsensusMode).
		Msg("Collected agent results")

	if len(valid) == 0 {
		return &decision.FullDecision{
			Decisions: decision.WaitDecision("All agents returned errors"),
		}, nil
	}

	merged := e.merge(valid)
	merged.CoTTrace = combineCoT(valid)
	return merged, nil
}

// collect drains the result channel until every agent reported, the timeout
// fired, or fast-first satisfied min_agents.
func (e *Engine) collect(ctx context.Context, resultCh <-chan *agentResult) []*agentResult {
	var (
		results []*agentResult
		valid   int
	)

	for len(results) < len(e.cfg.Agents) {
		select {
		case r := <-resultCh:
			results = append(results, r)
			if r.valid() {
				valid++
			}
			if e.cfg.FastFirst && valid >= e.cfg.MinAgents {
				log.Debug().
					Int("valid", valid).
					Int("min_agents", e.cfg.MinAgents).
					Msg("Fast-first threshold reached")
				return results
			}
		case <-ctx.Done():
			log.Warn().
				Int("responded", len(results)).
				Int("agents", len(e.cfg.Agents)).
				Msg("Agent collection timed out")
			return results
		}
	}
	return results
}

func (e *Engine) merge(valid []*agentResult) *decision.FullDecision {
	switch e.cfg.ConsensusMode {
	case ModeWeighted:
		return mergeWeighted(valid)
	case ModeUnanimous:
		return mergeUnanimous(valid)
	case ModeBest:
		return mergeBest(valid)
	default:
		return mergeVoting(valid)
	}
}

// cloneForAgent gives each agent a context whose map fields are private
// copies, so concurrent prompt rendering never aliases mutable state. Slices
// stay shared read-only.
func cloneForAgent(tctx *decision.Context) *decision.Context {
	clone := tctx.Clone()

	if tctx.MarketDataMap != nil {
		clone.MarketDataMap = make(map[string]*market.Data, len(tctx.MarketDataMap))
		for symbol, data := range tctx.MarketDataMap {
			d := *data
			clone.MarketDataMap[symbol] = &d
		}
	}
	if tctx.OITopMap != nil {
		clone.OITopMap = make(map[string]*market.OITop, len(tctx.OITopMap))
		for symbol, oi := range tctx.OITopMap {
			o := *oi
			clone.OITopMap[symbol] = &o
		}
	}
	return clone
}

// combineCoT concatenates the first three agents' traces, tagged by agent id.
func combineCoT(valid []*agentResult) string {
	var sb strings.Builder
	for i, r := range valid {
		if i >= 3 {
			break
		}
		if r.fd.CoTTrace == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%s]\n%s\n\n", r.agentID, r.fd.CoTTrace))
	}
	return strings.TrimSpace(sb.String())
}
