package consensus

import (
	"fmt"

	"github.com/tradequorum/tradequorum/internal/decision"
)

// decisionKey groups decisions across agents.
type decisionKey struct {
	symbol string
	action string
}

// group accumulates one (symbol, action) bucket.
type group struct {
	key       decisionKey
	first     decision.Decision // representative from the earliest contributor
	agents    int
	weightSum float64
	confSum   float64 // weight-weighted confidence numerator
}

// collectGroups buckets every decision by (symbol, action), counting each
// agent at most once per bucket. weights maps result index to the agent's
// normalized weight.
func collectGroups(valid []*agentResult, weights []float64) []*group {
	groups := make(map[decisionKey]*group)
	var order []*group

	for i, r := range valid {
		seen := make(map[decisionKey]bool)
		for _, d := range r.fd.Decisions {
			key := decisionKey{symbol: d.Symbol, action: d.Action}
			if seen[key] {
				continue
			}
			seen[key] = true

			g, ok := groups[key]
			if !ok {
				g = &group{key: key, first: d}
				groups[key] = g
				order = append(order, g)
			}
			g.agents++
			g.weightSum += weights[i]
			g.confSum += weights[i] * d.Confidence
		}
	}
	return order
}

// mergeVoting keeps the (symbol, action) groups backed by a strict majority
// of valid agents: count > floor(n/2), threshold clamped to at least 1.
func mergeVoting(valid []*agentResult) *decision.FullDecision {
	threshold := len(valid) / 2
	if threshold < 1 {
		threshold = 1
	}

	weights := make([]float64, len(valid))
	groups := collectGroups(valid, weights)

	var winners []decision.Decision
	for _, g := range groups {
		if g.agents > threshold {
			d := g.first
			d.Reasoning = fmt.Sprintf("consensus %d/%d agents: %s", g.agents, len(valid), d.Reasoning)
			winners = append(winners, d)
		}
	}

	if len(winners) == 0 {
		return &decision.FullDecision{
			Decisions: decision.WaitDecision(fmt.Sprintf("No action reached majority among %d agents", len(valid))),
		}
	}
	return &decision.FullDecision{Decisions: winners}
}

// mergeWeighted normalizes agent weights to sum to 1 and keeps the groups
// whose contributor weight exceeds 0.5. The emitted confidence is the
// weight-weighted mean over contributors.
func mergeWeighted(valid []*agentResult) *decision.FullDecision {
	weights := normalizeWeights(valid)
	groups := collectGroups(valid, weights)

	// At most one group per symbol can clear 0.5; exact ties settle by
	// higher weight sum, then alphabetical action.
	bySymbol := make(map[string]*group)
	var symbolOrder []string
	for _, g := range groups {
		if g.weightSum <= 0.5 {
			continue
		}
		current, ok := bySymbol[g.key.symbol]
		if !ok {
			bySymbol[g.key.symbol] = g
			symbolOrder = append(symbolOrder, g.key.symbol)
			continue
		}
		if g.weightSum > current.weightSum ||
			(g.weightSum == current.weightSum && g.key.action < current.key.action) {
			bySymbol[g.key.symbol] = g
		}
	}

	var winners []decision.Decision
	for _, symbol := range symbolOrder {
		g := bySymbol[symbol]
		d := g.first
		d.Confidence = g.confSum / g.weightSum
		d.Reasoning = fmt.Sprintf("weighted consensus %.2f: %s", g.weightSum, d.Reasoning)
		winners = append(winners, d)
	}

	if len(winners) == 0 {
		return &decision.FullDecision{
			Decisions: decision.WaitDecision("No action reached weighted majority"),
		}
	}
	return &decision.FullDecision{Decisions: winners}
}

// normalizeWeights returns per-result weights summing to 1. Unset weights
// default to 1/n; when every weight is unset the agents share equally.
func normalizeWeights(valid []*agentResult) []float64 {
	n := len(valid)
	weights := make([]float64, n)

	var total float64
	for i, r := range valid {
		w := r.weight
		if w <= 0 {
			w = 1.0 / float64(n)
		}
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// mergeUnanimous returns the first agent's decisions iff every agent emitted
// the same (symbol, action) set.
func mergeUnanimous(valid []*agentResult) *decision.FullDecision {
	reference := decisionKeySet(valid[0].fd.Decisions)

	for _, r := range valid[1:] {
		if !sameKeySet(reference, decisionKeySet(r.fd.Decisions)) {
			return &decision.FullDecision{
				Decisions: decision.WaitDecision("Agents did not agree"),
			}
		}
	}

	return &decision.FullDecision{Decisions: valid[0].fd.Decisions}
}

func decisionKeySet(decisions []decision.Decision) map[decisionKey]bool {
	set := make(map[decisionKey]bool, len(decisions))
	for _, d := range decisions {
		set[decisionKey{symbol: d.Symbol, action: d.Action}] = true
	}
	return set
}

func sameKeySet(a, b map[decisionKey]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if !b[key] {
			return false
		}
	}
	return true
}

// mergeBest picks the agent whose decision list contains the
// highest-confidence non-wait action; trade actions beat waits at any
// confidence, so a confidence-0 close still wins over a confident wait.
func mergeBest(valid []*agentResult) *decision.FullDecision {
	var (
		best        *agentResult
		bestConf    = -1.0
		bestIsTrade bool
	)

	for _, r := range valid {
		for _, d := range r.fd.Decisions {
			isTrade := d.Action != decision.ActionWait
			switch {
			case isTrade && !bestIsTrade:
				// Non-wait always beats wait
			case isTrade == bestIsTrade && d.Confidence > bestConf:
				// Same class, higher confidence
			default:
				continue
			}
			best = r
			bestConf = d.Confidence
			bestIsTrade = isTrade
		}
	}

	return &decision.FullDecision{Decisions: best.fd.Decisions}
}
