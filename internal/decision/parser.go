package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	reJSONFence      = regexp.MustCompile("(?s)```(?:json)?\\s*([\\s\\S]*?)```")
	reInvisibleRunes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// ParseResponse parses a raw model reply into a FullDecision. The reply is
// semi-structured: a JSON decision array embedded somewhere in chain-of-thought
// prose, possibly inside a markdown code fence. The longest valid JSON array
// substring wins.
//
// An unparseable reply or an unknown action returns an error together with a
// FullDecision carrying the chain-of-thought, so the caller can journal the
// failed cycle.
func ParseResponse(raw string) (*FullDecision, error) {
	fd := &FullDecision{
		CoTTrace:    extractCoT(raw),
		RawResponse: raw,
		Decisions:   []Decision{},
	}

	decisions, err := extractDecisions(raw)
	if err != nil {
		return fd, err
	}

	for i := range decisions {
		if !ValidAction(decisions[i].Action) {
			return fd, fmt.Errorf("unknown action %q for symbol %q", decisions[i].Action, decisions[i].Symbol)
		}
		if decisions[i].Symbol == "" {
			return fd, fmt.Errorf("decision %d has no symbol", i)
		}
	}

	fd.Decisions = decisions
	return fd, nil
}

// extractCoT returns the prose preceding the decision array, or the whole
// reply when no array is present. A reply that opens with the array has no
// chain of thought.
func extractCoT(raw string) string {
	idx := strings.Index(raw, "[")
	switch {
	case idx > 0:
		return strings.TrimSpace(raw[:idx])
	case idx == 0:
		return ""
	default:
		return strings.TrimSpace(raw)
	}
}

func extractDecisions(raw string) ([]Decision, error) {
	s := sanitize(raw)

	// Prefer fenced blocks when the model used them
	for _, m := range reJSONFence.FindAllStringSubmatch(s, -1) {
		if decisions, ok := longestValidArray(m[1]); ok {
			return decisions, nil
		}
	}

	if decisions, ok := longestValidArray(s); ok {
		return decisions, nil
	}

	return nil, fmt.Errorf("no valid JSON decision array in response (%d bytes)", len(raw))
}

// longestValidArray scans s for bracket-balanced substrings and returns the
// decisions parsed from the longest one that is valid JSON.
func longestValidArray(s string) ([]Decision, bool) {
	var (
		best    []Decision
		bestLen int
	)

	for start := 0; start < len(s); start++ {
		if s[start] != '[' {
			continue
		}
		end, ok := matchBracket(s, start)
		if !ok {
			continue
		}
		candidate := s[start : end+1]
		if len(candidate) <= bestLen {
			continue
		}

		var decisions []Decision
		if err := json.Unmarshal([]byte(candidate), &decisions); err != nil {
			continue
		}
		best = decisions
		bestLen = len(candidate)
	}

	return best, bestLen > 0
}

// matchBracket returns the index of the ']' closing the '[' at start,
// ignoring brackets inside JSON strings.
func matchBracket(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// sanitize normalizes the quote and punctuation variants models emit so the
// JSON decoder has a chance.
func sanitize(s string) string {
	s = reInvisibleRunes.ReplaceAllString(s, "")

	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`, // curly double quotes
		"‘", "'", "’", "'", // curly single quotes
		"［", "[", "］", "]",
		"｛", "{", "｝", "}",
		"【", "[", "】", "]",
		"：", ":", "，", ",",
		"　", " ",
	)
	return replacer.Replace(s)
}
