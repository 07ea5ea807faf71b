package decision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CompletionClient is the AI provider contract the assembler consumes: one
// text completion for a system/user prompt pair.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Assembler turns a trading Context into a FullDecision by prompting a
// completion client once and parsing the structured reply.
type Assembler struct {
	client  CompletionClient
	prompts *PromptBuilder
}

// NewAssembler creates an assembler bound to the given completion client.
func NewAssembler(client CompletionClient) *Assembler {
	return &Assembler{
		client:  client,
		prompts: NewPromptBuilder(),
	}
}

// Decide builds the prompts, calls the client and parses the reply.
//
// A client or parse failure returns the error together with whatever
// FullDecision could be recovered (prompt and chain-of-thought included), so
// the cycle can still be journaled as a failure.
func (a *Assembler) Decide(ctx context.Context, tctx *Context) (*FullDecision, error) {
	systemPrompt := a.prompts.BuildSystemPrompt()
	userPrompt := a.prompts.BuildUserPrompt(tctx)

	raw, err := a.client.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return &FullDecision{
			Decisions:  []Decision{},
			UserPrompt: userPrompt,
		}, fmt.Errorf("completion failed: %w", err)
	}

	fd, err := ParseResponse(raw)
	fd.UserPrompt = userPrompt
	if err != nil {
		return fd, fmt.Errorf("parse failed: %w", err)
	}

	if len(fd.Decisions) == 0 {
		log.Debug().Msg("Model returned an empty decision array - treating as wait")
		fd.Decisions = WaitDecision("model returned no decisions")
	}

	return fd, nil
}
