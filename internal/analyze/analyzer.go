// Package analyze audits a single conversation transcript: it lets the model
// verify the assistant's answers against the organization's website through
// tool calls and turns the model's final verdict into gap candidates.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
)

const defaultMaxRounds = 5

// ToolExecutor is the part of tools.Registry the analyzer needs.
type ToolExecutor interface {
	Definitions() []llm.Tool
	Execute(ctx context.Context, call llm.ToolCall) string
}

// Options tunes an Analyzer.
type Options struct {
	Organization   string
	MaxRounds      int // model calls allowed in the tool loop
	VerdictRetries int // extra JSON-only requests after a malformed verdict
	Metrics        *metrics.Metrics
}

// Analysis is the outcome of auditing one transcript.
type Analysis struct {
	Candidates       []Candidate
	Rounds           int
	ToolCalls        int
	RoundLimitHit    bool
	VerdictMalformed bool
}

// Analyzer drives the tool-calling exchange with the model.
type Analyzer struct {
	provider  llm.Provider
	tools     ToolExecutor
	org       string
	maxRounds int
	retries   int
	metrics   *metrics.Metrics
}

// New creates an analyzer.
func New(provider llm.Provider, tools ToolExecutor, opts Options) *Analyzer {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.VerdictRetries < 0 {
		opts.VerdictRetries = 0
	}
	return &Analyzer{
		provider:  provider,
		tools:     tools,
		org:       opts.Organization,
		maxRounds: opts.MaxRounds,
		retries:   opts.VerdictRetries,
		metrics:   opts.Metrics,
	}
}

type loopState int

const (
	awaitingModel loopState = iota
	awaitingTools
)

// Analyze audits one transcript. Transcripts with fewer than two messages
// are returned empty without contacting the model. A non-nil error means
// the provider failed or ctx ended; fetch failures and malformed verdicts
// are absorbed into the Analysis.
func (a *Analyzer) Analyze(ctx context.Context, t database.Transcript) (Analysis, error) {
	var an Analysis
	if len(t.Messages) < 2 {
		return an, nil
	}
	if a.provider == nil {
		return an, errors.New("no LLM provider configured")
	}

	defs := a.tools.Definitions()
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(a.org)},
		{Role: llm.RoleUser, Content: renderTranscript(t)},
	}
	defer func() { a.metrics.ObserveRounds(an.Rounds) }()

	state := awaitingModel
	var pending []llm.ToolCall
	for {
		switch state {
		case awaitingModel:
			if an.Rounds >= a.maxRounds {
				slog.Warn("round limit reached, dropping transcript verdict",
					"transcript", t.ID, "rounds", an.Rounds, "tool_calls", an.ToolCalls)
				an.RoundLimitHit = true
				a.metrics.RoundLimitHit()
				return an, nil
			}
			resp, err := a.provider.Chat(ctx, llm.ChatRequest{
				Messages:   msgs,
				Tools:      defs,
				ToolChoice: llm.ToolChoiceAuto,
			})
			if err != nil {
				return an, fmt.Errorf("model round %d: %w", an.Rounds+1, err)
			}
			an.Rounds++

			reply := resp.Message
			reply.Role = llm.RoleAssistant
			msgs = append(msgs, reply)
			if len(reply.ToolCalls) == 0 {
				return a.conclude(ctx, t.ID, msgs, defs, reply.Content, an)
			}
			pending = reply.ToolCalls
			state = awaitingTools

		case awaitingTools:
			for _, call := range pending {
				if err := ctx.Err(); err != nil {
					return an, err
				}
				out := a.tools.Execute(ctx, call)
				an.ToolCalls++
				slog.Debug("tool call", "transcript", t.ID, "tool", call.Name, "args", call.Arguments, "chars", len(out))
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    out,
					ToolCallID: call.ID,
					Name:       call.Name,
				})
			}
			pending = nil
			state = awaitingModel
		}
	}
}

// conclude parses the final answer, re-asking for plain JSON up to the
// configured number of times before settling on zero candidates.
func (a *Analyzer) conclude(ctx context.Context, id string, msgs []llm.Message, defs []llm.Tool, content string, an Analysis) (Analysis, error) {
	cands, err := ParseVerdict(content)
	for attempt := 0; err != nil && attempt < a.retries; attempt++ {
		slog.Debug("malformed verdict, asking again", "transcript", id, "attempt", attempt+1, "error", err)
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(retryPrompt, err)})
		resp, cerr := a.provider.Chat(ctx, llm.ChatRequest{
			Messages:   msgs,
			Tools:      defs,
			ToolChoice: llm.ToolChoiceNone,
		})
		if cerr != nil {
			return an, fmt.Errorf("verdict retry %d: %w", attempt+1, cerr)
		}
		an.Rounds++
		reply := resp.Message
		reply.Role = llm.RoleAssistant
		reply.ToolCalls = nil
		msgs = append(msgs, reply)
		cands, err = ParseVerdict(reply.Content)
	}
	if err != nil {
		slog.Warn("unusable verdict, recording no gaps", "transcript", id, "error", err)
		an.VerdictMalformed = true
		a.metrics.VerdictMalformed()
		return an, nil
	}
	an.Candidates = cands
	return an, nil
}
