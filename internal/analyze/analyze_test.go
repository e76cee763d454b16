package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KnowledgeAudit/internal/config"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
	"github.com/TobiSchelling/KnowledgeAudit/internal/source"
	"github.com/TobiSchelling/KnowledgeAudit/internal/tools"
)

type replyFunc func(req llm.ChatRequest) (*llm.ChatResponse, error)

// scriptedProvider answers each model call with the next scripted reply and
// keeps a copy of every request.
type scriptedProvider struct {
	replies  []replyFunc
	requests []llm.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.replies) {
		return nil, fmt.Errorf("unexpected model call %d", i+1)
	}
	return p.replies[i](req)
}

func (p *scriptedProvider) IsConfigured() bool { return true }

func say(content string) replyFunc {
	return func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}, nil
	}
}

func callTool(id, args string) replyFunc {
	return func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: tools.SearchWebsite, Arguments: args}},
		}}, nil
	}
}

const ratesPage = `<html><body><nav>Home</nav><main><h1>Rates</h1>
<p>5-day retreat: $1,250 per person, meals included.</p>
<p>Weekend retreat: $450.</p></main></body></html>`

func newSite(t *testing.T, ratesStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rates", func(w http.ResponseWriter, r *http.Request) {
		if ratesStatus != http.StatusOK {
			http.Error(w, "unavailable", ratesStatus)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(ratesPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newToolRegistry(t *testing.T, baseURL string, m *metrics.Metrics) *tools.Registry {
	t.Helper()
	reg, err := source.NewRegistry(baseURL, []config.Page{
		{Handle: "rates", Path: "/rates", Description: "Rates and pricing for retreats"},
		{Handle: "faq", Path: "/faq", Description: "Policies"},
	})
	require.NoError(t, err)
	f := source.NewFetcher(reg, source.Options{Timeout: 2 * time.Second, Metrics: m})
	return tools.NewRegistry(reg.Pages(), f, m)
}

func retreatTranscript() database.Transcript {
	ts := time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC)
	return database.Transcript{
		ID:        "t-retreat",
		StartedAt: ts,
		Messages: []database.Message{
			{Role: database.RoleUser, Content: "What's the price for a 5-day retreat?", Timestamp: ts},
			{Role: database.RoleAssistant, Content: "I'm not sure, please check our website.", Timestamp: ts.Add(time.Second)},
		},
	}
}

func gapsJSON(t *testing.T, gaps ...map[string]any) string {
	t.Helper()
	if gaps == nil {
		gaps = []map[string]any{}
	}
	b, err := json.Marshal(map[string]any{"gaps": gaps})
	require.NoError(t, err)
	return string(b)
}

func TestShortTranscriptSkipsModel(t *testing.T) {
	p := &scriptedProvider{}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{})

	for _, msgs := range [][]database.Message{
		nil,
		{{Role: database.RoleUser, Content: "hello?"}},
	} {
		an, err := a.Analyze(context.Background(), database.Transcript{ID: "short", Messages: msgs})
		require.NoError(t, err)
		assert.Empty(t, an.Candidates)
		assert.Zero(t, an.Rounds)
	}
	assert.Empty(t, p.requests)
}

func TestRetreatPriceScenario(t *testing.T) {
	site := newSite(t, http.StatusOK)
	ratesURL := site.URL + "/rates"
	m := metrics.New()

	var toolTurn llm.Message
	p := &scriptedProvider{replies: []replyFunc{
		callTool("call_1", `{"page":"rates","query":"5-day retreat price"}`),
		func(req llm.ChatRequest) (*llm.ChatResponse, error) {
			toolTurn = req.Messages[len(req.Messages)-1]
			return say("Verified against the rates page.\n```json\n" + gapsJSON(t, map[string]any{
				"question":          "What's the price for a 5-day retreat?",
				"assistantResponse": "I'm not sure, please check our website.",
				"severity":          "unanswered",
				"suggestedAnswer":   "The 5-day retreat costs $1,250 per person, meals included.",
				"sourceUrl":         ratesURL,
			}) + "\n```")(req)
		},
	}}

	a := New(p, newToolRegistry(t, site.URL, m), Options{Organization: "Example Retreat Center", Metrics: m})
	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)

	require.Len(t, an.Candidates, 1)
	c := an.Candidates[0]
	assert.Contains(t, []database.Severity{database.SeverityUnanswered, database.SeverityIncomplete}, c.Severity)
	require.NotNil(t, c.SourceURL)
	assert.Equal(t, ratesURL, *c.SourceURL)
	assert.Equal(t, 2, an.Rounds)
	assert.Equal(t, 1, an.ToolCalls)
	assert.False(t, an.RoundLimitHit)
	assert.False(t, an.VerdictMalformed)

	first := p.requests[0]
	require.Len(t, first.Messages, 2)
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].Content, "Example Retreat Center")
	assert.Contains(t, first.Messages[0].Content, `"incomplete"`)
	assert.Contains(t, first.Messages[1].Content,
		"Visitor: What's the price for a 5-day retreat?\nAssistant: I'm not sure, please check our website.")
	assert.Equal(t, llm.ToolChoiceAuto, first.ToolChoice)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, tools.SearchWebsite, first.Tools[0].Name)

	second := p.requests[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "call_1", second.Messages[2].ToolCalls[0].ID)
	assert.Equal(t, llm.RoleTool, toolTurn.Role)
	assert.Equal(t, "call_1", toolTurn.ToolCallID)
	assert.Equal(t, tools.SearchWebsite, toolTurn.Name)
	assert.True(t, strings.HasPrefix(toolTurn.Content, "Source: "+ratesURL+"\nQuery: 5-day retreat price\n\n"), toolTurn.Content)
	assert.Contains(t, toolTurn.Content, "$1,250")
}

func TestFetchFailureStillCompletes(t *testing.T) {
	site := newSite(t, http.StatusInternalServerError)

	var toolTurn llm.Message
	p := &scriptedProvider{replies: []replyFunc{
		callTool("call_1", `{"page":"rates","query":"retreat price"}`),
		func(req llm.ChatRequest) (*llm.ChatResponse, error) {
			toolTurn = req.Messages[len(req.Messages)-1]
			return say(gapsJSON(t))(req)
		},
	}}

	a := New(p, newToolRegistry(t, site.URL, nil), Options{})
	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	assert.Empty(t, an.Candidates)
	assert.True(t, strings.HasPrefix(toolTurn.Content, "Source: "+site.URL+"/rates\nQuery: retreat price\n\nError fetching "+site.URL+"/rates"), toolTurn.Content)
}

func TestUnknownPageIsReportedToModel(t *testing.T) {
	var toolTurn llm.Message
	p := &scriptedProvider{replies: []replyFunc{
		callTool("call_1", `{"page":"https://evil.example.com","query":"x"}`),
		func(req llm.ChatRequest) (*llm.ChatResponse, error) {
			toolTurn = req.Messages[len(req.Messages)-1]
			return say(gapsJSON(t))(req)
		},
	}}

	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{})
	_, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	assert.Contains(t, toolTurn.Content, "unknown page")
}

type loopingProvider struct{ calls int }

func (p *loopingProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	return &llm.ChatResponse{Message: llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID: fmt.Sprintf("call_%d", p.calls), Name: "delete_everything", Arguments: `{}`,
		}},
	}}, nil
}

func (p *loopingProvider) IsConfigured() bool { return true }

func TestRoundLimitTerminates(t *testing.T) {
	p := &loopingProvider{}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{MaxRounds: 3})

	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	assert.True(t, an.RoundLimitHit)
	assert.Empty(t, an.Candidates)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, 3, an.Rounds)
	assert.Equal(t, 3, an.ToolCalls)
}

func TestMalformedVerdictYieldsNoGaps(t *testing.T) {
	p := &scriptedProvider{replies: []replyFunc{say("Everything looks fine to me.")}}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{})

	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	assert.True(t, an.VerdictMalformed)
	assert.Empty(t, an.Candidates)
	assert.Len(t, p.requests, 1)
}

func TestVerdictRetry(t *testing.T) {
	p := &scriptedProvider{replies: []replyFunc{
		say(`{"gaps": [{"question": "Price?", "severity": "wrong"}]}`),
		say(gapsJSON(t, map[string]any{
			"question":          "Price?",
			"assistantResponse": "Not sure.",
			"severity":          "incomplete",
			"suggestedAnswer":   "$1,250",
		})),
	}}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{VerdictRetries: 1})

	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	require.Len(t, an.Candidates, 1)
	assert.Equal(t, database.SeverityIncomplete, an.Candidates[0].Severity)
	assert.Nil(t, an.Candidates[0].SourceURL)
	assert.False(t, an.VerdictMalformed)
	assert.Equal(t, 2, an.Rounds)

	retry := p.requests[1]
	assert.Equal(t, llm.ToolChoiceNone, retry.ToolChoice)
	last := retry.Messages[len(retry.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "ONLY the JSON object")
}

func TestVerdictRetriesExhausted(t *testing.T) {
	p := &scriptedProvider{replies: []replyFunc{say("no json"), say("still none"), say("nope")}}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{VerdictRetries: 2})

	an, err := a.Analyze(context.Background(), retreatTranscript())
	require.NoError(t, err)
	assert.True(t, an.VerdictMalformed)
	assert.Len(t, p.requests, 3)
}

func TestProviderErrorIsReturned(t *testing.T) {
	boom := errors.New("429 too many requests")
	p := &scriptedProvider{replies: []replyFunc{
		func(llm.ChatRequest) (*llm.ChatResponse, error) { return nil, boom },
	}}
	a := New(p, newToolRegistry(t, "https://www.example.org", nil), Options{})

	_, err := a.Analyze(context.Background(), retreatTranscript())
	assert.ErrorIs(t, err, boom)
}

func TestNilProvider(t *testing.T) {
	a := New(nil, newToolRegistry(t, "https://www.example.org", nil), Options{})
	_, err := a.Analyze(context.Background(), retreatTranscript())
	assert.Error(t, err)
}

func TestRenderTranscript(t *testing.T) {
	tr := retreatTranscript()
	tr.Messages = append(tr.Messages, database.Message{Role: database.RoleUser, Content: "  ok, thanks \n"})
	out := renderTranscript(tr)
	assert.True(t, strings.HasPrefix(out, "Audit this conversation (started 2026-02-03 14:00 UTC):\n\n"), out)
	assert.True(t, strings.HasSuffix(out, "\nVisitor: ok, thanks"), out)
}
