// Package tools declares the functions the auditing model may call and
// executes the calls it makes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
	"github.com/TobiSchelling/KnowledgeAudit/internal/source"
)

// SearchWebsite is the name of the single tool exposed to the model.
const SearchWebsite = "search_website"

// UnknownPageLabel is the tool_calls_total page label for requests naming a
// page outside the registry.
const UnknownPageLabel = "unknown"

// PageFetcher is the part of source.Fetcher the registry needs.
type PageFetcher interface {
	Fetch(ctx context.Context, handle, query string) (source.Result, error)
}

// Registry holds the tool definitions and dispatches tool calls.
type Registry struct {
	pages   []source.Page
	fetcher PageFetcher
	metrics *metrics.Metrics
}

// NewRegistry builds the tool registry over the given pages.
func NewRegistry(pages []source.Page, fetcher PageFetcher, m *metrics.Metrics) *Registry {
	return &Registry{pages: pages, fetcher: fetcher, metrics: m}
}

// Definitions returns the tool declarations sent with every model request.
func (r *Registry) Definitions() []llm.Tool {
	handles := make([]string, 0, len(r.pages))
	var desc strings.Builder
	desc.WriteString("Which page of the website to read. Options:")
	for _, p := range r.pages {
		handles = append(handles, p.Handle)
		fmt.Fprintf(&desc, "\n- %s: %s", p.Handle, p.Description)
	}

	return []llm.Tool{{
		Name: SearchWebsite,
		Description: "Read a page of the organization's public website to verify facts " +
			"(prices, schedules, policies, contact details) before judging an answer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"page": map[string]any{
					"type":        "string",
					"enum":        handles,
					"description": desc.String(),
				},
				"query": map[string]any{
					"type":        "string",
					"description": "What you are looking for on the page, e.g. \"price of the 5-day retreat\".",
				},
			},
			"required":             []string{"page", "query"},
			"additionalProperties": false,
		},
	}}
}

type searchArgs struct {
	Page  string `json:"page"`
	Query string `json:"query"`
}

// Execute runs one tool call and returns the text for the tool-result turn.
// Every failure is reported in-band so the model can carry on.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) string {
	if call.Name != SearchWebsite {
		slog.Warn("model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Error: unknown tool %q. The only available tool is %s.", call.Name, SearchWebsite)
	}

	var args searchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", SearchWebsite, err)
	}
	args.Page = strings.TrimSpace(args.Page)
	if args.Page == "" {
		return fmt.Sprintf("Error: %s requires a page", SearchWebsite)
	}

	res, err := r.fetcher.Fetch(ctx, args.Page, args.Query)
	if err != nil {
		if errors.Is(err, source.ErrUnknownPage) {
			// Page names come from the model; keep the label set closed.
			r.metrics.ToolCall(UnknownPageLabel)
			return fmt.Sprintf("Error: %v", err)
		}
		r.metrics.ToolCall(args.Page)
		return fmt.Sprintf("Error fetching page %q: %v", args.Page, err)
	}
	r.metrics.ToolCall(res.Page.Handle)
	return fmt.Sprintf("Source: %s\nQuery: %s\n\n%s", res.URL, args.Query, res.Text)
}
