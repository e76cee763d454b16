package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool choice modes.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // set on assistant turns that request tools
	ToolCallID string     // set on tool turns
	Name       string     // tool name on tool turns
}

// ToolCall is a function invocation requested by the model.
// Arguments holds the raw JSON object text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool declares a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is a full conversation sent to the model.
type ChatRequest struct {
	Messages    []Message
	Tools       []Tool
	ToolChoice  string // ToolChoiceAuto (default when tools are set) or ToolChoiceNone
	MaxTokens   int
	Temperature *float64
}

// ChatResponse carries the model's reply turn.
type ChatResponse struct {
	Message Message
}

// Provider is the interface for LLM providers.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	IsConfigured() bool
}

// Options configures provider construction.
type Options struct {
	Provider          string
	Model             string
	BaseURL           string
	OllamaURL         string
	APIKey            string
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	RequestsPerMinute int
}

// CreateProvider creates an LLM provider based on configuration. An Ollama
// provider that is not reachable falls back to OpenAI when a key is set.
// Returns nil when no provider is usable.
func CreateProvider(opts Options) Provider {
	var p Provider
	if strings.ToLower(opts.Provider) == "ollama" {
		o := NewOllamaProvider(opts.Model, opts.OllamaURL, opts.Timeout)
		o.MaxTokens, o.Temperature = opts.MaxTokens, opts.Temperature
		if o.IsConfigured() {
			slog.Info("using ollama", "model", opts.Model)
			p = o
		} else {
			slog.Warn("ollama not available, trying openai fallback")
		}
	}

	if p == nil {
		o := NewOpenAIProvider(opts.Model, opts.BaseURL, opts.APIKey, opts.Timeout)
		o.MaxTokens, o.Temperature = opts.MaxTokens, opts.Temperature
		if !o.IsConfigured() {
			slog.Error("no LLM provider available; check ollama is running or set the API key")
			return nil
		}
		slog.Info("using openai-compatible API", "model", opts.Model, "base_url", o.BaseURL)
		p = o
	}

	return NewRateLimited(p, opts.RequestsPerMinute)
}
