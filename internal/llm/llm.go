// Package llm wraps the text generation backends used by the digest,
// curation and delivery stages.
package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Request is a single chat-style generation call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	IsConfigured() bool
}

// Options selects and configures a provider.
type Options struct {
	Provider    string
	OllamaURL   string
	OllamaModel string
	OpenAIModel string
	// BaseURL overrides the OpenAI endpoint for compatible gateways.
	BaseURL   string
	APIKeyEnv string
	Timeout   time.Duration
}

// CreateProvider creates an LLM provider based on configuration. Ollama is
// used when requested and reachable, otherwise OpenAI. Returns nil when
// neither is usable.
func CreateProvider(opts Options) Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}

	if strings.ToLower(opts.Provider) == "ollama" {
		p := NewOllamaProvider(opts.OllamaModel, opts.OllamaURL, opts.Timeout)
		if p.IsConfigured() {
			slog.Info("using ollama", "model", opts.OllamaModel)
			return p
		}
		slog.Warn("ollama not available, trying openai fallback")
	}

	p := NewOpenAIProvider(opts.OpenAIModel, opts.APIKeyEnv, opts.BaseURL, opts.Timeout)
	if p.IsConfigured() {
		slog.Info("using openai", "model", opts.OpenAIModel)
		return p
	}

	slog.Warn("no LLM provider available; check ollama is running or set the API key", "env", opts.APIKeyEnv)
	return nil
}
