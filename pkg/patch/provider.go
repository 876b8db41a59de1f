// Package patch generates candidate fixes: it prompts a model provider
// with the failure context and extracts a unified diff from the reply.
package patch

import (
	"context"
	"fmt"

	"remediator/pkg/config"
)

// Request is a single completion request to a model provider.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the provider's reply. ResponseID is the provider-assigned
// identifier that feedback reporting is keyed on.
type Response struct {
	ResponseID string
	Model      string
	Text       string
}

// Provider abstracts a model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// NewProvider builds the configured provider.
func NewProvider(cfg *config.ModelConfig, apiKey string) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(apiKey, cfg.Name), nil
	case config.ProviderOpenAI:
		return NewOpenAIProvider(apiKey, cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
