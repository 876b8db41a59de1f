package patch

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"remediator/pkg/retry"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider creates a provider for the given model.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: req.System,
			Type: "text",
		}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		// API failures (rate limits, 5xx, network) are worth another try.
		return nil, retry.Transient(fmt.Errorf("anthropic request failed: %w", err))
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		ResponseID: message.ID,
		Model:      string(message.Model),
		Text:       text,
	}, nil
}
