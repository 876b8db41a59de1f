package patch

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"remediator/pkg/retry"
)

// OpenAIProvider calls the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a provider for the given model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
	})
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("openai request failed: %w", err))
	}

	if len(completion.Choices) == 0 {
		return nil, retry.Transient(fmt.Errorf("openai returned no choices"))
	}

	return &Response{
		ResponseID: completion.ID,
		Model:      completion.Model,
		Text:       completion.Choices[0].Message.Content,
	}, nil
}
