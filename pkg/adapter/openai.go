package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatAdapter drives any endpoint speaking the OpenAI chat completions API.
// OpenAI and DeepSeek both use it.
type ChatAdapter struct {
	name   string
	models []string
	client openai.Client
}

func newChatAdapter(name, apiKey string, models []string, opts ...option.RequestOption) (*ChatAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", name)
	}
	// Call owns retries.
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ChatAdapter{name: name, models: models, client: openai.NewClient(opts...)}, nil
}

// NewOpenAIAdapter creates an adapter for OpenAI models.
func NewOpenAIAdapter(apiKey string) (*ChatAdapter, error) {
	return newChatAdapter("openai", apiKey, []string{"gpt-5.2-instant", "gpt-5.2-thinking", "gpt-5.2-codex"})
}

func (a *ChatAdapter) Name() string { return a.name }

func (a *ChatAdapter) Models() []string { return append([]string(nil), a.models...) }

// Generate returns the first choice of a single-turn completion.
func (a *ChatAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxCompletionTokens: openai.Int(maxReplyTokens),
	})
	if err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, failed(a.name, model, status, err)
	}
	if len(completion.Choices) == 0 {
		return nil, failed(a.name, model, 0, ErrNoContent)
	}
	u := completion.Usage
	return newResponse(completion.Choices[0].Message.Content, a.name, model, tokenUsage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)), nil
}
