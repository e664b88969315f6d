package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter drives Claude models through the Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates a Claude adapter.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	return &AnthropicAdapter{client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))}, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Models() []string {
	return []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514"}
}

// Generate joins the text blocks of a single-turn reply.
func (a *AnthropicAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxReplyTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		var apiErr *anthropic.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, failed(a.Name(), model, status, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, failed(a.Name(), model, 0, fmt.Errorf("%w (stop reason %s)", ErrNoContent, msg.StopReason))
	}
	return newResponse(text.String(), a.Name(), model, tokenUsage(msg.Usage.InputTokens, msg.Usage.OutputTokens, 0)), nil
}
