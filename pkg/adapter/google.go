package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleAdapter drives Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a Gemini adapter on the Gemini API backend.
func NewGoogleAdapter(ctx context.Context, apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	return &GoogleAdapter{client: client}, nil
}

func (a *GoogleAdapter) Name() string { return "google" }

func (a *GoogleAdapter) Models() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}
}

// Generate joins the text parts of the first candidate.
func (a *GoogleAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	reply, err := a.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{MaxOutputTokens: maxReplyTokens})
	if err != nil {
		var apiErr genai.APIError
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return nil, failed(a.Name(), model, status, err)
	}
	if reply == nil || len(reply.Candidates) == 0 || reply.Candidates[0].Content == nil {
		return nil, failed(a.Name(), model, 0, ErrNoContent)
	}

	var text strings.Builder
	for _, part := range reply.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	var usage *Usage
	if md := reply.UsageMetadata; md != nil {
		usage = tokenUsage(md.PromptTokenCount, md.CandidatesTokenCount, md.TotalTokenCount)
	}
	return newResponse(text.String(), a.Name(), model, usage), nil
}
