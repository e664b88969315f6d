package adapter

import "github.com/openai/openai-go/option"

const deepseekBaseURL = "https://api.deepseek.com/v1"

// NewDeepSeekAdapter creates an adapter for DeepSeek's OpenAI-compatible API.
func NewDeepSeekAdapter(apiKey string, opts ...option.RequestOption) (*ChatAdapter, error) {
	opts = append([]option.RequestOption{option.WithBaseURL(deepseekBaseURL)}, opts...)
	return newChatAdapter("deepseek", apiKey, []string{"deepseek-chat", "deepseek-coder", "deepseek-reasoner"}, opts...)
}
