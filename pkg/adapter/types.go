package adapter

// maxReplyTokens caps every provider reply.
const maxReplyTokens = 4096

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost captures normalized cost estimates.
type Cost struct {
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	IsEstimate   bool    `json:"is_estimate"`
	PricingModel string  `json:"pricing_model,omitempty"`
}

// CallReport captures adapter call metadata.
type CallReport struct {
	Adapter string `json:"adapter"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Cost    Cost   `json:"cost"`
	// Attempts counts provider requests, retries included.
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Response wraps an adapter output and optional usage data.
type Response struct {
	Content string
	Adapter string
	Model   string
	Usage   *Usage
}

func newResponse(content, adapterName, model string, usage *Usage) *Response {
	return &Response{Content: content, Adapter: adapterName, Model: model, Usage: normalizeUsage(usage)}
}

func normalizeUsage(u *Usage) *Usage {
	if u == nil {
		return nil
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &usage
}

// tokenUsage converts provider counters. A zero total is derived later.
func tokenUsage[T ~int | ~int32 | ~int64](prompt, completion, total T) *Usage {
	return &Usage{PromptTokens: int(prompt), CompletionTokens: int(completion), TotalTokens: int(total)}
}
