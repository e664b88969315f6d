package adapter

// ModelPricing is the per-1K-token price for one model.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// Pricing maps adapter -> model -> price. A "default" model entry applies to
// models without their own row.
type Pricing map[string]map[string]ModelPricing

// EstimateCost returns the estimated USD cost of a call. The boolean is false
// when no pricing entry matches.
func EstimateCost(pricing Pricing, adapterName, model string, usage Usage) (Cost, bool) {
	entry, ok := pricing.lookup(adapterName, model)
	if !ok {
		return Cost{Currency: "USD"}, false
	}
	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return Cost{
		Currency:     "USD",
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}

// Report builds a CallReport for a finished call.
func Report(pricing Pricing, resp *Response, err error) CallReport {
	report := CallReport{}
	if err != nil {
		report.Error = err.Error()
	}
	if resp == nil {
		return report
	}
	report.Adapter = resp.Adapter
	report.Model = resp.Model
	if resp.Usage != nil {
		report.Usage = *resp.Usage
	}
	report.Cost, _ = EstimateCost(pricing, resp.Adapter, resp.Model, report.Usage)
	return report
}

func (p Pricing) lookup(adapterName, model string) (ModelPricing, bool) {
	if p == nil {
		return ModelPricing{}, false
	}
	if adapterPricing, ok := p[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return ModelPricing{}, false
}
