package adapter

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of transient provider errors.
type RetryPolicy struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000}
}

// Call invokes a with retries on transient errors and reports usage and cost
// for the final attempt.
func Call(ctx context.Context, a Adapter, model, prompt string, policy RetryPolicy, pricing Pricing) (*Response, CallReport, error) {
	if a == nil {
		return nil, CallReport{Model: model, Error: "no adapter"}, fmt.Errorf("no adapter configured")
	}
	var lastErr error
	attempts := 0
	for attempts <= policy.MaxRetries {
		attempts++
		resp, err := a.Generate(ctx, model, prompt)
		if err == nil {
			if resp == nil {
				resp = newResponse("", a.Name(), model, nil)
			}
			if resp.Adapter == "" {
				resp.Adapter = a.Name()
			}
			if resp.Model == "" {
				resp.Model = model
			}
			report := Report(pricing, resp, nil)
			report.Attempts = attempts
			return resp, report, nil
		}

		lastErr = err
		if !IsTransient(err) || attempts > policy.MaxRetries {
			break
		}
		if err := sleepWithContext(ctx, computeBackoff(policy.BaseBackoffMs, policy.MaxBackoffMs, attempts-1)); err != nil {
			lastErr = err
			break
		}
	}
	report := CallReport{Adapter: a.Name(), Model: model, Cost: Cost{Currency: "USD"}, Attempts: attempts, Error: lastErr.Error()}
	return nil, report, lastErr
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	limit := time.Duration(maxMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
