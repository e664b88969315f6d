package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/config"
)

// ErrLimitExceeded wraps every iteration, runtime and cost limit failure.
var ErrLimitExceeded = errors.New("loop limit exceeded")

// budget tracks one task's consumption against the configured limits.
type budget struct {
	maxIterations int
	maxRuntime    time.Duration
	maxCostUSD    float64

	started     time.Time
	iterations  int
	totalAmount float64
	totalUsage  adapter.Usage
	calls       []adapter.CallReport
}

func newBudget(cfg config.LoopConfig, started time.Time) *budget {
	return &budget{
		maxIterations: cfg.MaxIterations,
		maxRuntime:    cfg.MaxRuntime,
		maxCostUSD:    cfg.MaxCostUSD,
		started:       started,
	}
}

// check returns an ErrLimitExceeded error once any limit is reached.
func (b *budget) check(now time.Time) error {
	if b.maxIterations > 0 && b.iterations >= b.maxIterations {
		return fmt.Errorf("%w: max iterations %d reached", ErrLimitExceeded, b.maxIterations)
	}
	if b.maxRuntime > 0 {
		if elapsed := now.Sub(b.started); elapsed >= b.maxRuntime {
			return fmt.Errorf("%w: max runtime %s reached after %s", ErrLimitExceeded, b.maxRuntime, elapsed.Round(time.Second))
		}
	}
	if b.maxCostUSD > 0 && b.totalAmount >= b.maxCostUSD {
		return fmt.Errorf("%w: budget %.2f exceeded (current total %.2f)", ErrLimitExceeded, b.maxCostUSD, b.totalAmount)
	}
	return nil
}

func (b *budget) recordReports(reports []adapter.CallReport) {
	for _, report := range reports {
		b.calls = append(b.calls, report)
		if report.Error != "" {
			continue
		}
		b.totalAmount += report.Cost.Amount
		b.totalUsage = addUsage(b.totalUsage, report.Usage)
	}
}

func (b *budget) elapsed(now time.Time) time.Duration {
	return now.Sub(b.started)
}

func addUsage(a, b adapter.Usage) adapter.Usage {
	return adapter.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
