package hat

import (
	"context"
	"strings"

	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/triage"
)

// TestArchitectHat selects the verification strategy from the risk matrix.
type TestArchitectHat struct {
	matrix *gate.Matrix
}

// NewTestArchitect returns the strategy-selecting role.
func NewTestArchitect(matrix *gate.Matrix) *TestArchitectHat {
	if matrix == nil {
		matrix = gate.DefaultMatrix()
	}
	return &TestArchitectHat{matrix: matrix}
}

func (h *TestArchitectHat) Kind() Kind { return KindTestArchitect }

// Handle resolves the strategy. Simple-routed tasks always get the minimal
// single-check strategy; Full tasks are matched on task text plus plan.
func (h *TestArchitectHat) Handle(ctx context.Context, step StepContext) (Outcome, error) {
	var strategy gate.Strategy
	if step.Routing != nil && step.Routing.Mode == triage.ModeSimple {
		strategy = gate.Minimal("simple route: " + step.Routing.Reason)
	} else {
		text := step.Task.Text()
		if step.Plan != "" {
			text = strings.Join([]string{text, step.Plan}, "\n")
		}
		strategy = h.matrix.Resolve(text)
	}

	// An active strategy is only ever replaced by one at least as strict.
	if step.Strategy != nil {
		strategy = gate.Stricter(step.Strategy, strategy)
	}

	return Outcome{
		Kind:     KindTestArchitect,
		Topic:    bus.TopicTestStrategy,
		Summary:  strategy.Summary(),
		Strategy: &strategy,
	}, nil
}
