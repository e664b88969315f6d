package hat

import (
	"context"
	"fmt"

	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/gate"
)

// VerifierHat runs the configured command checks for the active strategy.
// With no suite it relies on the executor's claimed evidence alone.
type VerifierHat struct {
	suite *gate.Suite
}

// NewVerifier returns the verifying role. suite may be nil.
func NewVerifier(suite *gate.Suite) *VerifierHat {
	return &VerifierHat{suite: suite}
}

func (h *VerifierHat) Kind() Kind { return KindVerifier }

func (h *VerifierHat) Handle(ctx context.Context, step StepContext) (Outcome, error) {
	if step.Strategy == nil {
		return Outcome{}, fmt.Errorf("verifier: no active strategy")
	}
	out := Outcome{Kind: KindVerifier, Topic: bus.TopicBuildDone}
	if step.Candidate != nil {
		out.Evidence = step.Candidate.Evidence
	}
	if h.suite == nil {
		out.Summary = "claimed evidence only"
		return out, nil
	}

	measured, results, err := h.suite.RunFor(ctx, *step.Strategy)
	if err != nil {
		return out, fmt.Errorf("verifier: %w", err)
	}
	out.Measured = &measured
	out.GateResults = results
	out.Summary = fmt.Sprintf("ran %d check(s)", len(results))
	return out, nil
}
