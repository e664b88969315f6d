package hat

import (
	"context"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/triage"
)

// TriageHat routes a task with the triage classifier.
type TriageHat struct {
	classifier *triage.Classifier
}

// NewTriageHat wraps classifier.
func NewTriageHat(classifier *triage.Classifier) *TriageHat {
	return &TriageHat{classifier: classifier}
}

func (h *TriageHat) Kind() Kind { return KindTriage }

func (h *TriageHat) Handle(ctx context.Context, step StepContext) (Outcome, error) {
	var calls []adapter.CallReport
	h.classifier.OnCall = func(r adapter.CallReport) { calls = append(calls, r) }
	defer func() { h.classifier.OnCall = nil }()

	decision := h.classifier.Classify(ctx, step.Task)
	return Outcome{
		Kind:    KindTriage,
		Topic:   bus.TopicTriageDecision,
		Summary: decision.Mode.String() + ": " + decision.Reason,
		Routing: &decision,
		Calls:   calls,
	}, nil
}
