package hat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/workspace"
)

const plannerInstructions = `You are the Planner. Produce a short numbered implementation plan for the task below.
If the task has an architectural ambiguity you must not resolve alone, reply only with a fenced json block:
{"question": "...", "options": [{"label": "A", "description": "...", "pros": ["..."], "cons": ["..."], "impact": "..."}]}
with two or three options.`

const executorInstructions = `You are the Executor. Implement the task in the workspace.
Reply with a unified diff, or with complete files each introduced by a "// file: <path>" line.
End with an "## Evidence" section listing check results, one per line, e.g. "tests: pass", "coverage: 96%", "lint: pass".
If an architectural ambiguity blocks you, reply only with a fenced json block of options as described for the Planner.`

// ModelHat is a role backed by a model adapter. The Executor variant applies
// the reply to the workspace.
type ModelHat struct {
	kind         Kind
	adapter      adapter.Adapter
	model        string
	instructions string
	retry        adapter.RetryPolicy
	pricing      adapter.Pricing
	applier      *workspace.Applier
	logger       *slog.Logger
}

// ModelOption configures a ModelHat.
type ModelOption func(*ModelHat)

// WithInstructions replaces the built-in role instructions.
func WithInstructions(text string) ModelOption {
	return func(h *ModelHat) {
		if strings.TrimSpace(text) != "" {
			h.instructions = text
		}
	}
}

// WithRetry sets the adapter retry policy.
func WithRetry(policy adapter.RetryPolicy) ModelOption {
	return func(h *ModelHat) { h.retry = policy }
}

// WithPricing sets the pricing table for cost reports.
func WithPricing(p adapter.Pricing) ModelOption {
	return func(h *ModelHat) { h.pricing = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ModelOption {
	return func(h *ModelHat) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewPlanner returns the planning role.
func NewPlanner(a adapter.Adapter, model string, opts ...ModelOption) *ModelHat {
	return newModelHat(KindPlanner, a, model, plannerInstructions, nil, opts)
}

// NewExecutor returns the executing role. Replies are applied through applier.
func NewExecutor(a adapter.Adapter, model string, applier *workspace.Applier, opts ...ModelOption) *ModelHat {
	return newModelHat(KindExecutor, a, model, executorInstructions, applier, opts)
}

func newModelHat(kind Kind, a adapter.Adapter, model, instructions string, applier *workspace.Applier, opts []ModelOption) *ModelHat {
	h := &ModelHat{
		kind:         kind,
		adapter:      a,
		model:        model,
		instructions: instructions,
		retry:        adapter.DefaultRetryPolicy(),
		applier:      applier,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hat", "hat", string(kind))
	return h
}

func (h *ModelHat) Kind() Kind { return h.kind }

// Binding returns the adapter and model names.
func (h *ModelHat) Binding() (string, string) {
	return h.adapter.Name(), h.model
}

func (h *ModelHat) Handle(ctx context.Context, step StepContext) (Outcome, error) {
	prompt := step.Input(h.instructions)
	resp, report, err := adapter.Call(ctx, h.adapter, h.model, prompt, h.retry, h.pricing)
	out := Outcome{Kind: h.kind, Calls: []adapter.CallReport{report}}
	if err != nil {
		return out, fmt.Errorf("%s: %w", h.kind, err)
	}
	out.Output = resp.Content

	if q, ok := ParseQuestion(resp.Content); ok {
		q.TaskID = step.Task.ID
		out.Topic = bus.TopicHumanInteract
		out.Question = q
		out.Summary = "ambiguity: " + q.Question
		return out, nil
	}

	switch h.kind {
	case KindPlanner:
		// Plans have no topic of their own; they surface in test.strategy.
		out.Plan = strings.TrimSpace(resp.Content)
		out.Summary = "plan ready"
	case KindExecutor:
		h.execute(step, &out)
	default:
		out.Summary = strings.TrimSpace(resp.Content)
	}
	return out, nil
}

func (h *ModelHat) execute(step StepContext, out *Outcome) {
	changes, evidence := SplitEvidence(out.Output)
	out.Evidence = evidence
	out.Topic = bus.TopicBuildDone

	if h.applier == nil || strings.TrimSpace(changes) == "" {
		out.Summary = "no changes"
		return
	}
	result, err := h.applier.Apply(changes)
	switch {
	case errors.Is(err, workspace.ErrNoChanges):
		out.Summary = "no changes"
	case err != nil:
		out.ApplyError = err.Error()
		out.Topic = bus.TopicBuildBlocked
		out.Summary = "apply failed"
		h.logger.Warn("apply failed", "task_id", step.Task.ID, "attempt", step.Attempt, "error", err)
	default:
		out.Apply = result
		out.Summary = fmt.Sprintf("applied %d file(s)", len(result.Files()))
	}
}
