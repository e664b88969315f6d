// Package hat defines the closed set of roles the loop dispatches to and
// their implementations.
package hat

import (
	"context"
	"fmt"
	"strings"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/bus"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/task"
	"github.com/zen-systems/captain/pkg/triage"
	"github.com/zen-systems/captain/pkg/workspace"
)

// Kind tags a role. The set is closed.
type Kind string

const (
	KindTriage        Kind = "Triage"
	KindPlanner       Kind = "Planner"
	KindTestArchitect Kind = "TestArchitect"
	KindExecutor      Kind = "Executor"
	KindVerifier      Kind = "Verifier"
)

// Kinds lists every role in pipeline order.
var Kinds = []Kind{KindTriage, KindPlanner, KindTestArchitect, KindExecutor, KindVerifier}

// Valid reports whether k is a known role.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ConfigKey is the name used for the role in captain.yaml.
func (k Kind) ConfigKey() string {
	switch k {
	case KindTestArchitect:
		return "test_architect"
	default:
		return strings.ToLower(string(k))
	}
}

// ParseKind accepts either the role name or its config key.
func ParseKind(raw string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	for _, k := range Kinds {
		if norm == strings.ToLower(string(k)) || norm == k.ConfigKey() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown hat %q", raw)
}

// Mutating reports whether the role may change the workspace.
func (k Kind) Mutating() bool {
	return k == KindExecutor
}

// StepContext is everything a role sees for one dispatch.
type StepContext struct {
	Task      task.Intent
	Iteration int
	Attempt   int
	Workspace string

	// Prefix is prepended verbatim to the role's input. It carries a pending
	// human directive.
	Prefix string

	Routing   *triage.Decision
	Plan      string
	Strategy  *gate.Strategy
	Decisions []string

	// Feedback holds the rejection from the previous blocked attempt.
	Feedback string
	// Candidate is the executor outcome awaiting verification.
	Candidate *Outcome
}

// Input renders the text handed to a model-backed role.
func (c StepContext) Input(instructions string) string {
	var b strings.Builder
	b.WriteString(c.Prefix)
	if instructions != "" {
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "## Task %s\n\n%s\n", c.Task.ID, c.Task.Text())
	if len(c.Decisions) > 0 {
		b.WriteString("\n## Binding human decisions\n\n")
		for _, d := range c.Decisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if c.Plan != "" {
		fmt.Fprintf(&b, "\n## Plan\n\n%s\n", c.Plan)
	}
	if c.Strategy != nil {
		fmt.Fprintf(&b, "\n## Verification strategy\n\n%s\n", c.Strategy.Summary())
	}
	if c.Feedback != "" {
		fmt.Fprintf(&b, "\n## Rejection\n\n%s\n", c.Feedback)
	}
	return b.String()
}

// Outcome is what a role reports back. Topic names the event the loop
// publishes for it.
type Outcome struct {
	Kind    Kind
	Topic   bus.Topic
	Summary string
	Output  string

	Routing  *triage.Decision
	Plan     string
	Strategy *gate.Strategy

	// Evidence is the claimed build.done report; Measured is what the
	// verifier observed. Measured wins where both report a field.
	Evidence    string
	Measured    *gate.AttemptResult
	GateResults []*gate.GateResult
	Apply       *workspace.ApplyResult
	ApplyError  string

	// Question is set when the role cannot proceed without a human choice.
	Question *human.Request

	Calls []adapter.CallReport
}

// Cost sums the estimated cost of every model call in the outcome.
func (o Outcome) Cost() float64 {
	var total float64
	for _, r := range o.Calls {
		total += r.Cost.Amount
	}
	return total
}

// Hat is one role.
type Hat interface {
	Kind() Kind
	Handle(ctx context.Context, step StepContext) (Outcome, error)
}

// Func adapts a function to the Hat interface.
type Func struct {
	K  Kind
	Fn func(ctx context.Context, step StepContext) (Outcome, error)
}

func (f Func) Kind() Kind { return f.K }

func (f Func) Handle(ctx context.Context, step StepContext) (Outcome, error) {
	return f.Fn(ctx, step)
}

// Registry maps each role to its implementation.
type Registry map[Kind]Hat

// Register adds h under its kind.
func (r Registry) Register(h Hat) {
	r[h.Kind()] = h
}

// Get returns the hat for kind.
func (r Registry) Get(kind Kind) (Hat, error) {
	h, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no hat registered for %s", kind)
	}
	return h, nil
}

// Missing returns the roles without an implementation.
func (r Registry) Missing() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if _, ok := r[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
