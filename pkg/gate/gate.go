// Package gate implements the verification gate: risk-tiered strategies, the
// pure evaluator that blocks completion, and command gates that collect
// evidence from the workspace.
package gate

import "context"

// Gate is one executable check.
type Gate interface {
	// Evaluate runs the check.
	Evaluate(ctx context.Context) (*GateResult, error)

	// Name returns the gate identifier.
	Name() string
}

// GateResult contains the outcome of a gate evaluation.
type GateResult struct {
	Gate        string              `json:"gate"`
	Passed      bool                `json:"passed"`
	Score       int                 `json:"score"`
	Violations  []Violation         `json:"violations,omitempty"`
	RepairHints []string            `json:"repair_hints,omitempty"`
	Diagnostics *CommandDiagnostics `json:"diagnostics,omitempty"`
}

// Violation describes a specific quality issue.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"` // "error", "warning", "info"
	Message    string `json:"message"`
	Location   string `json:"location,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NewPassingResult creates a result indicating the gate passed.
func NewPassingResult(score int) *GateResult {
	return &GateResult{
		Passed: true,
		Score:  score,
	}
}

// NewFailingResult creates a result indicating the gate failed.
func NewFailingResult(score int, violations []Violation, hints []string) *GateResult {
	return &GateResult{
		Passed:      false,
		Score:       score,
		Violations:  violations,
		RepairHints: hints,
	}
}

// VerdictViolations renders a blocked verdict as violations so it can be fed
// to the repair prompt.
func VerdictViolations(v Verdict) []Violation {
	violations := make([]Violation, 0, len(v.Reasons))
	for _, reason := range v.Reasons {
		violations = append(violations, Violation{
			Rule:     "verification_strategy",
			Severity: "error",
			Message:  reason,
		})
	}
	return violations
}
