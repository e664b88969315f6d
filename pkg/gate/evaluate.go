package gate

import (
	"fmt"
	"sort"
)

// AttemptResult is the evidence one execution attempt reports. Nil fields
// mean the measure was not reported.
type AttemptResult struct {
	Coverage      *float64        `json:"coverage,omitempty"`
	Categories    map[string]bool `json:"categories,omitempty"`
	LintWarnings  *int            `json:"lint_warnings,omitempty"`
	LintErrors    *int            `json:"lint_errors,omitempty"`
	SpecsVerified *bool           `json:"specs_verified,omitempty"`
}

// Verdict is the gate outcome. Reasons are sorted.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate checks result against strategy. It has no side effects and the
// same inputs always produce the same verdict.
func Evaluate(result AttemptResult, strategy Strategy) Verdict {
	var reasons []string

	if strategy.CoverageThreshold > 0 {
		required := formatPercent(strategy.CoverageThreshold)
		switch {
		case result.Coverage == nil:
			reasons = append(reasons, fmt.Sprintf("coverage not reported, required %s%%", required))
		case *result.Coverage < strategy.CoverageThreshold:
			reasons = append(reasons, fmt.Sprintf("coverage %s%%, required %s%%", formatPercent(*result.Coverage), required))
		}
	}

	for _, category := range strategy.RequiredCategories {
		passed, reported := result.Categories[category]
		switch {
		case !reported:
			reasons = append(reasons, fmt.Sprintf("%s checks not reported", category))
		case !passed:
			reasons = append(reasons, fmt.Sprintf("%s checks failed", category))
		}
	}

	for _, hardGate := range strategy.HardGates {
		if reason, ok := checkHardGate(hardGate, result); !ok {
			reasons = append(reasons, reason)
		}
	}

	sort.Strings(reasons)
	return Verdict{Passed: len(reasons) == 0, Reasons: reasons}
}

func checkHardGate(name string, result AttemptResult) (string, bool) {
	switch name {
	case HardGateZeroLintWarnings:
		if result.LintWarnings == nil {
			return "lint warnings not reported, required 0", false
		}
		if *result.LintWarnings > 0 {
			return fmt.Sprintf("lint warnings %d, required 0", *result.LintWarnings), false
		}
	case HardGateZeroLintErrors:
		if result.LintErrors == nil {
			return "lint errors not reported, required 0", false
		}
		if *result.LintErrors > 0 {
			return fmt.Sprintf("lint errors %d, required 0", *result.LintErrors), false
		}
	case HardGateSpecsVerified:
		if result.SpecsVerified == nil {
			return "specs verification not reported", false
		}
		if !*result.SpecsVerified {
			return "specs not verified", false
		}
	default:
		return fmt.Sprintf("unknown hard gate %q", name), false
	}
	return "", true
}

// Merge overlays other onto r. Reported values in other win.
func (r AttemptResult) Merge(other AttemptResult) AttemptResult {
	merged := r
	if other.Coverage != nil {
		merged.Coverage = other.Coverage
	}
	if other.LintWarnings != nil {
		merged.LintWarnings = other.LintWarnings
	}
	if other.LintErrors != nil {
		merged.LintErrors = other.LintErrors
	}
	if other.SpecsVerified != nil {
		merged.SpecsVerified = other.SpecsVerified
	}
	if len(other.Categories) > 0 {
		cats := make(map[string]bool, len(r.Categories)+len(other.Categories))
		for k, v := range r.Categories {
			cats[k] = v
		}
		for k, v := range other.Categories {
			cats[k] = v
		}
		merged.Categories = cats
	}
	return merged
}
