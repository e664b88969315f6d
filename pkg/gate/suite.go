package gate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SpecsCategory is the pseudo-category whose command verifies acceptance
// criteria. Its result feeds the specs_verified hard gate.
const SpecsCategory = "specs"

// Suite runs the configured verification command for each category and turns
// the outcomes into an AttemptResult.
type Suite struct {
	gates        map[string]*CommandGate
	workspace    string
	unrestricted bool
}

// SuiteOption configures a Suite.
type SuiteOption func(*Suite)

// WithUnrestrictedCommands disables the command template policy.
func WithUnrestrictedCommands() SuiteOption {
	return func(s *Suite) {
		s.unrestricted = true
	}
}

// NewSuite builds command gates from a category -> command line map. Commands
// are split on whitespace and must match the category's allowed templates
// unless the suite is unrestricted.
func NewSuite(commands map[string]string, workspace string, opts ...SuiteOption) (*Suite, error) {
	s := &Suite{gates: map[string]*CommandGate{}, workspace: workspace}
	for _, opt := range opts {
		opt(s)
	}
	for _, category := range sortedKeys(commands) {
		argv := strings.Fields(commands[category])
		if len(argv) == 0 {
			continue
		}
		if !s.unrestricted {
			if ok, reason := CheckCategoryCommand(category, argv, workspace); !ok {
				return nil, fmt.Errorf("verification command for %s not allowed: %s", category, reason)
			}
		}
		g, err := NewCommandGate(category, argv, workspace)
		if err != nil {
			return nil, err
		}
		s.gates[category] = g
	}
	return s, nil
}

// Categories lists the configured categories in sorted order.
func (s *Suite) Categories() []string {
	out := make([]string, 0, len(s.gates))
	for category := range s.gates {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Run executes the commands for the requested categories (all configured ones
// when categories is empty). Categories without a command are left
// unreported so the evaluator blocks on them.
func (s *Suite) Run(ctx context.Context, categories []string) (AttemptResult, []*GateResult, error) {
	if len(categories) == 0 {
		categories = s.Categories()
	}
	result := AttemptResult{Categories: map[string]bool{}}
	var results []*GateResult
	seen := map[string]bool{}
	for _, category := range categories {
		if seen[category] {
			continue
		}
		seen[category] = true
		g, ok := s.gates[category]
		if !ok {
			continue
		}
		res, err := g.Evaluate(ctx)
		if err != nil {
			return result, results, err
		}
		results = append(results, res)
		applyCommandResult(&result, category, res)
	}
	return result, results, nil
}

// RunFor runs the categories a strategy needs, plus the specs and lint
// commands when its hard gates depend on them.
func (s *Suite) RunFor(ctx context.Context, strategy Strategy) (AttemptResult, []*GateResult, error) {
	categories := append([]string(nil), strategy.RequiredCategories...)
	for _, hardGate := range strategy.HardGates {
		switch hardGate {
		case HardGateSpecsVerified:
			categories = append(categories, SpecsCategory)
		case HardGateZeroLintErrors, HardGateZeroLintWarnings:
			categories = append(categories, CategoryLint)
		}
	}
	if strategy.CoverageThreshold > 0 {
		categories = append(categories, CategoryUnit)
	}
	return s.Run(ctx, categories)
}

func applyCommandResult(result *AttemptResult, category string, res *GateResult) {
	output := ""
	if res.Diagnostics != nil {
		output = res.Diagnostics.Stdout + "\n" + res.Diagnostics.Stderr
	}
	switch category {
	case SpecsCategory:
		passed := res.Passed
		result.SpecsVerified = &passed
		return
	case CategoryLint:
		findings := countFindings(output)
		warnings := findings
		errs := 0
		if !res.Passed {
			errs = findings
			if errs == 0 {
				errs = 1
			}
		}
		result.LintWarnings = &warnings
		result.LintErrors = &errs
	case CategoryUnit:
		if coverage, ok := ParseGoCoverage(output); ok {
			result.Coverage = &coverage
		}
	}
	result.Categories[category] = res.Passed
}

var (
	// file.go:12:3: message, as printed by go vet and golangci-lint.
	diagnosticLine = regexp.MustCompile(`^\s*[^\s:]+:\d+(?::\d+)?:\s`)
	// gofmt -l lists one unformatted file per line.
	unformattedFile = regexp.MustCompile(`^\s*[^\s:]+\.go\s*$`)
)

// countFindings counts diagnostic lines. Headers and summaries such as
// "# pkg" or "0 issues." are not findings.
func countFindings(output string) int {
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if diagnosticLine.MatchString(line) || unformattedFile.MatchString(line) {
			n++
		}
	}
	return n
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
