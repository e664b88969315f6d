package gate

import (
	"reflect"
	"testing"
)

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func tier1Passing() AttemptResult {
	return AttemptResult{
		Coverage: floatPtr(96),
		Categories: map[string]bool{
			CategoryUnit:        true,
			CategoryIntegration: true,
			CategoryLint:        true,
			CategorySecurity:    true,
		},
		LintWarnings:  intPtr(0),
		SpecsVerified: boolPtr(true),
	}
}

func TestEvaluateCoverageBelowTier1(t *testing.T) {
	result := tier1Passing()
	result.Coverage = floatPtr(82)

	verdict := Evaluate(result, ForTier(Tier1, "core change"))
	if verdict.Passed {
		t.Fatalf("expected blocked verdict")
	}
	want := []string{"coverage 82%, required 95%"}
	if !reflect.DeepEqual(verdict.Reasons, want) {
		t.Fatalf("reasons = %v, want %v", verdict.Reasons, want)
	}
}

func TestEvaluateTier1Passes(t *testing.T) {
	verdict := Evaluate(tier1Passing(), ForTier(Tier1, ""))
	if !verdict.Passed || len(verdict.Reasons) != 0 {
		t.Fatalf("expected pass, got %+v", verdict)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	result := AttemptResult{
		Coverage:     floatPtr(50),
		Categories:   map[string]bool{CategoryLint: false, CategorySecurity: true},
		LintWarnings: intPtr(3),
	}
	strategy := ForTier(Tier1, "")
	first := Evaluate(result, strategy)
	for i := 0; i < 20; i++ {
		again := Evaluate(result, strategy)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("verdict changed between calls: %+v vs %+v", first, again)
		}
	}
	if result.Categories[CategorySecurity] != true || len(result.Categories) != 2 {
		t.Fatalf("evaluate mutated its input: %+v", result)
	}
	want := []string{
		"coverage 50%, required 95%",
		"integration checks not reported",
		"lint checks failed",
		"lint warnings 3, required 0",
		"specs verification not reported",
		"unit checks not reported",
	}
	if !reflect.DeepEqual(first.Reasons, want) {
		t.Fatalf("reasons = %v, want %v", first.Reasons, want)
	}
}

func TestEvaluateTier3SingleRequirement(t *testing.T) {
	strategy := Minimal("simple path")
	if len(strategy.RequiredCategories) != 1 || strategy.CoverageThreshold != 0 || len(strategy.HardGates) != 0 {
		t.Fatalf("unexpected minimal strategy %+v", strategy)
	}
	blocked := Evaluate(AttemptResult{}, strategy)
	if blocked.Passed {
		t.Fatalf("expected missing smoke evidence to block")
	}
	passed := Evaluate(AttemptResult{Categories: map[string]bool{CategorySmoke: true}}, strategy)
	if !passed.Passed {
		t.Fatalf("expected smoke pass to satisfy tier 3, got %v", passed.Reasons)
	}
}

func TestEvaluateTier2LintErrors(t *testing.T) {
	result := AttemptResult{
		Coverage:   floatPtr(85.5),
		Categories: map[string]bool{CategoryUnit: true, CategoryLint: true},
		LintErrors: intPtr(2),
	}
	verdict := Evaluate(result, ForTier(Tier2, ""))
	want := []string{"lint errors 2, required 0"}
	if verdict.Passed || !reflect.DeepEqual(verdict.Reasons, want) {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestEvaluateUnknownHardGateBlocks(t *testing.T) {
	strategy := Strategy{Tier: Tier2, HardGates: []string{"zero_flakes"}}
	verdict := Evaluate(AttemptResult{}, strategy)
	if verdict.Passed {
		t.Fatalf("unknown hard gate must block")
	}
}

func TestStricterNeverRelaxes(t *testing.T) {
	current := ForTier(Tier1, "auth")
	got := Stricter(&current, ForTier(Tier3, "docs"))
	if got.Tier != Tier1 {
		t.Fatalf("expected tier1 to remain active, got %s", got.Tier)
	}
	tier2 := ForTier(Tier2, "")
	got = Stricter(&tier2, ForTier(Tier1, ""))
	if got.Tier != Tier1 {
		t.Fatalf("expected tightening to tier1, got %s", got.Tier)
	}
	if got := Stricter(nil, tier2); got.Tier != Tier2 {
		t.Fatalf("expected first activation to apply")
	}
}

func TestMergeKeepsReportedValues(t *testing.T) {
	base := AttemptResult{Coverage: floatPtr(70), Categories: map[string]bool{CategoryUnit: false}}
	merged := base.Merge(AttemptResult{Categories: map[string]bool{CategoryUnit: true, CategoryLint: true}})
	if *merged.Coverage != 70 || !merged.Categories[CategoryUnit] || !merged.Categories[CategoryLint] {
		t.Fatalf("unexpected merge %+v", merged)
	}
	if base.Categories[CategoryUnit] {
		t.Fatalf("merge mutated the receiver")
	}
}
