package repair

import (
	"strings"
	"testing"

	"github.com/zen-systems/captain/pkg/gate"
)

func TestRejectionListsEveryFailedCriterion(t *testing.T) {
	strategy := gate.ForTier(gate.Tier1, "auth scope")
	coverage := 82.0
	verdict := gate.Evaluate(gate.AttemptResult{Coverage: &coverage}, strategy)
	if verdict.Passed {
		t.Fatalf("expected blocked verdict")
	}

	failing := gate.NewFailingResult(0, nil, []string{"run go test ./... locally"})
	failing.Gate = "unit"
	failing.Diagnostics = &gate.CommandDiagnostics{
		Command:  []string{"go", "test", "./..."},
		Stderr:   "--- FAIL: TestLogin",
		ExitCode: 1,
	}

	prompt := Rejection("old output", strategy, verdict, []*gate.GateResult{failing, nil})
	for _, reason := range verdict.Reasons {
		if !strings.Contains(prompt, reason) {
			t.Fatalf("prompt missing reason %q:\n%s", reason, prompt)
		}
	}
	for _, want := range []string{"coverage 82%, required 95%", "--- FAIL: TestLogin", "go test ./...", "run go test ./... locally", "old output"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestEscalationRequestsDiff(t *testing.T) {
	verdict := gate.Verdict{Reasons: []string{"smoke checks not reported"}}

	prompt := Escalation("original", verdict, true)
	if !strings.Contains(prompt, "Do NOT repeat the previous output") {
		t.Fatalf("missing repeat warning")
	}
	if !strings.Contains(prompt, "unified diff") {
		t.Fatalf("missing unified diff request")
	}
	if !strings.Contains(prompt, "smoke checks not reported") {
		t.Fatalf("missing reason")
	}
}

func TestClipTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", maxEchoBytes+10)
	if got := clip(long); !strings.HasSuffix(got, "(truncated)") {
		t.Fatalf("expected truncation marker")
	}
}
