package attest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/captain/pkg/evidence"
	"github.com/zen-systems/captain/pkg/gate"
)

func writeBundle(t *testing.T) string {
	t.Helper()
	w, err := evidence.NewWriter(t.TempDir(), "task-1")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := w.WriteTask(evidence.TaskRecord{
		ID:         "task-1",
		Title:      "fix typo",
		Workspace:  "/ws",
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
		Outcome:    "completed",
		Iterations: 4,
		Blocks:     1,
	}); err != nil {
		t.Fatalf("write task: %v", err)
	}

	ref, sha, err := w.WriteBlob("output", []byte("// file: README.md\nfixed\n"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	logRef, err := w.WriteGateLog(4, "unit", "ok")
	if err != nil {
		t.Fatalf("write gate log: %v", err)
	}
	steps := []evidence.StepRecord{
		{Iteration: 3, Hat: "executor", CheckpointID: "cp-3", OutputRef: ref, OutputHash: sha},
		{Iteration: 4, Hat: "verifier", CheckpointID: "cp-4", Attempts: []evidence.AttemptRecord{
			{Attempt: 1, Strategy: "tier3", Verdict: gate.Verdict{Reasons: []string{"smoke not passed"}}},
			{Attempt: 2, Strategy: "tier3", Verdict: gate.Verdict{Passed: true}, Succeeded: true, GateResults: []evidence.GateRecord{
				{Name: "unit", Passed: true, LogRef: logRef},
				{Name: "lint", Passed: true},
			}},
		}},
	}
	for _, s := range steps {
		if err := w.WriteStep(s); err != nil {
			t.Fatalf("write step: %v", err)
		}
	}
	return w.TaskDir()
}

func TestBuildSummarizesBundle(t *testing.T) {
	dir := writeBundle(t)
	att, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if att.Schema != Schema || att.Subject.TaskID != "task-1" || att.Subject.Workspace != "/ws" {
		t.Fatalf("unexpected header: %+v", att)
	}
	c := att.Claim
	if c.Outcome != "completed" || !c.Passed || c.Attempts != 2 || c.Blocks != 1 {
		t.Fatalf("unexpected claim: %+v", c)
	}
	if len(c.Gates) != 2 || c.Gates[0].Name != "lint" || c.Gates[1].Name != "unit" {
		t.Fatalf("expected sorted gates, got %+v", c.Gates)
	}
	if len(att.Evidence.Steps) != 2 || len(att.Evidence.Blobs) != 1 || len(att.Evidence.GateLogs) != 1 {
		t.Fatalf("unexpected evidence listing: %+v", att.Evidence)
	}
	for _, rel := range []string{"task.json", att.Evidence.Steps[0], att.Evidence.Blobs[0], att.Evidence.GateLogs[0]} {
		if len(att.Hashes[rel]) != 64 {
			t.Fatalf("missing hash for %s", rel)
		}
	}
}

func TestVerifyAcceptsUntouchedBundle(t *testing.T) {
	dir := writeBundle(t)
	att, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := Verify(att, dir); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTamperedBlob(t *testing.T) {
	dir := writeBundle(t)
	att, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(att.Evidence.Blobs[0])), []byte("tampered"), 0600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := Verify(att, dir); err == nil {
		t.Fatalf("expected hash mismatch")
	}
}

func TestVerifyDetectsInflatedClaim(t *testing.T) {
	dir := writeBundle(t)
	att, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	att.Claim.Blocks = 0
	err = Verify(att, dir)
	if err == nil || !strings.Contains(err.Error(), "blocks attested 0, records say 1") {
		t.Fatalf("expected blocks mismatch, got %v", err)
	}
}

func TestVerifyNamesFirstMismatchedClaimField(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(c *Claim)
		want   string
	}{
		{"outcome", func(c *Claim) { c.Outcome = "abandoned" }, "outcome attested"},
		{"passed", func(c *Claim) { c.Passed = false }, "passed attested false"},
		{"attempts", func(c *Claim) { c.Attempts = 1 }, "attempts attested 1, records say 2"},
		{"strategy", func(c *Claim) { c.Strategy = "tier1" }, "strategy attested"},
		{"gate count", func(c *Claim) { c.Gates = c.Gates[:1] }, "1 gates attested, records show 2"},
		{"gate result", func(c *Claim) { c.Gates[1].Passed = false }, "gate unit attested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeBundle(t)
			att, err := Build(dir)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			tt.tamper(&att.Claim)
			err = Verify(att, dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyDetectsInjectedStep(t *testing.T) {
	dir := writeBundle(t)
	att, err := Build(dir)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "steps", "005-executor.json"), []byte(`{"iteration":5,"hat":"executor"}`), 0600); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := Verify(att, dir); err == nil {
		t.Fatalf("expected unattested step to be rejected")
	}
}

func TestBuildRejectsTraversal(t *testing.T) {
	w, err := evidence.NewWriter(t.TempDir(), "task-2")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.WriteTask(evidence.TaskRecord{ID: "task-2"}); err != nil {
		t.Fatalf("write task: %v", err)
	}
	if err := w.WriteStep(evidence.StepRecord{Iteration: 1, Hat: "executor", OutputRef: "../secrets.txt"}); err != nil {
		t.Fatalf("write step: %v", err)
	}
	if _, err := Build(w.TaskDir()); err == nil {
		t.Fatalf("expected traversal error")
	}
}
