package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/captain/pkg/gate"
)

func TestEvidenceWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "task-123")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	task := TaskRecord{
		ID:        "task-123",
		Title:     "Fix typo",
		Workspace: dir,
		StartedAt: time.Now().UTC(),
		Routing:   &RoutingRecord{Mode: "simple", Confidence: 0.95, Reason: "simple keywords"},
	}
	if err := writer.WriteTask(task); err != nil {
		t.Fatalf("write task: %v", err)
	}

	step := StepRecord{
		Iteration:     1,
		Hat:           "Executor",
		CheckpointID:  "abc",
		ContextPrefix: "### 🚨 SOVEREIGN COMMAND",
		Attempts: []AttemptRecord{{
			Attempt:  1,
			Strategy: "tier3",
			Verdict:  gate.Verdict{Passed: false, Reasons: []string{"smoke checks not reported"}},
		}},
	}
	if err := writer.WriteStep(step); err != nil {
		t.Fatalf("write step: %v", err)
	}

	logRef, err := writer.WriteGateLog(1, "unit", "stdout")
	if err != nil {
		t.Fatalf("write gate log: %v", err)
	}
	if logRef != "gates/001-unit.log" {
		t.Fatalf("unexpected log ref: %s", logRef)
	}

	stepPath := filepath.Join(writer.TaskDir(), "steps", "001-executor.json")
	data, err := os.ReadFile(stepPath)
	if err != nil {
		t.Fatalf("missing step file: %v", err)
	}
	var decoded StepRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode step: %v", err)
	}
	if decoded.ContextPrefix != step.ContextPrefix || len(decoded.Attempts) != 1 {
		t.Fatalf("unexpected step record: %+v", decoded)
	}
	if _, err := os.Stat(filepath.Join(writer.TaskDir(), "task.json")); err != nil {
		t.Fatalf("missing task.json: %v", err)
	}

	if runtime.GOOS != "windows" {
		assertPerm(t, writer.TaskDir(), 0700)
		assertPerm(t, filepath.Join(writer.TaskDir(), "steps"), 0700)
		assertPerm(t, filepath.Join(writer.TaskDir(), "gates"), 0700)
		assertPerm(t, filepath.Join(writer.TaskDir(), "blobs"), 0700)
		assertPerm(t, filepath.Join(writer.TaskDir(), "task.json"), 0600)
		assertPerm(t, stepPath, 0600)
		assertPerm(t, filepath.Join(writer.TaskDir(), "gates", "001-unit.log"), 0600)
	}
}

func TestNewGateRecord(t *testing.T) {
	res := gate.NewFailingResult(0, []gate.Violation{{Rule: "exit_code", Message: "exit 1"}}, nil)
	res.Gate = "lint"
	res.Diagnostics = &gate.CommandDiagnostics{ExitCode: 1, Duration: 1500 * time.Millisecond}

	rec := NewGateRecord(res)
	if rec.Name != "lint" || rec.Passed || rec.ExitCode != 1 || rec.DurationMillis != 1500 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestWriteBlob(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "task1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	content := []byte("hello")
	sum := sha256.Sum256(content)
	expectedSha := hex.EncodeToString(sum[:])

	ref, sha, err := writer.WriteBlob("prompt", content)
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if sha != expectedSha {
		t.Fatalf("sha mismatch: %s", sha)
	}

	blobPath := filepath.Join(writer.TaskDir(), ref)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("content mismatch: %q", string(data))
	}
	if runtime.GOOS != "windows" {
		assertPerm(t, blobPath, 0600)
	}

	ref2, sha2, err := writer.WriteBlob("prompt", content)
	if err != nil {
		t.Fatalf("write blob again: %v", err)
	}
	if ref2 != ref || sha2 != sha {
		t.Fatalf("expected same ref and sha")
	}
}

func TestWriteBlobKindSanitization(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "task2")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, _, err := writer.WriteBlob("Prompt 123/../", []byte("x"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}

	if !strings.HasPrefix(ref, "blobs/") {
		t.Fatalf("expected blobs prefix: %s", ref)
	}
	if strings.Count(ref, "/") != 1 {
		t.Fatalf("unexpected path separators in ref: %s", ref)
	}

	kindSegment := strings.TrimPrefix(ref, "blobs/")
	kindSegment = strings.TrimSuffix(kindSegment, filepath.Ext(kindSegment))
	parts := strings.SplitN(kindSegment, "-", 2)
	if len(parts) == 0 {
		t.Fatalf("missing kind segment in ref: %s", ref)
	}

	kind := parts[0]
	for _, r := range kind {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			t.Fatalf("invalid kind character: %q", r)
		}
	}
}

func TestWriteBlobKindFallback(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "task3")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, _, err := writer.WriteBlob("!!!", []byte("y"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}

	if !strings.HasPrefix(ref, "blobs/blob-") {
		t.Fatalf("expected blob kind fallback in ref: %s", ref)
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
