// Package evidence writes the per-task forensic bundle: the task record, one
// file per loop step with every gate attempt, command logs and content blobs.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/workspace"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// TaskRecord captures task-level metadata and the final outcome.
type TaskRecord struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Workspace   string         `json:"workspace"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Routing     *RoutingRecord `json:"routing,omitempty"`
	Strategy    *gate.Strategy `json:"strategy,omitempty"`
	Iterations  int            `json:"iterations"`
	Blocks      int            `json:"blocks"`
	CostUSD     float64        `json:"cost_usd"`
}

// RoutingRecord mirrors the triage decision.
type RoutingRecord struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	UsedLLM    bool    `json:"used_llm,omitempty"`
}

// StepRecord captures one dispatched step. ContextPrefix is the exact text
// prepended to the role's input, including any human directive.
type StepRecord struct {
	Iteration      int             `json:"iteration"`
	Hat            string          `json:"hat"`
	Adapter        string          `json:"adapter,omitempty"`
	Model          string          `json:"model,omitempty"`
	CheckpointID   string          `json:"checkpoint_id"`
	ContextPrefix  string          `json:"context_prefix,omitempty"`
	PromptHash     string          `json:"prompt_hash,omitempty"`
	OutputRef      string          `json:"output_ref,omitempty"`
	OutputHash     string          `json:"output_hash,omitempty"`
	Apply          *ApplyRecord    `json:"apply,omitempty"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
	HumanDecision  string          `json:"human_decision,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
}

// ApplyRecord captures workspace apply behavior.
type ApplyRecord struct {
	AppliedFiles    []string `json:"applied_files,omitempty"`
	DeletedFiles    []string `json:"deleted_files,omitempty"`
	UsedUnifiedDiff bool     `json:"used_unified_diff"`
}

// NewApplyRecord converts a workspace apply result.
func NewApplyRecord(r *workspace.ApplyResult) *ApplyRecord {
	if r == nil {
		return nil
	}
	return &ApplyRecord{
		AppliedFiles:    r.AppliedFiles,
		DeletedFiles:    r.DeletedFiles,
		UsedUnifiedDiff: r.UsedUnifiedDiff,
	}
}

// GateRecord captures one command gate evaluation.
type GateRecord struct {
	Name           string           `json:"name"`
	Passed         bool             `json:"passed"`
	Violations     []gate.Violation `json:"violations,omitempty"`
	RepairHints    []string         `json:"repair_hints,omitempty"`
	ExitCode       int              `json:"exit_code"`
	LogRef         string           `json:"log_ref,omitempty"`
	DurationMillis int64            `json:"duration_ms"`
}

// NewGateRecord converts a gate result.
func NewGateRecord(res *gate.GateResult) GateRecord {
	rec := GateRecord{
		Name:        res.Gate,
		Passed:      res.Passed,
		Violations:  res.Violations,
		RepairHints: res.RepairHints,
	}
	if res.Diagnostics != nil {
		rec.ExitCode = res.Diagnostics.ExitCode
		rec.DurationMillis = res.Diagnostics.Duration.Milliseconds()
	}
	return rec
}

// AttemptRecord captures each attempt to satisfy the strategy.
type AttemptRecord struct {
	Attempt        int          `json:"attempt"`
	PromptHash     string       `json:"prompt_hash,omitempty"`
	Strategy       string       `json:"strategy"`
	Verdict        gate.Verdict `json:"verdict"`
	GateResults    []GateRecord `json:"gate_results,omitempty"`
	ApplyError     string       `json:"apply_error,omitempty"`
	Succeeded      bool         `json:"succeeded"`
	DurationMillis int64        `json:"duration_ms"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	taskDir string
}

// NewWriter creates a writer rooted at baseDir/taskID.
func NewWriter(baseDir, taskID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if taskID == "" {
		return nil, fmt.Errorf("task ID is required")
	}

	taskDir := filepath.Join(baseDir, taskID)
	for _, dir := range []string{taskDir, filepath.Join(taskDir, "steps"), filepath.Join(taskDir, "gates"), filepath.Join(taskDir, "blobs")} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, dirPerm); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, taskDir: taskDir}, nil
}

// TaskDir returns the task directory path.
func (w *Writer) TaskDir() string {
	return w.taskDir
}

// WriteTask writes task metadata to task.json.
func (w *Writer) WriteTask(record TaskRecord) error {
	return writeJSON(filepath.Join(w.taskDir, "task.json"), record)
}

// WriteStep writes a step record to steps/<iteration>-<hat>.json.
func (w *Writer) WriteStep(record StepRecord) error {
	name := fmt.Sprintf("%03d-%s.json", record.Iteration, sanitizeKind(record.Hat, "step"))
	return writeJSON(filepath.Join(w.taskDir, "steps", name), record)
}

// WriteGateLog writes command output to gates/<iteration>-<gate>.log and
// returns the path relative to the task directory.
func (w *Writer) WriteGateLog(iteration int, gateName, content string) (string, error) {
	if gateName == "" {
		return "", fmt.Errorf("gate name is required")
	}
	rel := filepath.Join("gates", fmt.Sprintf("%03d-%s.log", iteration, sanitizeKind(gateName, "gate")))
	if err := os.WriteFile(filepath.Join(w.taskDir, rel), []byte(content), filePerm); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// WriteBlob stores content under blobs/<kind>-<sha256>.txt. Identical content
// maps to the same ref.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sha := Hash(content)
	ref := "blobs/" + sanitizeKind(kind, "blob") + "-" + sha + ".txt"
	path := filepath.Join(w.taskDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, filePerm); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// Hash returns the hex sha256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func sanitizeKind(kind, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return fallback
	}
	return out
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, filePerm)
}
