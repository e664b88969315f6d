package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecoveryRecord describes an unrecoverable failure awaiting a human.
type RecoveryRecord struct {
	TaskID              string    `json:"task_id"`
	Title               string    `json:"title"`
	FailureReason       string    `json:"failure_reason"`
	LastCheckpointID    string    `json:"last_checkpoint_id"`
	RollbackInstruction string    `json:"rollback_instruction"`
	RecordedAt          time.Time `json:"recorded_at"`
}

// RecoveryQueue persists the recovery record at RECOVERY_QUEUE.md. Any
// non-whitespace content means the loop is blocked.
type RecoveryQueue struct {
	path string
}

// NewRecoveryQueue returns the queue stored at the workspace root.
func NewRecoveryQueue(workspacePath string) *RecoveryQueue {
	return &RecoveryQueue{path: filepath.Join(workspacePath, RecoveryFileName)}
}

// Path returns the recovery file location.
func (q *RecoveryQueue) Path() string {
	return q.path
}

// IsBlocked reports whether the recovery file holds any content. Read errors
// other than a missing file count as blocked.
func (q *RecoveryQueue) IsBlocked() bool {
	data, err := os.ReadFile(q.path)
	if err != nil {
		return !os.IsNotExist(err)
	}
	return strings.TrimSpace(string(data)) != ""
}

// Write replaces the recovery file with rec.
func (q *RecoveryQueue) Write(rec RecoveryRecord) error {
	content, err := renderRecord(rec)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write recovery queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write recovery queue: %w", err)
	}
	return nil
}

// Read returns the stored record. A file edited by hand without the JSON
// block yields a record whose FailureReason is the raw text.
func (q *RecoveryQueue) Read() (RecoveryRecord, bool, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RecoveryRecord{}, false, nil
		}
		return RecoveryRecord{}, false, fmt.Errorf("read recovery queue: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return RecoveryRecord{}, false, nil
	}
	if block, ok := jsonBlock(text); ok {
		var rec RecoveryRecord
		if err := json.Unmarshal([]byte(block), &rec); err == nil {
			return rec, true, nil
		}
	}
	return RecoveryRecord{FailureReason: text}, true, nil
}

// Clear empties the recovery file, unblocking the loop.
func (q *RecoveryQueue) Clear() error {
	if _, err := os.Stat(q.path); os.IsNotExist(err) {
		return nil
	}
	if err := os.WriteFile(q.path, nil, 0644); err != nil {
		return fmt.Errorf("clear recovery queue: %w", err)
	}
	return nil
}

func renderRecord(rec RecoveryRecord) (string, error) {
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal recovery record: %w", err)
	}

	checkpoint := rec.LastCheckpointID
	if checkpoint == "" {
		checkpoint = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# 🚨 RECOVERY REQUIRED (%s)\n\n", rec.RecordedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("## Failed Task\n\n")
	fmt.Fprintf(&b, "- **ID:** %s\n", rec.TaskID)
	if rec.Title != "" {
		fmt.Fprintf(&b, "- **Title:** %s\n", rec.Title)
	}
	fmt.Fprintf(&b, "- **Reason:** %s\n\n", rec.FailureReason)
	b.WriteString("## Recovery Options\n\n")
	fmt.Fprintf(&b, "- **Last Safe Snapshot:** `%s`\n", checkpoint)
	fmt.Fprintf(&b, "- **Rollback:** `%s`\n\n", rec.RollbackInstruction)
	b.WriteString("```json\n")
	b.Write(payload)
	b.WriteString("\n```\n\n---\n\n")
	b.WriteString("*Resolve the issue and clear this file (or run `captain recover --confirm`) to resume orchestration.*\n")
	return b.String(), nil
}

func jsonBlock(text string) (string, bool) {
	const open = "```json"
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
