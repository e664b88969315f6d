// Package status maintains the mission-control mirrors of the loop state:
// .captain-status.json for tools and .captain-status.md for people.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/captain/pkg/human"
)

const (
	JSONFile     = ".captain-status.json"
	MarkdownFile = ".captain-status.md"
)

// Status is a point-in-time view of the loop.
type Status struct {
	Objective  string         `json:"objective"`
	State      string         `json:"state"`
	ActiveTask TaskInfo       `json:"active_task"`
	Health     Health         `json:"health"`
	Safety     Safety         `json:"safety"`
	Pending    *human.Request `json:"pending_decision,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskInfo describes the active task.
type TaskInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Hat      string `json:"hat"`
	Mode     string `json:"mode,omitempty"`
	RiskTier string `json:"risk_tier"`
	Strategy string `json:"strategy,omitempty"`
}

// Health carries loop counters.
type Health struct {
	Iteration      int     `json:"iteration"`
	MaxIterations  int     `json:"max_iterations"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	CumulativeCost float64 `json:"cumulative_cost"`
	Blocks         int     `json:"blocks"`
}

// Safety carries checkpoint and recovery state.
type Safety struct {
	LastCheckpointID string `json:"last_checkpoint_id"`
	IsHalted         bool   `json:"is_halted"`
	RecoveryBlocked  bool   `json:"recovery_queue_blocked"`
	RecoveryReason   string `json:"recovery_reason,omitempty"`
}

// Halted reports whether the mirror should show RECOVERY REQUIRED.
func (s Status) Halted() bool {
	return s.Safety.IsHalted || s.Safety.RecoveryBlocked
}

// Writer regenerates both mirrors in a workspace.
type Writer struct {
	root string
}

// NewWriter returns a writer for the workspace at root.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write replaces both mirror files. Each file is written atomically.
func (w *Writer) Write(s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := writeAtomic(filepath.Join(w.root, JSONFile), data); err != nil {
		return fmt.Errorf("write status json: %w", err)
	}
	if err := writeAtomic(filepath.Join(w.root, MarkdownFile), []byte(Markdown(s))); err != nil {
		return fmt.Errorf("write status markdown: %w", err)
	}
	return nil
}

// Read loads the JSON mirror from a workspace.
func Read(root string) (Status, error) {
	var s Status
	data, err := os.ReadFile(filepath.Join(root, JSONFile))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", JSONFile, err)
	}
	return s, nil
}

// Markdown renders the human mirror.
func Markdown(s Status) string {
	var b strings.Builder
	b.WriteString("# 🧑‍✈️ Captain's Mission Control\n\n")
	if s.Halted() {
		b.WriteString("> 🚨 **RECOVERY REQUIRED**")
		if s.Safety.RecoveryReason != "" {
			fmt.Fprintf(&b, ": %s", s.Safety.RecoveryReason)
		}
		b.WriteString("\n> Resolve the issue and clear RECOVERY_QUEUE.md to resume.\n\n")
	}

	b.WriteString("## 🎯 Current Objective\n\n")
	b.WriteString(orDefault(s.Objective, "Idle"))
	b.WriteString("\n\n")

	b.WriteString("## 🏗️ Active Task\n\n")
	fmt.Fprintf(&b, "- **State:** %s\n", orDefault(s.State, "Idle"))
	if s.ActiveTask.ID != "" {
		fmt.Fprintf(&b, "- **ID:** %s\n", s.ActiveTask.ID)
		fmt.Fprintf(&b, "- **Title:** %s\n", s.ActiveTask.Title)
	}
	fmt.Fprintf(&b, "- **Hat:** %s\n", orDefault(s.ActiveTask.Hat, "none"))
	if s.ActiveTask.Mode != "" {
		fmt.Fprintf(&b, "- **Route:** %s\n", s.ActiveTask.Mode)
	}
	fmt.Fprintf(&b, "- **Risk Tier:** %s\n", orDefault(s.ActiveTask.RiskTier, "Unknown"))
	if s.ActiveTask.Strategy != "" {
		fmt.Fprintf(&b, "- **Strategy:** %s\n", s.ActiveTask.Strategy)
	}
	b.WriteString("\n")

	b.WriteString("## 🩺 Orchestration Health\n\n")
	fmt.Fprintf(&b, "- **Iteration:** %d / %d\n", s.Health.Iteration, s.Health.MaxIterations)
	fmt.Fprintf(&b, "- **Elapsed Time:** %ds\n", s.Health.ElapsedSeconds)
	fmt.Fprintf(&b, "- **Total Cost:** $%.4f\n", s.Health.CumulativeCost)
	fmt.Fprintf(&b, "- **Gate Blocks:** %d\n\n", s.Health.Blocks)

	b.WriteString("## 🛡️ Safety HUD\n\n")
	fmt.Fprintf(&b, "- **Last Checkpoint:** `%s`\n", orDefault(s.Safety.LastCheckpointID, "None"))
	if s.Halted() {
		b.WriteString("- **Status:** 🚨 HALTED (RECOVERY REQUIRED)\n")
	} else {
		b.WriteString("- **Status:** ✅ OK\n")
	}

	if s.Pending != nil {
		b.WriteString("\n## 🙋 Awaiting Human Decision\n\n")
		fmt.Fprintf(&b, "%s\n\n", s.Pending.Question)
		for _, opt := range s.Pending.Options {
			fmt.Fprintf(&b, "### Option %s: %s\n\n", opt.Label, opt.Description)
			for _, pro := range opt.Pros {
				fmt.Fprintf(&b, "- ✅ %s\n", pro)
			}
			for _, con := range opt.Cons {
				fmt.Fprintf(&b, "- ⚠️ %s\n", con)
			}
			fmt.Fprintf(&b, "- **Impact:** %s\n\n", opt.Impact)
		}
		fmt.Fprintf(&b, "Request ID: `%s`\n", s.Pending.ID)
	}
	return b.String()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
