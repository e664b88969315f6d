// Package health runs read-only diagnostics over a workspace before the loop
// is started. No check mutates the workspace or the recovery record.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/safety"
)

// Result is the outcome of one check.
type Result struct {
	Name        string `json:"name"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// Check is one named diagnostic.
type Check interface {
	Name() string
	Run(ctx context.Context, cfg *config.Config) Result
}

// Report is the ordered list of results.
type Report []Result

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, res := range r {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Failures returns the failed results.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Defaults returns the standard checks for cfg.
func Defaults(cfg *config.Config) []Check {
	checks := []Check{WorkspaceCheck{}, RecoveryCheck{}, ConfigCheck{}, MatrixCheck{}}
	if cfg.Snapshot == "git" {
		checks = append(checks, GitCheck{})
	}
	return checks
}

// Run executes checks in order.
func Run(ctx context.Context, cfg *config.Config, checks []Check) Report {
	report := make(Report, 0, len(checks))
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			report = append(report, Result{Name: c.Name(), Message: err.Error()})
			continue
		}
		res := c.Run(ctx, cfg)
		res.Name = c.Name()
		report = append(report, res)
	}
	return report
}

// WorkspaceCheck verifies the workspace is an existing directory.
type WorkspaceCheck struct{}

func (WorkspaceCheck) Name() string { return "Workspace" }

func (WorkspaceCheck) Run(_ context.Context, cfg *config.Config) Result {
	info, err := os.Stat(cfg.Workspace)
	if err != nil {
		return Result{Message: err.Error(), Remediation: "Pass --workspace or run from the project root."}
	}
	if !info.IsDir() {
		return Result{Message: cfg.Workspace + " is not a directory"}
	}
	return Result{Passed: true, Message: cfg.Workspace}
}

// RecoveryCheck fails while RECOVERY_QUEUE.md holds a failure record.
type RecoveryCheck struct{}

func (RecoveryCheck) Name() string { return "Recovery Queue" }

func (RecoveryCheck) Run(_ context.Context, cfg *config.Config) Result {
	queue := safety.NewRecoveryQueue(cfg.Workspace)
	rec, ok, err := queue.Read()
	if err != nil {
		return Result{
			Message:     fmt.Sprintf("unreadable recovery record: %v", err),
			Remediation: "Inspect " + queue.Path() + " and clear it once the failure is resolved.",
		}
	}
	if !ok {
		return Result{Passed: true, Message: "clear"}
	}
	return Result{
		Message:     fmt.Sprintf("RECOVERY REQUIRED: task %s failed: %s", rec.TaskID, rec.FailureReason),
		Remediation: rec.RollbackInstruction + "; then run `captain recover --confirm`.",
	}
}

// ConfigCheck validates hat bindings and the API keys they need.
type ConfigCheck struct{}

func (ConfigCheck) Name() string { return "Configuration" }

func (ConfigCheck) Run(_ context.Context, cfg *config.Config) Result {
	var problems []string
	for _, err := range cfg.ValidateHats() {
		problems = append(problems, err.Error())
	}

	names := make([]string, 0, len(cfg.Hats))
	for name := range cfg.Hats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		adapter := cfg.Hats[name].Adapter
		if adapter != "" && !cfg.HasAdapter(adapter) {
			problems = append(problems, fmt.Sprintf("hat %q: no API key for %s", name, adapter))
		}
	}

	if len(problems) > 0 {
		return Result{
			Message:     strings.Join(problems, "; "),
			Remediation: "Set the provider API key in the environment or .env, or rebind the hat in " + config.FileName + ".",
		}
	}
	source := cfg.Path
	if source == "" {
		source = "defaults"
	}
	return Result{Passed: true, Message: source}
}

// MatrixCheck loads the configured risk matrix.
type MatrixCheck struct{}

func (MatrixCheck) Name() string { return "Risk Matrix" }

func (MatrixCheck) Run(_ context.Context, cfg *config.Config) Result {
	if cfg.MatrixPath == "" {
		return Result{Passed: true, Message: "built-in matrix"}
	}
	m, err := gate.LoadMatrix(cfg.WorkspacePath(cfg.MatrixPath))
	if err != nil {
		return Result{Message: err.Error(), Remediation: "Fix the matrix file or unset `matrix` to use the built-in one."}
	}
	return Result{Passed: true, Message: fmt.Sprintf("%s (%d rules)", m.Source, len(m.Rules))}
}

// GitCheck verifies git snapshots can be taken.
type GitCheck struct{}

func (GitCheck) Name() string { return "Git Integrity" }

func (GitCheck) Run(_ context.Context, cfg *config.Config) Result {
	_, err := os.Stat(filepath.Join(cfg.Workspace, ".git"))
	switch {
	case err == nil:
		return Result{Passed: true, Message: "repository found"}
	case errors.Is(err, os.ErrNotExist):
		return Result{
			Message:     "workspace is not a git repository",
			Remediation: "Run `git init` or set `snapshot: dir` in " + config.FileName + ".",
		}
	default:
		return Result{Message: err.Error()}
	}
}
