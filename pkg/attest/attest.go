// Package attest builds and verifies tamper-evident summaries of a task's
// evidence bundle.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zen-systems/captain/pkg/evidence"
)

// Schema identifies the attestation format.
const Schema = "captain.attestation.v1"

// Attestation binds a task's claimed outcome to the hashes of its evidence.
type Attestation struct {
	Schema   string            `json:"schema"`
	Subject  Subject           `json:"subject"`
	Claim    Claim             `json:"claim"`
	Evidence Evidence          `json:"evidence"`
	Hashes   map[string]string `json:"hashes"`
}

// Subject identifies the attested task.
type Subject struct {
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
}

// Claim summarizes what the bundle says happened.
type Claim struct {
	Outcome  string      `json:"outcome"`
	Passed   bool        `json:"passed"`
	Attempts int         `json:"attempts"`
	Blocks   int         `json:"blocks"`
	Strategy string      `json:"strategy,omitempty"`
	Gates    []GateClaim `json:"gates"`
}

// GateClaim summarizes one command check of the final attempt.
type GateClaim struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
}

// Evidence lists the bundle files covered by Hashes.
type Evidence struct {
	TaskJSON string   `json:"task_json"`
	Steps    []string `json:"steps"`
	Blobs    []string `json:"blobs"`
	GateLogs []string `json:"gate_logs"`
}

type bundle struct {
	task  evidence.TaskRecord
	steps []evidence.StepRecord
	files []string
}

// Build attests the bundle in taskDir.
func Build(taskDir string) (*Attestation, error) {
	if taskDir == "" {
		return nil, fmt.Errorf("task directory is required")
	}
	b, stepFiles, err := readBundle(taskDir)
	if err != nil {
		return nil, err
	}

	blobs := collectBlobs(b.steps)
	gateLogs, err := listDir(taskDir, "gates")
	if err != nil {
		return nil, err
	}

	hashes := make(map[string]string)
	for _, group := range [][]string{{"task.json"}, stepFiles, blobs, gateLogs} {
		for _, rel := range group {
			if _, ok := hashes[rel]; ok {
				continue
			}
			sum, err := hashFile(taskDir, rel)
			if err != nil {
				return nil, err
			}
			hashes[rel] = sum
		}
	}

	return &Attestation{
		Schema: Schema,
		Subject: Subject{
			Workspace: b.task.Workspace,
			TaskID:    b.task.ID,
			Title:     b.task.Title,
		},
		Claim: claimFor(b),
		Evidence: Evidence{
			TaskJSON: "task.json",
			Steps:    stepFiles,
			Blobs:    blobs,
			GateLogs: gateLogs,
		},
		Hashes: hashes,
	}, nil
}

func readBundle(taskDir string) (bundle, []string, error) {
	var b bundle
	data, err := os.ReadFile(filepath.Join(taskDir, "task.json"))
	if err != nil {
		return b, nil, err
	}
	if err := json.Unmarshal(data, &b.task); err != nil {
		return b, nil, fmt.Errorf("parse task.json: %w", err)
	}

	stepFiles, err := listDir(taskDir, "steps")
	if err != nil {
		return b, nil, err
	}
	for _, rel := range stepFiles {
		path, err := safeJoin(taskDir, rel)
		if err != nil {
			return b, nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return b, nil, err
		}
		var step evidence.StepRecord
		if err := json.Unmarshal(data, &step); err != nil {
			return b, nil, fmt.Errorf("parse %s: %w", rel, err)
		}
		b.steps = append(b.steps, step)
	}
	return b, stepFiles, nil
}

// claimFor derives the claim from the records alone.
func claimFor(b bundle) Claim {
	c := Claim{
		Outcome: b.task.Outcome,
		Blocks:  b.task.Blocks,
		Gates:   []GateClaim{},
	}
	var last *evidence.AttemptRecord
	for i := range b.steps {
		for j := range b.steps[i].Attempts {
			c.Attempts++
			last = &b.steps[i].Attempts[j]
		}
	}
	if last != nil {
		c.Strategy = last.Strategy
		c.Passed = last.Succeeded && last.ApplyError == "" && b.task.Outcome == "completed"
		for _, g := range last.GateResults {
			c.Gates = append(c.Gates, GateClaim{Name: g.Name, Passed: g.Passed, ExitCode: g.ExitCode})
		}
	}
	sort.Slice(c.Gates, func(i, j int) bool { return c.Gates[i].Name < c.Gates[j].Name })
	return c
}

func collectBlobs(steps []evidence.StepRecord) []string {
	seen := make(map[string]struct{})
	var blobs []string
	for _, s := range steps {
		if s.OutputRef == "" {
			continue
		}
		ref := filepath.ToSlash(s.OutputRef)
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		blobs = append(blobs, ref)
	}
	sort.Strings(blobs)
	return blobs
}

func listDir(taskDir, sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(taskDir, sub))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, sub+"/"+entry.Name())
	}
	sort.Strings(out)
	return out, nil
}

func hashFile(taskDir, rel string) (string, error) {
	path, err := safeJoin(taskDir, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	normalized := filepath.FromSlash(rel)
	for _, seg := range strings.Split(normalized, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("path traversal detected")
		}
	}
	clean := filepath.Clean(normalized)
	if clean == "." {
		return "", fmt.Errorf("invalid path")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(rootAbs, clean)
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes task dir")
	}
	return target, nil
}
