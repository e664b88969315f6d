package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileModeDefault = 0644

var (
	// ErrProtectedPath is returned when output targets a path the agent must
	// not modify.
	ErrProtectedPath = errors.New("protected path")
	// ErrNoChanges is returned when output holds neither a unified diff nor
	// file blocks.
	ErrNoChanges = errors.New("no unified diff or file blocks found")
)

// ApplyResult describes changes made to the workspace.
type ApplyResult struct {
	AppliedFiles    []string `json:"applied_files"`
	DeletedFiles    []string `json:"deleted_files,omitempty"`
	UsedUnifiedDiff bool     `json:"used_unified_diff"`
}

// Files returns every touched path, sorted.
func (r *ApplyResult) Files() []string {
	if r == nil {
		return nil
	}
	out := append(append([]string{}, r.AppliedFiles...), r.DeletedFiles...)
	sort.Strings(out)
	return out
}

// Applier writes model output into a workspace. Paths matching a protected
// entry (exact file or directory prefix) are rejected before anything is
// written.
type Applier struct {
	root      string
	protected []string
}

// NewApplier returns an applier rooted at the workspace.
func NewApplier(root string, protected ...string) *Applier {
	cleaned := make([]string, 0, len(protected))
	for _, p := range protected {
		p = filepath.Clean(strings.TrimSpace(p))
		if p == "" || p == "." {
			continue
		}
		cleaned = append(cleaned, p)
	}
	return &Applier{root: root, protected: cleaned}
}

// Root returns the workspace root.
func (a *Applier) Root() string {
	return a.root
}

// Apply applies either a unified diff or file-block output. The whole change
// set is planned first so a bad hunk or protected path leaves the tree
// untouched.
func (a *Applier) Apply(output string) (*ApplyResult, error) {
	patches, diffErr := ParseUnifiedDiff(output)
	if diffErr == nil {
		plans := make([]fileOp, 0, len(patches))
		for _, patch := range patches {
			plan, err := a.planPatch(patch)
			if err != nil {
				return nil, err
			}
			plans = append(plans, plan)
		}
		return a.commit(plans, true)
	}

	files := ParseFileBlocks(output)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoChanges, diffErr)
	}

	names := make([]string, 0, len(files))
	for rel := range files {
		names = append(names, rel)
	}
	sort.Strings(names)

	plans := make([]fileOp, 0, len(files))
	for _, rel := range names {
		path, err := a.resolve(rel)
		if err != nil {
			return nil, err
		}
		plans = append(plans, fileOp{
			path:     path,
			relative: rel,
			content:  files[rel],
			mode:     existingMode(path),
		})
	}
	return a.commit(plans, false)
}

// ApplyOutput applies output to the workspace with no protected paths.
func ApplyOutput(workspacePath, output string) (*ApplyResult, error) {
	return NewApplier(workspacePath).Apply(output)
}

type fileOp struct {
	path     string
	relative string
	content  string
	mode     os.FileMode
	delete   bool
}

func (a *Applier) commit(plans []fileOp, unified bool) (*ApplyResult, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("no changes to apply")
	}

	result := &ApplyResult{UsedUnifiedDiff: unified}
	for _, plan := range plans {
		if plan.delete {
			if err := os.Remove(plan.path); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
			result.DeletedFiles = append(result.DeletedFiles, plan.relative)
			continue
		}
		if err := writeAtomic(plan.path, []byte(plan.content), plan.mode); err != nil {
			return nil, err
		}
		result.AppliedFiles = append(result.AppliedFiles, plan.relative)
	}
	return result, nil
}

func (a *Applier) planPatch(patch FilePatch) (fileOp, error) {
	oldPath := normalizeDiffPath(patch.OldPath)
	newPath := normalizeDiffPath(patch.NewPath)

	if newPath == "/dev/null" {
		if oldPath == "/dev/null" {
			return fileOp{}, fmt.Errorf("invalid patch with both paths /dev/null")
		}
		path, err := a.resolve(oldPath)
		if err != nil {
			return fileOp{}, err
		}
		return fileOp{path: path, relative: oldPath, delete: true}, nil
	}

	path, err := a.resolve(newPath)
	if err != nil {
		return fileOp{}, err
	}

	var original string
	if oldPath != "/dev/null" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fileOp{}, err
		}
		original = string(data)
	}

	updated, err := applyHunks(original, patch.Hunks)
	if err != nil {
		return fileOp{}, fmt.Errorf("apply patch %s: %w", newPath, err)
	}

	return fileOp{
		path:     path,
		relative: newPath,
		content:  updated,
		mode:     existingMode(path),
	}, nil
}

func (a *Applier) resolve(rel string) (string, error) {
	path, err := safeJoin(a.root, rel)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(rel)
	for _, p := range a.protected {
		if cleaned == p || strings.HasPrefix(cleaned, p+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrProtectedPath, rel)
		}
	}
	return path, nil
}

func existingMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return fileModeDefault
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func normalizeDiffPath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: %s", rel)
	}

	joined := filepath.Join(root, cleaned)
	relCheck, err := filepath.Rel(root, joined)
	if err != nil || strings.HasPrefix(relCheck, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return joined, nil
}

// ParseFileBlocks extracts files from content marked with file headers.
// Surrounding markdown fences are dropped and each file ends with a newline.
func ParseFileBlocks(content string) map[string]string {
	files := make(map[string]string)
	lines := strings.Split(content, "\n")

	var currentFile string
	var body []string

	flush := func() {
		if currentFile == "" {
			return
		}
		files[currentFile] = finishBlock(body)
	}

	for _, line := range lines {
		if path := extractFilePath(line); path != "" {
			flush()
			currentFile = path
			body = body[:0]
			continue
		}
		if currentFile != "" {
			body = append(body, line)
		}
	}
	flush()

	return files
}

func finishBlock(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start < end && strings.HasPrefix(strings.TrimSpace(lines[start]), "```") {
		start++
	}
	if end > start && strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n") + "\n"
}

func extractFilePath(line string) string {
	line = strings.TrimSpace(line)
	prefixes := []string{
		"// file:",
		"// File:",
		"# file:",
		"# File:",
		"/* file:",
		"<!-- file:",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(line, prefix) {
			path := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			path = strings.TrimSuffix(path, "*/")
			path = strings.TrimSuffix(path, "-->")
			return strings.TrimSpace(path)
		}
	}
	return ""
}
