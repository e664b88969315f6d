package safety

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zen-systems/captain/pkg/workspace"
)

// RecoveryFileName is the recovery artifact at the workspace root.
const RecoveryFileName = "RECOVERY_QUEUE.md"

// Snapshotter captures and restores workspace state.
type Snapshotter interface {
	Name() string
	Snapshot(ctx context.Context, label string) (string, error)
	Restore(ctx context.Context, id string) error
	RollbackInstruction(id string) string
}

// NewSnapshotter returns the snapshotter for mode ("git" or "dir"). The
// recovery file, the state directory and every keep path are left out of
// snapshots and survive a restore untouched.
func NewSnapshotter(mode, workspacePath, stateDir string, keep ...string) (Snapshotter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "git":
		return NewGitSnapshotter(workspacePath, stateDir, keep...), nil
	case "dir":
		return NewDirSnapshotter(workspacePath, stateDir, keep...), nil
	default:
		return nil, fmt.Errorf("unknown snapshot mode: %q", mode)
	}
}

// GitSnapshotter commits the working tree and uses the commit as checkpoint.
// When there is nothing to commit the current HEAD is the checkpoint.
type GitSnapshotter struct {
	root     string
	excludes []string
	run      func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewGitSnapshotter snapshots the repository at root. The state directory,
// the recovery file and keep paths are never committed.
func NewGitSnapshotter(root, stateDir string, keep ...string) *GitSnapshotter {
	var excludes []string
	for _, rel := range keptPaths(root, stateDir, keep) {
		excludes = append(excludes, filepath.ToSlash(rel))
	}
	return &GitSnapshotter{root: root, excludes: excludes, run: runGit}
}

// keptPaths returns the workspace-relative paths snapshots must not touch.
// Paths outside root are dropped.
func keptPaths(root, stateDir string, keep []string) []string {
	paths := []string{RecoveryFileName}
	for _, p := range append([]string{stateDir}, keep...) {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				continue
			}
			p = rel
		}
		p = filepath.Clean(p)
		if p == "." || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
			continue
		}
		paths = append(paths, p)
	}
	return paths
}

func (g *GitSnapshotter) Name() string { return "git" }

func (g *GitSnapshotter) Snapshot(ctx context.Context, label string) (string, error) {
	if _, err := g.run(ctx, g.root, "rev-parse", "--is-inside-work-tree"); err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}

	args := []string{"add", "-A", "--", "."}
	for _, ex := range g.excludes {
		args = append(args, ":(exclude)"+ex)
	}
	if _, err := g.run(ctx, g.root, args...); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	status, err := g.run(ctx, g.root, "diff", "--cached", "--name-only")
	if err != nil {
		return "", fmt.Errorf("inspect staged changes: %w", err)
	}
	hasHead := true
	if _, err := g.run(ctx, g.root, "rev-parse", "--verify", "HEAD"); err != nil {
		hasHead = false
	}
	if strings.TrimSpace(status) != "" || !hasHead {
		msg := "captain: checkpoint " + label
		if _, err := g.run(ctx, g.root, "-c", "user.name=captain", "-c", "user.email=captain@localhost",
			"commit", "--allow-empty", "--no-verify", "-q", "-m", msg); err != nil {
			return "", fmt.Errorf("commit checkpoint: %w", err)
		}
	}

	sha, err := g.run(ctx, g.root, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

// Restore resets the tree to id. Excluded files that an older commit still
// tracks are put back as they were before the reset.
func (g *GitSnapshotter) Restore(ctx context.Context, id string) error {
	saved, err := g.saveExcluded()
	if err != nil {
		return err
	}
	if _, err := g.run(ctx, g.root, "reset", "--hard", "-q", id); err != nil {
		return fmt.Errorf("reset to %s: %w", id, err)
	}
	for _, f := range saved {
		if err := f.put(); err != nil {
			return fmt.Errorf("preserve %s: %w", f.path, err)
		}
	}
	return nil
}

type savedFile struct {
	path    string
	data    []byte
	mode    os.FileMode
	existed bool
}

func (g *GitSnapshotter) saveExcluded() ([]savedFile, error) {
	var saved []savedFile
	for _, ex := range g.excludes {
		path := filepath.Join(g.root, filepath.FromSlash(ex))
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			saved = append(saved, savedFile{path: path})
			continue
		case err != nil:
			return nil, err
		case info.IsDir():
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		saved = append(saved, savedFile{path: path, data: data, mode: info.Mode().Perm(), existed: true})
	}
	return saved, nil
}

func (f savedFile) put() error {
	if !f.existed {
		return os.RemoveAll(f.path)
	}
	return os.WriteFile(f.path, f.data, f.mode)
}

func (g *GitSnapshotter) RollbackInstruction(id string) string {
	if id == "" {
		return "No snapshot available for automated rollback."
	}
	return "git reset --hard " + id
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.String(), nil
}

// DirSnapshotter copies the workspace tree into <stateDir>/checkpoints/<id>.
type DirSnapshotter struct {
	root string
	dir  string
	skip workspace.SkipFunc
}

// NewDirSnapshotter snapshots root into stateDir, leaving out .git, the
// recovery file, the state directory and keep paths.
func NewDirSnapshotter(root, stateDir string, keep ...string) *DirSnapshotter {
	skip := append([]string{".git"}, keptPaths(root, stateDir, keep)...)
	return &DirSnapshotter{
		root: root,
		dir:  filepath.Join(stateDir, "checkpoints"),
		skip: workspace.SkipPaths(skip...),
	}
}

func (d *DirSnapshotter) Name() string { return "dir" }

func (d *DirSnapshotter) Snapshot(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dest := filepath.Join(d.dir, id)
	if err := workspace.CopyTree(d.root, dest, d.skip); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("copy workspace: %w", err)
	}
	return id, nil
}

func (d *DirSnapshotter) Restore(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid checkpoint id %q", id)
	}
	src := filepath.Join(d.dir, id)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return workspace.SyncTree(src, d.root, d.skip)
}

func (d *DirSnapshotter) RollbackInstruction(id string) string {
	if id == "" {
		return "No snapshot available for automated rollback."
	}
	return "captain recover --restore " + id
}
