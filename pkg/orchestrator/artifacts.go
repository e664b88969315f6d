package orchestrator

import (
	"path/filepath"
	"strings"

	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/status"
)

// Artifacts returns the workspace-relative paths the loop writes itself:
// the recovery record, the status mirrors, the forensic log and its sqlite
// mirror, and the state directory. Rollbacks and hat output must leave them
// alone.
func Artifacts(cfg *config.Config) []string {
	paths := []string{safety.RecoveryFileName, status.JSONFile, status.MarkdownFile}
	add := func(p string) {
		if rel, ok := workspaceRel(cfg.Workspace, p); ok {
			paths = append(paths, rel)
		}
	}
	add(cfg.Audit.LogPath)
	if db := cfg.Audit.SQLitePath; db != "" {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			add(db + suffix)
		}
	}
	add(cfg.StateDir)
	return paths
}

func workspaceRel(root, p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", false
		}
		p = rel
	}
	p = filepath.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
