package gate

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CommandTemplate defines an allowed command template.
type CommandTemplate struct {
	Exec string
	Args []string
}

var capabilityTemplates = map[string][]CommandTemplate{
	"go_test": {
		{Exec: "go", Args: []string{"test", "{pkg}"}},
		{Exec: "go", Args: []string{"test", "-cover", "{pkg}"}},
		{Exec: "go", Args: []string{"test", "-race", "{pkg}"}},
		{Exec: "go", Args: []string{"test", "-tags=integration", "{pkg}"}},
	},
	"go_build": {
		{Exec: "go", Args: []string{"build", "{pkg}"}},
	},
	"go_vet": {
		{Exec: "go", Args: []string{"vet", "{pkg}"}},
	},
	"golangci_lint": {
		{Exec: "golangci-lint", Args: []string{"run", "{pkg}"}},
	},
	"govulncheck": {
		{Exec: "govulncheck", Args: []string{"{pkg}"}},
	},
	"gofmt": {
		{Exec: "gofmt", Args: []string{"-l", "."}},
		{Exec: "gofmt", Args: []string{"-l", "{path}"}},
	},
}

// categoryCapabilities lists the capabilities a verification category may use.
var categoryCapabilities = map[string][]string{
	CategoryUnit:        {"go_test"},
	CategoryIntegration: {"go_test"},
	CategoryLint:        {"go_vet", "golangci_lint", "gofmt"},
	CategorySecurity:    {"govulncheck"},
	CategorySmoke:       {"go_build", "go_test", "go_vet"},
	"specs":             {"go_test"},
}

// CheckCategoryCommand reports whether command is an allowed template for the
// verification category.
func CheckCategoryCommand(category string, command []string, workspaceRoot string) (bool, string) {
	caps, ok := categoryCapabilities[category]
	if !ok {
		return false, fmt.Sprintf("no command capabilities for category %q", category)
	}
	var templates []CommandTemplate
	for _, capability := range caps {
		templates = append(templates, capabilityTemplates[capability]...)
	}
	return matchTemplates(command, templates, workspaceRoot, "")
}

var allowedPkgArgs = map[string]struct{}{
	"./...":     {},
	"./pkg/...": {},
	"./cmd/...": {},
}

func templatesForCapability(name string) ([]CommandTemplate, bool) {
	templates, ok := capabilityTemplates[name]
	if !ok {
		return nil, false
	}
	return templates, true
}

// TemplatesForCapability returns templates for a capability name.
func TemplatesForCapability(name string) ([]CommandTemplate, bool) {
	return templatesForCapability(name)
}

func matchTemplates(command []string, templates []CommandTemplate, workspaceRoot, workdir string) (bool, string) {
	if len(templates) == 0 {
		return true, ""
	}
	var lastReason string
	for _, tmpl := range templates {
		if tmpl.Exec == "" {
			continue
		}
		if len(command) == 0 || command[0] != tmpl.Exec {
			continue
		}
		if len(command)-1 != len(tmpl.Args) {
			continue
		}
		matched := true
		for i, arg := range tmpl.Args {
			value := command[i+1]
			switch arg {
			case "{path}":
				ok, reason := isWorkspaceConfined(workdir, workspaceRoot, value)
				if !ok {
					matched = false
					lastReason = reason
				}
			case "{pkg}":
				if _, ok := allowedPkgArgs[value]; !ok {
					matched = false
					lastReason = "package argument not allowed"
				}
			default:
				if value != arg {
					matched = false
				}
			}
			if !matched {
				break
			}
		}
		if matched {
			return true, ""
		}
	}
	if lastReason != "" {
		return false, lastReason
	}
	return false, "command does not match any allowed template"
}

// isWorkspaceConfined validates that arg stays within workspace.
func isWorkspaceConfined(workdir, workspace, arg string) (bool, string) {
	if workspace == "" {
		return false, "workspace root not set"
	}
	if filepath.IsAbs(arg) {
		return false, "absolute paths are not allowed"
	}
	cleanArg := filepath.Clean(arg)
	if cleanArg == "." {
		return false, "invalid path"
	}
	for _, seg := range strings.Split(cleanArg, string(filepath.Separator)) {
		if seg == ".." {
			return false, "path traversal detected"
		}
	}

	base := workspace
	if workdir != "" {
		baseCandidate := workdir
		if !filepath.IsAbs(baseCandidate) {
			baseCandidate = filepath.Join(workspace, baseCandidate)
		}
		if ok, reason := confinedUnderWorkspace(workspace, baseCandidate); !ok {
			return false, fmt.Sprintf("workdir not confined: %s", reason)
		}
		base = baseCandidate
	}

	candidate := filepath.Clean(filepath.Join(base, cleanArg))
	if ok, reason := confinedUnderWorkspace(workspace, candidate); !ok {
		return false, fmt.Sprintf("path not confined: %s", reason)
	}
	return true, ""
}

func confinedUnderWorkspace(workspace, candidate string) (bool, string) {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return false, "invalid workspace"
	}
	cand, err := filepath.Abs(candidate)
	if err != nil {
		return false, "invalid path"
	}
	if cand == root {
		return true, ""
	}
	if strings.HasPrefix(cand, root+string(filepath.Separator)) {
		return true, ""
	}
	return false, "path escapes workspace"
}
