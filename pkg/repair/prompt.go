// Package repair builds the structured rejection fed back to a role after the
// verification gate blocks its output.
package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/captain/pkg/gate"
)

// maxEchoBytes bounds how much of the previous output is quoted back.
const maxEchoBytes = 4000

// Rejection creates a prompt listing every failed criterion of the active
// strategy along with hints from command gates.
func Rejection(previous string, strategy gate.Strategy, verdict gate.Verdict, results []*gate.GateResult) string {
	var sb strings.Builder

	sb.WriteString("BUILD BLOCKED: the previous attempt failed verification.\n\n")
	fmt.Fprintf(&sb, "Active strategy: %s\n\n", strategy.Summary())

	sb.WriteString("Failed criteria:\n")
	for _, v := range gate.VerdictViolations(verdict) {
		fmt.Fprintf(&sb, "- [%s] %s\n", v.Severity, v.Message)
	}

	if details := failedCommands(results); len(details) > 0 {
		sb.WriteString("\nCommand output:\n")
		for _, d := range details {
			sb.WriteString(d)
		}
	}

	if hints := repairHints(results); len(hints) > 0 {
		sb.WriteString("\nRepair hints:\n")
		for _, hint := range hints {
			fmt.Fprintf(&sb, "- %s\n", hint)
		}
	}

	if previous != "" {
		sb.WriteString("\nPrevious output:\n---\n")
		sb.WriteString(clip(previous))
		sb.WriteString("\n---\n")
	}

	sb.WriteString("\nFix every failed criterion. The strategy will not be relaxed.\n")
	return sb.String()
}

// Escalation creates a stronger prompt when an attempt repeats the previous
// output verbatim.
func Escalation(previous string, verdict gate.Verdict, requireDiff bool) string {
	var sb strings.Builder

	sb.WriteString("The previous outputs are repeating and failed verification.\n")
	sb.WriteString("Do NOT repeat the previous output; change the implementation.\n\n")

	sb.WriteString("Failed criteria:\n")
	for _, reason := range verdict.Reasons {
		fmt.Fprintf(&sb, "- %s\n", reason)
	}

	if requireDiff {
		sb.WriteString("\nReturn a unified diff only.\n")
	}

	sb.WriteString("\nPrevious output:\n---\n")
	sb.WriteString(clip(previous))
	sb.WriteString("\n---\n")
	sb.WriteString("\nProvide a corrected implementation that addresses the issues above.\n")

	return sb.String()
}

func failedCommands(results []*gate.GateResult) []string {
	var out []string
	for _, res := range results {
		if res == nil || res.Passed || res.Diagnostics == nil {
			continue
		}
		d := res.Diagnostics
		body := strings.TrimSpace(d.Stderr)
		if body == "" {
			body = strings.TrimSpace(d.Stdout)
		}
		out = append(out, fmt.Sprintf("- %s (`%s`, exit %d):\n%s\n", res.Gate, strings.Join(d.Command, " "), d.ExitCode, indent(clip(body))))
	}
	return out
}

func repairHints(results []*gate.GateResult) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, hint := range res.RepairHints {
			if _, ok := seen[hint]; ok {
				continue
			}
			seen[hint] = struct{}{}
			out = append(out, hint)
		}
	}
	return out
}

func clip(s string) string {
	if len(s) <= maxEchoBytes {
		return s
	}
	return s[:maxEchoBytes] + "\n... (truncated)"
}

func indent(s string) string {
	if s == "" {
		return "    (no output)"
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}
