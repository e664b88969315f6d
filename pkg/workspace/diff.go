package workspace

import (
	"fmt"
	"strconv"
	"strings"
)

// FilePatch represents a unified diff for a single file.
type FilePatch struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Hunk represents a unified diff hunk.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

// ParseUnifiedDiff parses a unified diff into file patches.
func ParseUnifiedDiff(input string) ([]FilePatch, error) {
	lines := strings.Split(input, "\n")
	var patches []FilePatch

	for i := 0; i < len(lines); {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			i++
			continue
		}

		oldPath := parseDiffPath(line)
		i++
		if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
			return nil, fmt.Errorf("expected +++ after --- for %s", oldPath)
		}
		newPath := parseDiffPath(lines[i])
		i++

		patch := FilePatch{OldPath: oldPath, NewPath: newPath}
		for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
			hunk, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			patch.Hunks = append(patch.Hunks, hunk)
			i = next
		}

		patches = append(patches, patch)
	}

	if len(patches) == 0 {
		return nil, fmt.Errorf("no unified diff content found")
	}
	return patches, nil
}

func parseDiffPath(line string) string {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "---"), "+++"))
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	line := lines[start]
	oldStart, oldLines, newStart, newLines, err := parseHunkHeader(line)
	if err != nil {
		return Hunk{}, 0, err
	}

	hunk := Hunk{
		OldStart: oldStart,
		OldLines: oldLines,
		NewStart: newStart,
		NewLines: newLines,
	}

	// The header counts bound the body so trailing blank lines and prose
	// after the diff are not taken as context.
	oldSeen, newSeen := 0, 0
	i := start + 1
	for i < len(lines) && (oldSeen < oldLines || newSeen < newLines) {
		line := lines[i]
		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "--- ") {
			break
		}
		if strings.HasPrefix(line, "\\") {
			i++
			continue
		}
		switch {
		case strings.HasPrefix(line, "-"):
			oldSeen++
		case strings.HasPrefix(line, "+"):
			newSeen++
		default:
			oldSeen++
			newSeen++
		}
		hunk.Lines = append(hunk.Lines, line)
		i++
	}
	for i < len(lines) && strings.HasPrefix(lines[i], "\\") {
		i++
	}

	return hunk, i, nil
}

func parseHunkHeader(line string) (int, int, int, int, error) {
	if !strings.HasPrefix(line, "@@") {
		return 0, 0, 0, 0, fmt.Errorf("invalid hunk header: %s", line)
	}

	trimmed := strings.TrimSpace(strings.TrimPrefix(line, "@@"))
	trimmed = strings.TrimSuffix(trimmed, "@@")
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return 0, 0, 0, 0, fmt.Errorf("invalid hunk header: %s", line)
	}

	oldStart, oldLines, err := parseHunkRange(fields[0])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	newStart, newLines, err := parseHunkRange(fields[1])
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return oldStart, oldLines, newStart, newLines, nil
}

func parseHunkRange(value string) (int, int, error) {
	value = strings.TrimSpace(value)
	if len(value) == 0 {
		return 0, 0, fmt.Errorf("empty hunk range")
	}
	prefix := value[0]
	if prefix != '-' && prefix != '+' {
		return 0, 0, fmt.Errorf("invalid hunk range: %s", value)
	}

	body := value[1:]
	parts := strings.SplitN(body, ",", 2)
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hunk start: %s", value)
	}

	lines := 1
	if len(parts) == 2 {
		lines, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid hunk length: %s", value)
		}
	}

	return start, lines, nil
}

// hunkFuzz is how far a hunk may drift from its header line before it is
// rejected.
const hunkFuzz = 20

func applyHunks(original string, hunks []Hunk) (string, error) {
	oldLines := splitLines(original)
	trailingNewline := original == "" || strings.HasSuffix(original, "\n")
	var newLines []string

	index := 0
	for n, hunk := range hunks {
		if hunk.OldStart < 0 {
			return "", fmt.Errorf("hunk %d: invalid start", n+1)
		}

		want := hunkSource(hunk)
		target, err := locateHunk(oldLines, want, hunk.OldStart-1, index)
		if err != nil {
			return "", fmt.Errorf("hunk %d: %w", n+1, err)
		}

		newLines = append(newLines, oldLines[index:target]...)
		index = target

		for _, line := range hunk.Lines {
			if line == "" {
				// Blank context lines lose their leading space in some editors.
				newLines = append(newLines, "")
				index++
				continue
			}
			switch line[0] {
			case ' ':
				newLines = append(newLines, line[1:])
				index++
			case '-':
				index++
			case '+':
				newLines = append(newLines, line[1:])
			default:
				return "", fmt.Errorf("hunk %d: invalid line: %s", n+1, line)
			}
		}
	}

	newLines = append(newLines, oldLines[index:]...)
	out := strings.Join(newLines, "\n")
	if trailingNewline && len(newLines) > 0 {
		out += "\n"
	}
	return out, nil
}

// hunkSource returns the lines a hunk expects to find in the original.
func hunkSource(h Hunk) []string {
	var src []string
	for _, line := range h.Lines {
		switch {
		case line == "":
			src = append(src, "")
		case line[0] == ' ' || line[0] == '-':
			src = append(src, line[1:])
		}
	}
	return src
}

// locateHunk finds where want matches in lines, starting from the header hint
// and searching outward up to hunkFuzz lines, never before floor.
func locateHunk(lines, want []string, hint, floor int) (int, error) {
	if hint < floor {
		hint = floor
	}
	if hint > len(lines) {
		hint = len(lines)
	}
	for delta := 0; delta <= hunkFuzz; delta++ {
		for _, at := range []int{hint + delta, hint - delta} {
			if at < floor || at > len(lines) {
				continue
			}
			if matchesAt(lines, want, at) {
				return at, nil
			}
			if delta == 0 {
				break
			}
		}
	}
	if len(want) > 0 {
		return 0, fmt.Errorf("context mismatch near line %d: %s", hint+1, want[0])
	}
	return 0, fmt.Errorf("hunk starts beyond file length")
}

func matchesAt(lines, want []string, at int) bool {
	if at+len(want) > len(lines) {
		return false
	}
	for i, w := range want {
		if lines[at+i] != w {
			return false
		}
	}
	return true
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}
