package hat

import (
	"encoding/json"
	"strings"

	"github.com/zen-systems/captain/pkg/human"
)

// evidenceMarkers open the evidence section of an executor reply.
var evidenceMarkers = []string{"## evidence", "evidence:"}

// ParseQuestion extracts a proactive-options block from model output: a
// fenced ```json (or ```options) object with "question" and "options".
func ParseQuestion(output string) (*human.Request, bool) {
	for _, block := range fencedBlocks(output) {
		if block.info != "json" && block.info != "options" {
			continue
		}
		var req human.Request
		if err := json.Unmarshal([]byte(block.body), &req); err != nil {
			continue
		}
		if strings.TrimSpace(req.Question) == "" || len(req.Options) == 0 {
			continue
		}
		return &req, true
	}
	return nil, false
}

// SplitEvidence separates the change set from the trailing evidence section.
// Output without a marker is all changes.
func SplitEvidence(output string) (changes, evidence string) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.ToLower(strings.TrimSpace(lines[i]))
		for _, marker := range evidenceMarkers {
			if trimmed == marker {
				return strings.Join(lines[:i], "\n"), strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			}
			if marker == "evidence:" && strings.HasPrefix(trimmed, marker) {
				rest := strings.TrimSpace(lines[i][strings.Index(strings.ToLower(lines[i]), marker)+len(marker):])
				tail := append([]string{rest}, lines[i+1:]...)
				return strings.Join(lines[:i], "\n"), strings.TrimSpace(strings.Join(tail, "\n"))
			}
		}
	}
	return output, ""
}

type fenced struct {
	info string
	body string
}

func fencedBlocks(text string) []fenced {
	var out []fenced
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		open := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(open, "```") {
			continue
		}
		info := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(open, "```")))
		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				break
			}
			body = append(body, lines[j])
		}
		out = append(out, fenced{info: info, body: strings.Join(body, "\n")})
		i = j
	}
	return out
}
