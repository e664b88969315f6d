// Package keyword matches whole-word triggers in free text.
package keyword

import (
	"sort"
	"strings"
)

// Match returns the triggers found in text as whole words or phrases,
// longest first. Matching is case-insensitive.
func Match(text string, triggers []string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, trig := range triggers {
		trigger := strings.ToLower(strings.TrimSpace(trig))
		if trigger == "" {
			continue
		}
		if Contains(lower, trigger) {
			matched = append(matched, trig)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return len(matched[i]) > len(matched[j])
	})
	return matched
}

// Any reports whether any trigger occurs in text.
func Any(text string, triggers []string) bool {
	return len(Match(text, triggers)) > 0
}

// Contains checks if the lowercased prompt contains trigger bounded by
// non-word characters, at any occurrence.
func Contains(prompt, trigger string) bool {
	if trigger == "" {
		return false
	}
	start := 0
	for start <= len(prompt) {
		idx := strings.Index(prompt[start:], trigger)
		if idx == -1 {
			return false
		}
		idx += start
		endIdx := idx + len(trigger)
		before := idx == 0 || !isWordChar(prompt[idx-1])
		after := endIdx >= len(prompt) || !isWordChar(prompt[endIdx])
		if before && after {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
