package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	percentPattern  = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*%`)
	numberPattern   = regexp.MustCompile(`-?[0-9]+`)
	goCoverPattern  = regexp.MustCompile(`coverage: ([0-9]+(?:\.[0-9]+)?)% of statements`)
	evidenceAliases = map[string]string{
		"tests":     CategoryUnit,
		"test":      CategoryUnit,
		"unit":      CategoryUnit,
		"typecheck": CategoryLint,
		"audit":     CategorySecurity,
		"security":  CategorySecurity,
		"vuln":      CategorySecurity,
	}
)

var (
	// ErrNoEvidence marks a payload without a single recognizable check.
	ErrNoEvidence = errors.New("no recognizable evidence")
	// ErrMalformedEvidence marks a JSON payload that does not decode.
	ErrMalformedEvidence = errors.New("malformed evidence")
)

// ParseEvidence reads a build.done payload. JSON objects decode directly into
// an AttemptResult; anything else is parsed as "key: value" lines such as
// "tests: pass", "coverage: 82%" or "warnings: 0". It returns ErrNoEvidence
// when nothing is recognized and ErrMalformedEvidence for broken JSON.
func ParseEvidence(payload string) (AttemptResult, error) {
	clean := strings.TrimSpace(ansiPattern.ReplaceAllString(payload, ""))
	if strings.HasPrefix(clean, "{") {
		var result AttemptResult
		if err := json.Unmarshal([]byte(clean), &result); err != nil {
			return AttemptResult{}, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
		}
		if !hasEvidence(result) {
			return result, ErrNoEvidence
		}
		return result, nil
	}

	result := AttemptResult{Categories: map[string]bool{}}
	lintPassed := false
	for _, segment := range strings.FieldsFunc(clean, func(r rune) bool { return r == '\n' || r == ',' || r == ';' }) {
		key, value, ok := strings.Cut(strings.TrimSpace(segment), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(strings.TrimLeft(key, "-* ")))
		value = strings.ToLower(strings.TrimSpace(value))

		switch key {
		case "coverage":
			if pct, ok := parsePercent(value); ok {
				result.Coverage = &pct
			}
		case "warnings", "lint_warnings", "lint warnings":
			if n, ok := parseCount(value); ok {
				result.LintWarnings = &n
			}
		case "errors", "lint_errors", "lint errors":
			if n, ok := parseCount(value); ok {
				result.LintErrors = &n
			}
		case "specs", "specs_verified":
			if passed, ok := parseStatus(value); ok {
				result.SpecsVerified = &passed
			}
		default:
			passed, ok := parseStatus(value)
			if !ok {
				continue
			}
			category := key
			if alias, found := evidenceAliases[key]; found {
				category = alias
			}
			// A failing alias must not be masked by a passing sibling.
			if prev, seen := result.Categories[category]; seen {
				passed = passed && prev
			}
			result.Categories[category] = passed
			if category == CategoryLint && passed {
				lintPassed = true
			}
		}
	}

	if lintPassed && result.LintErrors == nil && result.Categories[CategoryLint] {
		zero := 0
		result.LintErrors = &zero
	}
	if len(result.Categories) == 0 {
		result.Categories = nil
	}
	if !hasEvidence(result) {
		return result, ErrNoEvidence
	}
	return result, nil
}

// ParseGoCoverage averages the per-package "coverage: N% of statements"
// lines printed by go test -cover.
func ParseGoCoverage(output string) (float64, bool) {
	matches := goCoverPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total float64
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		total += v
	}
	return total / float64(len(matches)), true
}

func hasEvidence(r AttemptResult) bool {
	return r.Coverage != nil || len(r.Categories) > 0 || r.LintWarnings != nil || r.LintErrors != nil || r.SpecsVerified != nil
}

func parseStatus(value string) (bool, bool) {
	word := value
	if idx := strings.IndexAny(word, " ("); idx >= 0 {
		word = word[:idx]
	}
	switch word {
	case "pass", "passed", "ok", "true", "green", "yes":
		return true, true
	case "fail", "failed", "false", "red", "no", "error":
		return false, true
	default:
		return false, false
	}
}

func parsePercent(value string) (float64, bool) {
	if m := percentPattern.FindStringSubmatch(value); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseCount(value string) (int, bool) {
	m := numberPattern.FindString(value)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	return n, err == nil
}
