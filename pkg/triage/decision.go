// Package triage routes a task onto the Simple or Full execution path.
package triage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode is the execution path chosen for a task.
type Mode int

const (
	// ModeFull routes through planning before strategy selection.
	ModeFull Mode = iota
	// ModeSimple skips planning and resolves the minimal verification tier.
	ModeSimple
)

func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "full"
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts "simple" or "full" in any case.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode converts a name into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "simple":
		return ModeSimple, nil
	case "full":
		return ModeFull, nil
	default:
		return ModeFull, fmt.Errorf("unknown routing mode %q", raw)
	}
}

// Decision is the routing outcome for one task.
type Decision struct {
	Mode       Mode    `json:"mode"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`

	// RawMode is the classifier output before the confidence policy.
	RawMode           Mode     `json:"raw_mode"`
	Forced            bool     `json:"forced,omitempty"`
	Matched           []string `json:"matched,omitempty"`
	UsedLLM           bool     `json:"used_llm"`
	ClassifierAdapter string   `json:"classifier_adapter,omitempty"`
	ClassifierModel   string   `json:"classifier_model,omitempty"`
}

// ApplyPolicy forces the Full path when confidence is below threshold.
// It is the only place a Decision's Mode may diverge from RawMode.
func ApplyPolicy(d Decision, threshold float64) Decision {
	d.RawMode = d.Mode
	d.Forced = false
	if d.Confidence < threshold && d.Mode != ModeFull {
		d.Mode = ModeFull
		d.Forced = true
		d.Reason = fmt.Sprintf("%s (confidence %.2f below %.2f; forced full path)", d.Reason, d.Confidence, threshold)
	}
	return d
}
