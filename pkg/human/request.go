// Package human suspends the loop on an architectural question until an
// operator picks one of the offered options.
package human

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinOptions and MaxOptions bound the size of an option set.
const (
	MinOptions = 2
	MaxOptions = 3
)

// ErrInvalidRequest is returned for option sets that cannot be shown to a human.
var ErrInvalidRequest = errors.New("invalid interaction request")

// Option is one candidate answer with its trade-offs.
type Option struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	Impact      string   `json:"impact"`
}

// Request asks the operator to choose between options.
type Request struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Question  string    `json:"question"`
	Options   []Option  `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

// Response carries the operator's choice.
type Response struct {
	RequestID     string    `json:"request_id"`
	SelectedLabel string    `json:"selected_label"`
	RespondedAt   time.Time `json:"responded_at"`
}

// Validate checks the question and every option.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	if n := len(r.Options); n < MinOptions || n > MaxOptions {
		return fmt.Errorf("%w: %d options, want %d to %d", ErrInvalidRequest, n, MinOptions, MaxOptions)
	}
	seen := make(map[string]struct{}, len(r.Options))
	for i, opt := range r.Options {
		label := normalizeLabel(opt.Label)
		if label == "" {
			return fmt.Errorf("%w: option %d has no label", ErrInvalidRequest, i+1)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("%w: duplicate option %s", ErrInvalidRequest, opt.Label)
		}
		seen[label] = struct{}{}

		var missing []string
		if strings.TrimSpace(opt.Description) == "" {
			missing = append(missing, "description")
		}
		if len(opt.Pros) == 0 {
			missing = append(missing, "pros")
		}
		if len(opt.Cons) == 0 {
			missing = append(missing, "cons")
		}
		if strings.TrimSpace(opt.Impact) == "" {
			missing = append(missing, "impact")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: option %s missing %s", ErrInvalidRequest, opt.Label, strings.Join(missing, ", "))
		}
	}
	return nil
}

// Option returns the option matching label, ignoring case and surrounding
// punctuation such as "b)" or "Option B".
func (r Request) Option(label string) (Option, bool) {
	want := normalizeLabel(label)
	if want == "" {
		return Option{}, false
	}
	for _, opt := range r.Options {
		if normalizeLabel(opt.Label) == want {
			return opt, true
		}
	}
	return Option{}, false
}

// Labels returns the option labels in order.
func (r Request) Labels() []string {
	out := make([]string, 0, len(r.Options))
	for _, opt := range r.Options {
		out = append(out, opt.Label)
	}
	return out
}

func normalizeLabel(label string) string {
	label = strings.TrimSpace(strings.ToUpper(label))
	label = strings.TrimPrefix(label, "OPTION ")
	return strings.Trim(label, " .):(")
}

// Instruction is the directive prepended to the next step after a decision.
// The chosen option is binding for the rest of the task.
func Instruction(label string) string {
	return fmt.Sprintf("\n\n### 🚨 SOVEREIGN COMMAND\n[HUMAN DECISION: Use Option %s]\n"+
		"You MUST strictly adhere to this choice. Do not attempt to re-triage or suggest alternatives.\n\n", label)
}
