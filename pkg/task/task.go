// Package task defines the unit of work the orchestration loop executes.
package task

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Intent is a single unit of work submitted to the loop.
type Intent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ErrEmptyIntent is returned when an intent has neither title nor description.
var ErrEmptyIntent = errors.New("task intent has no title or description")

// New creates an intent with a fresh id.
func New(title, description string) Intent {
	return Intent{ID: uuid.NewString(), Title: strings.TrimSpace(title), Description: strings.TrimSpace(description)}
}

// Validate checks the intent is usable and assigns an id when missing.
func (i *Intent) Validate() error {
	if strings.TrimSpace(i.Title) == "" && strings.TrimSpace(i.Description) == "" {
		return ErrEmptyIntent
	}
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.Title == "" {
		i.Title = firstLine(i.Description)
	}
	return nil
}

// Text returns title and description joined, used for keyword heuristics.
func (i Intent) Text() string {
	if i.Description == "" {
		return i.Title
	}
	if i.Title == "" {
		return i.Description
	}
	return i.Title + "\n" + i.Description
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
