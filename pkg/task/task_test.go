package task

import (
	"errors"
	"testing"
)

func TestValidateRejectsEmpty(t *testing.T) {
	in := Intent{}
	if err := in.Validate(); !errors.Is(err, ErrEmptyIntent) {
		t.Fatalf("expected ErrEmptyIntent, got %v", err)
	}
}

func TestValidateFillsIDAndTitle(t *testing.T) {
	in := Intent{Description: "Fix typo in README\nmore detail"}
	if err := in.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if in.ID == "" {
		t.Fatalf("expected id to be assigned")
	}
	if in.Title != "Fix typo in README" {
		t.Fatalf("unexpected title %q", in.Title)
	}
}

func TestText(t *testing.T) {
	in := New("Add login", "Implement OAuth")
	if got := in.Text(); got != "Add login\nImplement OAuth" {
		t.Fatalf("unexpected text %q", got)
	}
}
