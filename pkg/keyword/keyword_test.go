package keyword

import "testing"

func TestContains(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		trigger string
		want    bool
	}{
		{"whole word", "fix typo in readme", "typo", true},
		{"inside word", "build the guide", "ui", false},
		{"second occurrence", "guide for the ui", "ui", true},
		{"phrase", "please fix bug in parser", "fix bug", true},
		{"punctuation boundary", "update readme.md", "readme", true},
		{"prefix only", "tests are green", "test", false},
		{"empty trigger", "anything", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Contains(tt.prompt, tt.trigger); got != tt.want {
				t.Fatalf("Contains(%q, %q) = %v, want %v", tt.prompt, tt.trigger, got, tt.want)
			}
		})
	}
}

func TestMatchOrdersLongestFirst(t *testing.T) {
	got := Match("Refactor the API endpoint", []string{"api", "endpoint", "refactor", "ui"})
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %v", got)
	}
	if got[0] != "refactor" && got[0] != "endpoint" {
		t.Fatalf("expected longest trigger first, got %v", got)
	}
	if got[2] != "api" {
		t.Fatalf("expected shortest trigger last, got %v", got)
	}
}
