package gate

import (
	"errors"
	"testing"
)

func TestParseEvidenceText(t *testing.T) {
	payload := "tests: pass\nlint: pass\n\x1b[32mcoverage: 82%\x1b[0m\naudit: pass, integration: fail\nspecs: pass\nwarnings: 2"
	result, err := ParseEvidence(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Coverage == nil || *result.Coverage != 82 {
		t.Fatalf("unexpected coverage %v", result.Coverage)
	}
	if !result.Categories[CategoryUnit] || !result.Categories[CategoryLint] || !result.Categories[CategorySecurity] {
		t.Fatalf("unexpected categories %+v", result.Categories)
	}
	if passed, reported := result.Categories[CategoryIntegration]; !reported || passed {
		t.Fatalf("expected integration failure, got %+v", result.Categories)
	}
	if result.SpecsVerified == nil || !*result.SpecsVerified {
		t.Fatalf("expected specs verified")
	}
	if result.LintWarnings == nil || *result.LintWarnings != 2 {
		t.Fatalf("expected 2 lint warnings, got %v", result.LintWarnings)
	}
	if result.LintErrors == nil || *result.LintErrors != 0 {
		t.Fatalf("expected lint pass to imply zero lint errors")
	}
}

func TestParseEvidenceJSON(t *testing.T) {
	result, err := ParseEvidence(`{"coverage": 96.5, "categories": {"unit": true, "smoke": true}, "lint_warnings": 0}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *result.Coverage != 96.5 || !result.Categories[CategorySmoke] || *result.LintWarnings != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestParseEvidenceNone(t *testing.T) {
	if _, err := ParseEvidence("all done, looks good to me"); !errors.Is(err, ErrNoEvidence) {
		t.Fatalf("expected no evidence in free text, got %v", err)
	}
	if _, err := ParseEvidence(`{"comment": "done"}`); !errors.Is(err, ErrNoEvidence) {
		t.Fatalf("expected no evidence in an empty JSON claim, got %v", err)
	}
}

func TestParseEvidenceMalformedJSON(t *testing.T) {
	_, err := ParseEvidence(`{"coverage": 96.5, "categories": {"unit": tru`)
	if !errors.Is(err, ErrMalformedEvidence) {
		t.Fatalf("expected malformed evidence, got %v", err)
	}
}

func TestParseEvidenceFailingAliasWins(t *testing.T) {
	result, _ := ParseEvidence("tests: fail\nunit: pass")
	if result.Categories[CategoryUnit] {
		t.Fatalf("a failing alias must not be masked by a passing one")
	}
}

func TestParseGoCoverage(t *testing.T) {
	output := "ok  \tgithub.com/x/a\t0.01s\tcoverage: 80.0% of statements\nok  \tgithub.com/x/b\t0.02s\tcoverage: 90.0% of statements\n"
	got, ok := ParseGoCoverage(output)
	if !ok || got != 85 {
		t.Fatalf("expected 85, got %v (%v)", got, ok)
	}
	if _, ok := ParseGoCoverage("ok github.com/x/a 0.01s"); ok {
		t.Fatalf("expected no coverage")
	}
}
