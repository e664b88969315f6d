package triage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/task"
)

type countingAdapter struct {
	calls    int
	response string
}

func (a *countingAdapter) Generate(_ context.Context, model string, _ string) (*adapter.Response, error) {
	a.calls++
	return &adapter.Response{Content: a.response, Adapter: "counting", Model: model}, nil
}

func (a *countingAdapter) Name() string { return "counting" }

func (a *countingAdapter) Models() []string { return []string{"mock-1"} }

func classifierConfig() config.TriageConfig {
	cfg := config.DefaultTriageConfig()
	cfg.ClassifierAdapter = "counting"
	cfg.ClassifierModel = "mock-1"
	return cfg
}

func TestHeuristicSimpleTypo(t *testing.T) {
	decision := HeuristicDecision("fix typo in README", config.DefaultTriageConfig())
	if decision.Mode != ModeSimple {
		t.Fatalf("expected simple, got %s", decision.Mode)
	}
	if decision.Confidence != 0.95 {
		t.Fatalf("expected 0.95, got %.2f", decision.Confidence)
	}
}

func TestHeuristicFullFeature(t *testing.T) {
	decision := HeuristicDecision("Implement a new authentication system using OAuth2 and JWT tokens with refresh cycles.", config.DefaultTriageConfig())
	if decision.Mode != ModeFull || decision.Confidence != 0.85 {
		t.Fatalf("expected full at 0.85, got %+v", decision)
	}
}

func TestHeuristicWordBoundaries(t *testing.T) {
	// "guide" and "build" must not match the "ui" trigger.
	decision := HeuristicDecision("update the style guide for the build", config.DefaultTriageConfig())
	for _, m := range decision.Matched {
		if m == "ui" {
			t.Fatalf("ui matched inside another word: %+v", decision)
		}
	}
}

func TestHeuristicAmbiguousDefaultsFull(t *testing.T) {
	decision := HeuristicDecision("please take another look at the thing we talked about on friday", config.DefaultTriageConfig())
	if decision.Mode != ModeFull || decision.Confidence != 0.6 {
		t.Fatalf("expected ambiguous full at 0.6, got %+v", decision)
	}
}

func TestApplyPolicyForcesFull(t *testing.T) {
	for _, confidence := range []float64{0, 0.4, 0.79} {
		for _, mode := range []Mode{ModeSimple, ModeFull} {
			got := ApplyPolicy(Decision{Mode: mode, Confidence: confidence, Reason: "raw"}, 0.8)
			if got.Mode != ModeFull {
				t.Fatalf("confidence %.2f mode %s: expected full, got %s", confidence, mode, got.Mode)
			}
			if got.RawMode != mode {
				t.Fatalf("expected raw mode preserved")
			}
		}
	}
	kept := ApplyPolicy(Decision{Mode: ModeSimple, Confidence: 0.8}, 0.8)
	if kept.Mode != ModeSimple || kept.Forced {
		t.Fatalf("confidence at threshold should keep simple, got %+v", kept)
	}
}

func TestClassifyAddNewFeatureLowConfidenceForcedFull(t *testing.T) {
	impl := &countingAdapter{response: "```json\n{\"mode\":\"simple\",\"confidence\":0.4,\"reason\":\"looks small\"}\n```"}
	cfg := classifierConfig()
	cfg.TieBreakerThreshold = 0.9
	classifier := NewClassifier(adapter.Registry{"counting": impl}, cfg, nil)

	decision := classifier.Classify(context.Background(), task.New("add new feature", ""))
	if impl.calls != 1 {
		t.Fatalf("expected tie-breaker to be consulted once, got %d", impl.calls)
	}
	if !decision.UsedLLM || decision.Confidence != 0.4 {
		t.Fatalf("expected classifier confidence, got %+v", decision)
	}
	if decision.RawMode != ModeSimple || decision.Mode != ModeFull || !decision.Forced {
		t.Fatalf("expected forced full path, got %+v", decision)
	}
}

func TestTieBreakerGating(t *testing.T) {
	impl := &countingAdapter{response: "{}"}
	classifier := NewClassifier(adapter.Registry{"counting": impl}, classifierConfig(), nil)

	decision := classifier.Classify(context.Background(), task.New("fix typo in README", ""))
	if decision.UsedLLM || impl.calls != 0 {
		t.Fatalf("confident heuristic should not consult the classifier")
	}

	cfg := classifierConfig()
	cfg.ClassifierAdapter = "missing"
	classifier = NewClassifier(adapter.Registry{}, cfg, nil)
	decision = classifier.Classify(context.Background(), task.New("please take another look at the thing we talked about on friday", ""))
	if decision.UsedLLM {
		t.Fatalf("expected no LLM when classifier missing")
	}
	if decision.Mode != ModeFull {
		t.Fatalf("expected full, got %s", decision.Mode)
	}
}

func TestTieBreakerInvalidResponseKeepsHeuristic(t *testing.T) {
	impl := &countingAdapter{response: "not json"}
	classifier := NewClassifier(adapter.Registry{"counting": impl}, classifierConfig(), nil)

	decision := classifier.Classify(context.Background(), task.New("please take another look at the thing we talked about on friday", ""))
	if impl.calls != 1 {
		t.Fatalf("expected one classifier call, got %d", impl.calls)
	}
	if decision.UsedLLM || decision.Confidence != 0.6 {
		t.Fatalf("expected heuristic decision, got %+v", decision)
	}
}

func TestDecisionJSON(t *testing.T) {
	data, err := json.Marshal(Decision{Mode: ModeSimple, RawMode: ModeSimple, Confidence: 0.9})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Decision
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Mode != ModeSimple {
		t.Fatalf("expected simple, got %s", back.Mode)
	}
}
