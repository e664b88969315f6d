package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/keyword"
	"github.com/zen-systems/captain/pkg/task"
)

// Classifier decides the routing mode for task intents.
type Classifier struct {
	adapters adapter.Registry
	config   config.TriageConfig
	retry    adapter.RetryPolicy
	logger   *slog.Logger

	// OnCall receives a report for every tie-breaker call.
	OnCall func(adapter.CallReport)
}

// NewClassifier creates a classifier. adapters may be nil, which disables
// the LLM tie-breaker.
func NewClassifier(adapters adapter.Registry, cfg config.TriageConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		adapters: adapters,
		config:   cfg,
		retry:    adapter.DefaultRetryPolicy(),
		logger:   logger.With("component", "triage"),
	}
}

// Classify returns the policy-applied routing decision for intent. A failing
// tie-breaker is logged and the heuristic decision stands.
func (c *Classifier) Classify(ctx context.Context, intent task.Intent) Decision {
	decision := HeuristicDecision(intent.Text(), c.config)

	if c.shouldUseLLMTieBreaker(decision) {
		picked, err := c.tieBreak(ctx, intent, decision)
		if err != nil {
			c.logger.Warn("tie-breaker failed; keeping heuristic decision", "task_id", intent.ID, "error", err)
		} else {
			decision = picked
		}
	}

	decision = ApplyPolicy(decision, c.config.ConfidenceThreshold)
	c.logger.Info("triage decision",
		"task_id", intent.ID,
		"mode", decision.Mode.String(),
		"raw_mode", decision.RawMode.String(),
		"confidence", decision.Confidence,
		"used_llm", decision.UsedLLM,
	)
	return decision
}

func (c *Classifier) shouldUseLLMTieBreaker(decision Decision) bool {
	if c.config.EnableLLMTieBreaker != nil && !*c.config.EnableLLMTieBreaker {
		return false
	}
	if decision.Confidence >= c.config.TieBreakerThreshold {
		return false
	}
	if strings.TrimSpace(c.config.ClassifierAdapter) == "" || strings.TrimSpace(c.config.ClassifierModel) == "" {
		return false
	}
	_, err := c.adapters.Get(c.config.ClassifierAdapter)
	return err == nil
}

func (c *Classifier) tieBreak(ctx context.Context, intent task.Intent, heuristic Decision) (Decision, error) {
	adapterName := strings.TrimSpace(c.config.ClassifierAdapter)
	model := strings.TrimSpace(c.config.ClassifierModel)
	impl, err := c.adapters.Get(adapterName)
	if err != nil {
		return heuristic, err
	}

	resp, report, err := adapter.Call(ctx, impl, model, buildClassifierPrompt(intent, heuristic), c.retry, nil)
	if c.OnCall != nil {
		c.OnCall(report)
	}
	if err != nil {
		return heuristic, fmt.Errorf("classifier call: %w", err)
	}

	picked, err := parseClassifierResponse(resp.Content)
	if err != nil {
		return heuristic, fmt.Errorf("classifier response invalid: %w", err)
	}
	if picked.Confidence < 0 || picked.Confidence > 1 {
		return heuristic, fmt.Errorf("classifier confidence out of range: %v", picked.Confidence)
	}
	mode, err := ParseMode(picked.Mode)
	if err != nil {
		return heuristic, err
	}

	reason := strings.TrimSpace(picked.Reason)
	if reason == "" {
		reason = "classifier pick"
	}
	return Decision{
		Mode:              mode,
		Reason:            reason,
		Confidence:        picked.Confidence,
		Matched:           heuristic.Matched,
		UsedLLM:           true,
		ClassifierAdapter: adapterName,
		ClassifierModel:   model,
	}, nil
}

type classifierPick struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func parseClassifierResponse(content string) (*classifierPick, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var pick classifierPick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return nil, err
	}
	if pick.Mode == "" {
		return nil, fmt.Errorf("missing mode")
	}
	return &pick, nil
}

func buildClassifierPrompt(intent task.Intent, heuristic Decision) string {
	var sb strings.Builder
	sb.WriteString("You are a routing classifier for a development orchestrator.\n")
	sb.WriteString("Choose \"simple\" for trivial, low-risk edits (typos, docs, formatting) and \"full\" for anything that needs design or planning.\n")
	sb.WriteString("Return ONLY JSON: {\"mode\":\"simple|full\",\"confidence\":0-1,\"reason\":\"...\"}.\n\n")
	sb.WriteString("Task title:\n")
	sb.WriteString(intent.Title)
	sb.WriteString("\n\nTask description:\n")
	sb.WriteString(intent.Description)
	sb.WriteString(fmt.Sprintf("\n\nHeuristic guess: %s (confidence %.2f): %s\n", heuristic.Mode, heuristic.Confidence, heuristic.Reason))
	if len(heuristic.Matched) > 0 {
		sb.WriteString(fmt.Sprintf("Matched keywords: %s\n", strings.Join(heuristic.Matched, ", ")))
	}
	return sb.String()
}

// HeuristicDecision classifies text with keyword triggers and length rules.
// The result has not had the confidence policy applied.
func HeuristicDecision(text string, cfg config.TriageConfig) Decision {
	simple := keyword.Match(text, cfg.SimpleTriggers)
	full := keyword.Match(text, cfg.FullTriggers)
	length := len(strings.TrimSpace(text))
	matched := append(append([]string(nil), full...), simple...)

	switch {
	case len(simple) > 0 && len(full) == 0:
		confidence := 0.9
		if len(simple) >= 2 {
			confidence = 0.95
		}
		return Decision{
			Mode:       ModeSimple,
			Reason:     fmt.Sprintf("simple keywords (%s) and no complex indicators", strings.Join(simple, ", ")),
			Confidence: confidence,
			Matched:    matched,
		}
	case len(full) > 0:
		return Decision{
			Mode:       ModeFull,
			Reason:     fmt.Sprintf("complex keywords (%s)", strings.Join(full, ", ")),
			Confidence: 0.85,
			Matched:    matched,
		}
	case cfg.LongLength > 0 && length > cfg.LongLength:
		return Decision{
			Mode:       ModeFull,
			Reason:     "task description is substantial, suggesting complexity",
			Confidence: 0.85,
		}
	case cfg.ShortLength > 0 && length < cfg.ShortLength:
		return Decision{
			Mode:       ModeSimple,
			Reason:     "task description is very short and contains no complex indicators",
			Confidence: 0.8,
		}
	default:
		return Decision{
			Mode:       ModeFull,
			Reason:     "task is ambiguous; defaulting to full path",
			Confidence: 0.6,
		}
	}
}
