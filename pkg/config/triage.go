package config

import "fmt"

// TriageConfig controls routing between the Simple and Full paths.
type TriageConfig struct {
	// ConfidenceThreshold forces the Full path below it.
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty"`
	// TieBreakerThreshold is the heuristic confidence below which the LLM
	// classifier is consulted.
	TieBreakerThreshold float64  `yaml:"tie_breaker_threshold,omitempty"`
	SimpleTriggers      []string `yaml:"simple_triggers,omitempty"`
	FullTriggers        []string `yaml:"full_triggers,omitempty"`
	ShortLength         int      `yaml:"short_length,omitempty"`
	LongLength          int      `yaml:"long_length,omitempty"`
	ClassifierAdapter   string   `yaml:"classifier_adapter,omitempty"`
	ClassifierModel     string   `yaml:"classifier_model,omitempty"`
	EnableLLMTieBreaker *bool    `yaml:"enable_llm_tie_breaker,omitempty"`
}

// DefaultSimpleTriggers mark low-risk housekeeping work.
var DefaultSimpleTriggers = []string{
	"typo", "documentation", "readme", "comment", "rename", "format", "indent",
	"spelling", "grammar", "license", "ignore", "changelog", "todo",
}

// DefaultFullTriggers mark work that needs planning.
var DefaultFullTriggers = []string{
	"feature", "implement", "refactor", "design", "architecture", "database",
	"api", "endpoint", "ui", "component", "integration", "test", "fix bug",
	"logic", "module", "system", "service", "rewrite", "optimize",
}

// DefaultTriageConfig returns the triage defaults.
func DefaultTriageConfig() TriageConfig {
	var cfg TriageConfig
	applyTriageDefaults(&cfg)
	return cfg
}

// Validate rejects thresholds outside [0,1] and inverted length bounds.
func (cfg TriageConfig) Validate() error {
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("triage.confidence_threshold %v outside [0,1]", cfg.ConfidenceThreshold)
	}
	if cfg.TieBreakerThreshold < 0 || cfg.TieBreakerThreshold > 1 {
		return fmt.Errorf("triage.tie_breaker_threshold %v outside [0,1]", cfg.TieBreakerThreshold)
	}
	if cfg.ShortLength < 0 || cfg.LongLength < cfg.ShortLength {
		return fmt.Errorf("triage lengths short=%d long=%d: need 0 <= short <= long", cfg.ShortLength, cfg.LongLength)
	}
	return nil
}

func applyTriageDefaults(cfg *TriageConfig) {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.TieBreakerThreshold == 0 {
		cfg.TieBreakerThreshold = 0.7
	}
	if len(cfg.SimpleTriggers) == 0 {
		cfg.SimpleTriggers = append([]string(nil), DefaultSimpleTriggers...)
	}
	if len(cfg.FullTriggers) == 0 {
		cfg.FullTriggers = append([]string(nil), DefaultFullTriggers...)
	}
	if cfg.ShortLength == 0 {
		cfg.ShortLength = 40
	}
	if cfg.LongLength == 0 {
		cfg.LongLength = 200
	}
	if cfg.EnableLLMTieBreaker == nil {
		enabled := true
		cfg.EnableLLMTieBreaker = &enabled
	}
}
