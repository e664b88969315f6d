package gate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/captain/pkg/keyword"
)

// Complexity is a hint extracted from task text that shifts the tier.
type Complexity int

const (
	ComplexityNormal Complexity = iota
	ComplexityLow
	ComplexityHigh
)

func (c Complexity) String() string {
	switch c {
	case ComplexityLow:
		return "low"
	case ComplexityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Rule maps a module scope, recognized by keywords, to a tier.
type Rule struct {
	Scope    string   `yaml:"scope" toml:"scope"`
	Keywords []string `yaml:"keywords" toml:"keywords"`
	Tier     Tier     `yaml:"tier" toml:"tier"`
}

// ComplexityHints lists words that lower or raise rigor.
type ComplexityHints struct {
	Low  []string `yaml:"low" toml:"low"`
	High []string `yaml:"high" toml:"high"`
}

// Matrix is the risk matrix: externally editable data mapping scopes and
// complexity to verification strategies.
type Matrix struct {
	DefaultTier Tier            `yaml:"default_tier" toml:"default_tier"`
	Rules       []Rule          `yaml:"rules" toml:"rules"`
	Complexity  ComplexityHints `yaml:"complexity" toml:"complexity"`
	Tiers       []TierSpec      `yaml:"tiers" toml:"tiers"`

	Source string `yaml:"-" toml:"-"`
}

// DefaultMatrix returns the built-in matrix.
func DefaultMatrix() *Matrix {
	m := &Matrix{
		DefaultTier: Tier2,
		Rules: []Rule{
			{Scope: "auth", Keywords: []string{"auth", "authentication", "authorization", "login", "oauth", "jwt"}, Tier: Tier1},
			{Scope: "core", Keywords: []string{"core"}, Tier: Tier1},
			{Scope: "security", Keywords: []string{"security", "crypto", "secret", "secrets"}, Tier: Tier1},
			{Scope: "database", Keywords: []string{"database", "db", "migration", "schema"}, Tier: Tier1},
			{Scope: "api", Keywords: []string{"api", "endpoint"}, Tier: Tier2},
			{Scope: "backend", Keywords: []string{"backend", "server", "service"}, Tier: Tier2},
			{Scope: "logic", Keywords: []string{"logic"}, Tier: Tier2},
			{Scope: "docs", Keywords: []string{"docs", "documentation"}, Tier: Tier3},
			{Scope: "readme", Keywords: []string{"readme"}, Tier: Tier3},
			{Scope: "ui", Keywords: []string{"ui"}, Tier: Tier3},
			{Scope: "frontend", Keywords: []string{"frontend", "css", "styling"}, Tier: Tier3},
		},
		Source: "builtin",
	}
	applyMatrixDefaults(m)
	return m
}

// LoadMatrix reads a matrix from a .yaml, .yml or .toml file.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Matrix
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("failed to parse matrix %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse matrix %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported matrix format %q", filepath.Ext(path))
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matrix %s: %w", path, err)
	}
	m.Source = path
	applyMatrixDefaults(&m)
	return &m, nil
}

// Validate rejects out-of-range tiers and unnamed rules.
func (m *Matrix) Validate() error {
	if m.DefaultTier != 0 && !m.DefaultTier.Valid() {
		return fmt.Errorf("default_tier %d out of range", m.DefaultTier)
	}
	for i, rule := range m.Rules {
		if strings.TrimSpace(rule.Scope) == "" {
			return fmt.Errorf("rule %d has no scope", i)
		}
		if !rule.Tier.Valid() {
			return fmt.Errorf("rule %q tier %d out of range", rule.Scope, rule.Tier)
		}
	}
	for _, spec := range m.Tiers {
		if !spec.Tier.Valid() {
			return fmt.Errorf("tier override %d out of range", spec.Tier)
		}
		if spec.CoverageThreshold < 0 || spec.CoverageThreshold > 100 {
			return fmt.Errorf("tier %d coverage %v out of range", spec.Tier, spec.CoverageThreshold)
		}
	}
	return nil
}

func applyMatrixDefaults(m *Matrix) {
	if m.DefaultTier == 0 {
		m.DefaultTier = Tier2
	}
	for i := range m.Rules {
		if len(m.Rules[i].Keywords) == 0 {
			m.Rules[i].Keywords = []string{m.Rules[i].Scope}
		}
	}
	if len(m.Complexity.Low) == 0 {
		m.Complexity.Low = []string{"simple", "minor", "trivial"}
	}
	if len(m.Complexity.High) == 0 {
		m.Complexity.High = []string{"complex", "refactor", "rewrite"}
	}
}

// ForTier returns the tier template with any matrix override applied.
func (m *Matrix) ForTier(tier Tier, reason string) Strategy {
	strategy := ForTier(tier, reason)
	for _, spec := range m.Tiers {
		if spec.Tier != tier {
			continue
		}
		strategy.CoverageThreshold = spec.CoverageThreshold
		if spec.RequiredCategories != nil {
			strategy.RequiredCategories = append([]string(nil), spec.RequiredCategories...)
		}
		if spec.HardGates != nil {
			strategy.HardGates = append([]string(nil), spec.HardGates...)
		}
	}
	return strategy
}

// ScopeFor resolves the scope and complexity hint for task text. When several
// scopes match, the strictest tier wins; ties go to the earlier rule.
func (m *Matrix) ScopeFor(text string) (string, Complexity) {
	scope := ""
	best := Tier(0)
	for _, rule := range m.Rules {
		if !keyword.Any(text, rule.Keywords) {
			continue
		}
		if best == 0 || rule.Tier < best {
			best = rule.Tier
			scope = rule.Scope
		}
	}

	complexity := ComplexityNormal
	switch {
	case keyword.Any(text, m.Complexity.High):
		complexity = ComplexityHigh
	case keyword.Any(text, m.Complexity.Low):
		complexity = ComplexityLow
	}
	return scope, complexity
}

// StrategyFor resolves the strategy for a scope and complexity hint. High
// complexity raises any scope to Tier 1. Low complexity relaxes to Tier 3
// except for Tier 1 scopes, which are never relaxed.
func (m *Matrix) StrategyFor(scope string, complexity Complexity) Strategy {
	tier := m.DefaultTier
	source := "default tier"
	for _, rule := range m.Rules {
		if strings.EqualFold(rule.Scope, scope) {
			tier = rule.Tier
			source = fmt.Sprintf("scope %q", rule.Scope)
			break
		}
	}

	switch complexity {
	case ComplexityHigh:
		if tier != Tier1 {
			source += ", raised by high complexity"
		}
		tier = Tier1
	case ComplexityLow:
		if tier != Tier1 {
			if tier != Tier3 {
				source += ", relaxed by low complexity"
			}
			tier = Tier3
		}
	}

	strategy := m.ForTier(tier, fmt.Sprintf("%s from %s", tier, source))
	strategy.Scope = scope
	return strategy
}

// Resolve is ScopeFor followed by StrategyFor.
func (m *Matrix) Resolve(text string) Strategy {
	scope, complexity := m.ScopeFor(text)
	return m.StrategyFor(scope, complexity)
}
