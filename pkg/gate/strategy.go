package gate

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is a verification rigor level. Lower numbers are stricter.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

func (t Tier) String() string {
	return "tier" + strconv.Itoa(int(t))
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// Verification categories.
const (
	CategoryUnit        = "unit"
	CategoryIntegration = "integration"
	CategoryLint        = "lint"
	CategorySecurity    = "security"
	CategorySmoke       = "smoke"
)

// Hard gates.
const (
	HardGateZeroLintWarnings = "zero_lint_warnings"
	HardGateZeroLintErrors   = "zero_lint_errors"
	HardGateSpecsVerified    = "specs_verified"
)

// Strategy is the active verification requirement for a task. A task has
// exactly one; it is replaced whole, never edited in place.
type Strategy struct {
	Tier               Tier     `json:"tier"`
	CoverageThreshold  float64  `json:"coverage_threshold"`
	RequiredCategories []string `json:"required_categories"`
	HardGates          []string `json:"hard_gates"`
	Reason             string   `json:"reason,omitempty"`
	Scope              string   `json:"scope,omitempty"`
}

// TierSpec overrides the requirements of one tier.
type TierSpec struct {
	Tier               Tier     `yaml:"tier" toml:"tier"`
	CoverageThreshold  float64  `yaml:"coverage_threshold" toml:"coverage_threshold"`
	RequiredCategories []string `yaml:"required_categories" toml:"required_categories"`
	HardGates          []string `yaml:"hard_gates" toml:"hard_gates"`
}

// ForTier returns the built-in strategy template for tier.
func ForTier(tier Tier, reason string) Strategy {
	switch tier {
	case Tier1:
		return Strategy{
			Tier:               Tier1,
			CoverageThreshold:  95,
			RequiredCategories: []string{CategoryUnit, CategoryIntegration, CategoryLint, CategorySecurity},
			HardGates:          []string{HardGateZeroLintWarnings, HardGateSpecsVerified},
			Reason:             reason,
		}
	case Tier2:
		return Strategy{
			Tier:               Tier2,
			CoverageThreshold:  80,
			RequiredCategories: []string{CategoryUnit, CategoryLint},
			HardGates:          []string{HardGateZeroLintErrors},
			Reason:             reason,
		}
	default:
		return Strategy{
			Tier:               Tier3,
			CoverageThreshold:  0,
			RequiredCategories: []string{CategorySmoke},
			HardGates:          []string{},
			Reason:             reason,
		}
	}
}

// Minimal is the single-requirement strategy used for Simple-routed tasks.
func Minimal(reason string) Strategy {
	return ForTier(Tier3, reason)
}

// Stricter returns whichever of current and next demands more. A replacement
// can tighten the active strategy but never relax it.
func Stricter(current *Strategy, next Strategy) Strategy {
	if current == nil || !current.Tier.Valid() {
		return next
	}
	if next.Tier < current.Tier {
		return next
	}
	if next.Tier == current.Tier && next.CoverageThreshold >= current.CoverageThreshold {
		return next
	}
	return *current
}

// Summary is a one-line rendering for logs and audit entries.
func (s Strategy) Summary() string {
	return fmt.Sprintf("Tier: %d | MinCoverage: %s%% | Categories: [%s] | HardGates: [%s]",
		int(s.Tier), formatPercent(s.CoverageThreshold),
		strings.Join(s.RequiredCategories, ", "), strings.Join(s.HardGates, ", "))
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
