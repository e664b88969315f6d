package config

import (
	"fmt"
	"sort"
)

// ModelAliases maps short model names used in hat bindings to canonical
// provider model ids.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a != nil {
		if canonical, ok := a.Aliases[modelOrAlias]; ok {
			return canonical
		}
	}
	if canonical, ok := DefaultAliases().Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(adapterName, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}
	models, ok := a.Providers[adapterName]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapterName)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, adapterName)
}

// ResolveHat returns the hat binding with its model alias resolved.
func (c *Config) ResolveHat(name string) (HatConfig, bool) {
	hat, ok := c.Hats[name]
	if !ok {
		return HatConfig{}, false
	}
	hat.Model = c.Models.Resolve(hat.Model)
	return hat, true
}

// ValidateHats checks every hat binding and the triage classifier against
// the configured provider lists. Errors are returned sorted by hat name.
func (c *Config) ValidateHats() []error {
	names := make([]string, 0, len(c.Hats))
	for name := range c.Hats {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		hat, _ := c.ResolveHat(name)
		if hat.Adapter == "" {
			errs = append(errs, fmt.Errorf("hat %q: adapter is required", name))
			continue
		}
		if err := c.Models.ValidateModel(hat.Adapter, hat.Model); err != nil {
			errs = append(errs, fmt.Errorf("hat %q: %w", name, err))
		}
	}
	if c.Triage.ClassifierAdapter != "" {
		model := c.Models.Resolve(c.Triage.ClassifierModel)
		if err := c.Models.ValidateModel(c.Triage.ClassifierAdapter, model); err != nil {
			errs = append(errs, fmt.Errorf("triage classifier: %w", err))
		}
	}
	return errs
}

// DefaultAliases returns the built-in model aliases.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":      "gpt-5.2-instant",
			"fast-code": "gpt-5.2-codex",
			"thinking":  "gpt-5.2-thinking",
			"quality":   "claude-sonnet-4-20250514",
			"deep":      "claude-opus-4-20250514",
			"research":  "gemini-2.5-pro",
			"cheap":     "deepseek-chat",
		},
	}
}
