package hat

import (
	"fmt"
	"log/slog"

	"github.com/zen-systems/captain/pkg/adapter"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/triage"
	"github.com/zen-systems/captain/pkg/workspace"
)

// Deps are the collaborators the built-in roles need.
type Deps struct {
	Adapters   adapter.Registry
	Classifier *triage.Classifier
	Matrix     *gate.Matrix
	Suite      *gate.Suite
	Applier    *workspace.Applier
	Logger     *slog.Logger
}

// FromConfig builds the full registry. Planner and Executor bindings come
// from cfg.Hats; unbound roles fall back to the mock adapter.
func FromConfig(cfg *config.Config, deps Deps) (Registry, error) {
	reg := Registry{}
	reg.Register(NewTriageHat(deps.Classifier))
	reg.Register(NewTestArchitect(deps.Matrix))
	reg.Register(NewVerifier(deps.Suite))

	for _, kind := range []Kind{KindPlanner, KindExecutor} {
		binding, ok := cfg.ResolveHat(kind.ConfigKey())
		if !ok {
			binding = config.HatConfig{Adapter: "mock", Model: "mock-1"}
			if deps.Logger != nil {
				deps.Logger.Warn("hat not configured, using mock adapter", "hat", string(kind))
			}
		}
		a, err := deps.Adapters.Get(binding.Adapter)
		if err != nil {
			return nil, fmt.Errorf("hat %s: %w", kind, err)
		}
		opts := []ModelOption{
			WithInstructions(binding.Instructions),
			WithRetry(cfg.Retry),
			WithPricing(cfg.Pricing),
			WithLogger(deps.Logger),
		}
		if kind == KindPlanner {
			reg.Register(NewPlanner(a, binding.Model, opts...))
		} else {
			reg.Register(NewExecutor(a, binding.Model, deps.Applier, opts...))
		}
	}
	return reg, nil
}
