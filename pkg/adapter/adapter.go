package adapter

import "context"

// Adapter defines the interface for LLM provider adapters backing the
// model-driven hats and the triage tie-breaker.
type Adapter interface {
	// Generate sends a prompt to the model and returns its response.
	Generate(ctx context.Context, model string, prompt string) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Registry maps adapter names to configured adapters.
type Registry map[string]Adapter

// Get returns the named adapter or an error naming the known ones.
func (r Registry) Get(name string) (Adapter, error) {
	if a, ok := r[name]; ok {
		return a, nil
	}
	return nil, &UnknownAdapterError{Name: name}
}

// UnknownAdapterError reports a lookup of an adapter that was never configured.
type UnknownAdapterError struct {
	Name string
}

func (e *UnknownAdapterError) Error() string {
	return "unknown adapter: " + e.Name
}

// Keys holds provider API keys. Empty keys leave the provider unregistered.
type Keys struct {
	Anthropic string
	OpenAI    string
	Google    string
	DeepSeek  string
}

// NewRegistry builds a registry holding the mock adapter plus every provider
// with a key.
func NewRegistry(ctx context.Context, keys Keys) (Registry, error) {
	reg := Registry{"mock": NewMockAdapter()}
	if keys.Anthropic != "" {
		a, err := NewAnthropicAdapter(keys.Anthropic)
		if err != nil {
			return nil, err
		}
		reg[a.Name()] = a
	}
	if keys.OpenAI != "" {
		a, err := NewOpenAIAdapter(keys.OpenAI)
		if err != nil {
			return nil, err
		}
		reg[a.Name()] = a
	}
	if keys.Google != "" {
		a, err := NewGoogleAdapter(ctx, keys.Google)
		if err != nil {
			return nil, err
		}
		reg[a.Name()] = a
	}
	if keys.DeepSeek != "" {
		a, err := NewDeepSeekAdapter(keys.DeepSeek)
		if err != nil {
			return nil, err
		}
		reg[a.Name()] = a
	}
	return reg, nil
}
