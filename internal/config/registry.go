package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxweave/voxweave/pkg/provider/llm"
	"github.com/voxweave/voxweave/pkg/provider/llm/anyllm"
	llmmock "github.com/voxweave/voxweave/pkg/provider/llm/mock"
	"github.com/voxweave/voxweave/pkg/provider/llm/openai"
)

// ErrProviderNotRegistered is returned by CreateLLM when no factory has been
// registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps LLM provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// DefaultRegistry returns a Registry with factories for every provider name
// accepted by [Validate]. The "openai" name uses the native OpenAI SDK;
// "anthropic", "gemini", "ollama" and "mistral" route through the any-llm
// multi-provider backend; "anyllm" selects the any-llm backend named by the
// entry's "provider" option; "mock" returns a canned-response provider for
// dry runs and tests.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("openai", func(entry ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range []string{"anthropic", "gemini", "ollama", "mistral"} {
		backend := name
		r.RegisterLLM(name, func(entry ProviderEntry) (llm.Provider, error) {
			return anyllm.New(backend, entry.Model, anyllmOptions(entry)...)
		})
	}

	r.RegisterLLM("anyllm", func(entry ProviderEntry) (llm.Provider, error) {
		backend, _ := entry.Options["provider"].(string)
		if backend == "" {
			return nil, fmt.Errorf("config: anyllm provider requires a %q option naming the backend", "provider")
		}
		return anyllm.New(backend, entry.Model, anyllmOptions(entry)...)
	})

	r.RegisterLLM("mock", func(entry ProviderEntry) (llm.Provider, error) {
		response, _ := entry.Options["response"].(string)
		if response == "" {
			response = "ok"
		}
		return &llmmock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: response},
			ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true, ContextWindow: 128_000, MaxOutputTokens: 4_096},
		}, nil
	})

	return r
}

// anyllmOptions maps the generic provider entry onto any-llm-go options.
func anyllmOptions(entry ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}
