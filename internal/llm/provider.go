// Package llm provides the text-completion service used by the repair
// extractor and the ask pipeline.
//
// One Provider interface, one implementation per backend, picked by
// configuration. All backends speak plain HTTP+JSON.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "ollama/llama3.1:8b").
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0 = deterministic
	Model       string  // per-request override
	Format      string  // "json" for structured output
	System      string  // system instruction
}

// Config holds provider configuration.
type Config struct {
	Provider string        // "ollama", "openai", "openrouter", "custom", "google"
	Model    string        // e.g. "llama3.1:8b-instruct-q4_K_M"
	APIKey   string        // empty = read from the provider's env var
	BaseURL  string        // optional URL override
	Timeout  time.Duration // HTTP client timeout backstop (0 = none)
}

// ErrNoProvider is returned when no provider was configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// HTTPError is a non-200 response from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Supported lists the provider names accepted by NewProvider.
var Supported = []string{"ollama", "openai", "openrouter", "custom", "google"}

// NewProvider creates a provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, ErrNoProvider
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch name {
	case "ollama":
		model := cfg.Model
		if model == "" {
			return nil, fmt.Errorf("ollama provider requires a model")
		}
		baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv("LLM_HOST"), "http://localhost:11434")
		return &ollamaProvider{model: model, baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil

	case "openai", "openrouter", "custom":
		defaults := chatDefaults[name]
		key := firstNonEmpty(cfg.APIKey, os.Getenv(defaults.keyEnv))
		if key == "" && name != "custom" {
			return nil, fmt.Errorf("%s provider requires %s env var", name, defaults.keyEnv)
		}
		baseURL := firstNonEmpty(cfg.BaseURL, defaults.baseURL)
		if baseURL == "" {
			return nil, fmt.Errorf("custom provider requires a base URL")
		}
		model := firstNonEmpty(cfg.Model, defaults.model)
		if model == "" {
			return nil, fmt.Errorf("%s provider requires a model", name)
		}
		return &chatProvider{
			name:    name,
			apiKey:  key,
			model:   model,
			baseURL: strings.TrimRight(baseURL, "/"),
			client:  client,
		}, nil

	case "google":
		key := firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
		if key == "" {
			return nil, fmt.Errorf("google provider requires GEMINI_API_KEY or GOOGLE_API_KEY env var")
		}
		return &googleProvider{
			apiKey:  key,
			model:   firstNonEmpty(cfg.Model, "gemini-2.5-flash"),
			baseURL: strings.TrimRight(firstNonEmpty(cfg.BaseURL, "https://generativelanguage.googleapis.com/v1beta"), "/"),
			client:  client,
		}, nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s)", cfg.Provider, strings.Join(Supported, ", "))
	}
}

// ParseLLMFlag parses a --llm flag value of the form "provider/model".
// The model part may itself contain slashes and colons
// (e.g. "openrouter/google/gemini-2.0-flash-exp:free").
func ParseLLMFlag(flag string) (Config, error) {
	flag = strings.TrimSpace(flag)
	idx := strings.Index(flag, "/")
	if idx <= 0 || idx == len(flag)-1 {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., ollama/llama3.1:8b)", flag)
	}
	provider := strings.ToLower(flag[:idx])
	for _, p := range Supported {
		if p == provider {
			return Config{Provider: provider, Model: flag[idx+1:]}, nil
		}
	}
	return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: %s)", provider, strings.Join(Supported, ", "))
}

type chatDefault struct {
	baseURL string
	keyEnv  string
	model   string
}

var chatDefaults = map[string]chatDefault{
	"openai":     {baseURL: "https://api.openai.com/v1", keyEnv: "OPENAI_API_KEY", model: "gpt-4o-mini"},
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", keyEnv: "OPENROUTER_API_KEY", model: "openai/gpt-4o-mini"},
	"custom":     {keyEnv: "PKMLOG_LLM_API_KEY"},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
