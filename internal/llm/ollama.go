package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// ollamaProvider talks to a local Ollama daemon through /api/generate.
type ollamaProvider struct {
	model   string
	baseURL string
	client  *http.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *ollamaProvider) Name() string {
	return "ollama/" + o.model
}

func (o *ollamaProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := ollamaRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  opts.System,
		Stream:  false,
		Options: map[string]any{"temperature": opts.Temperature},
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}
	if strings.ToLower(opts.Format) == "json" {
		req.Format = "json"
	}

	body, err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/generate", nil, req)
	if err != nil {
		return "", err
	}

	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama API error: %s", resp.Error)
	}
	return strings.TrimSpace(resp.Response), nil
}
