package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"ollama", "ollama/llama3.1:8b-instruct-q4_K_M", "ollama", "llama3.1:8b-instruct-q4_K_M", false},
		{"google", "google/gemini-2.5-pro", "google", "gemini-2.5-pro", false},
		{"openrouter nested model", "openrouter/google/gemini-2.0-flash-exp:free", "openrouter", "google/gemini-2.0-flash-exp:free", false},
		{"uppercase provider", "OpenAI/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"unknown provider", "anthropic/claude", "", "", true},
		{"no slash", "llama3", "", "", true},
		{"empty model", "ollama/", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider != tt.wantProv {
				t.Errorf("provider: got %q, want %q", cfg.Provider, tt.wantProv)
			}
			if cfg.Model != tt.wantMod {
				t.Errorf("model: got %q, want %q", cfg.Model, tt.wantMod)
			}
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	if _, err := NewProvider(Config{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if _, err := NewProvider(Config{Provider: "unknown"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := NewProvider(Config{Provider: "ollama"}); err == nil {
		t.Fatal("expected error for ollama without model")
	}

	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := NewProvider(Config{Provider: "google"}); err == nil {
		t.Fatal("expected error for google without API key")
	}

	t.Setenv("OPENROUTER_API_KEY", "")
	if _, err := NewProvider(Config{Provider: "openrouter"}); err == nil {
		t.Fatal("expected error for openrouter without API key")
	}

	if _, err := NewProvider(Config{Provider: "custom", Model: "m"}); err == nil {
		t.Fatal("expected error for custom without base URL")
	}
}

func TestNewProviderNames(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "k")
	p, err := NewProvider(Config{Provider: "openai"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Name() != "openai/gpt-4o-mini" {
		t.Errorf("name = %q", p.Name())
	}

	p, err = NewProvider(Config{Provider: "ollama", Model: "llama3", BaseURL: "http://host:11434/"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Name() != "ollama/llama3" {
		t.Errorf("name = %q", p.Name())
	}
	if op := p.(*ollamaProvider); op.baseURL != "http://host:11434" {
		t.Errorf("baseURL not trimmed: %q", op.baseURL)
	}
}

func TestOllamaProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.System != "sys" || req.Prompt != "hello" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: "  {\"ok\":true}  ", Done: true})
	}))
	defer server.Close()

	p := &ollamaProvider{model: "m", baseURL: server.URL, client: server.Client()}
	out, err := p.Complete(context.Background(), "hello", CompletionOpts{System: "sys"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("out = %q", out)
	}
}

func TestChatProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("bad auth header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Title") != "pkmlog" {
			t.Errorf("missing openrouter title header")
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format")
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"result"}}]}`))
	}))
	defer server.Close()

	p := &chatProvider{name: "openrouter", apiKey: "test-key", model: "m", baseURL: server.URL, client: server.Client()}
	out, err := p.Complete(context.Background(), "q", CompletionOpts{System: "s", Format: "json"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "result" {
		t.Errorf("out = %q", out)
	}
}

func TestGoogleProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req googleRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "you are a parser" {
			t.Errorf("system instruction not sent")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"parsed"}]}}]}`))
	}))
	defer server.Close()

	p := &googleProvider{apiKey: "k", model: "gemini", baseURL: server.URL, client: server.Client()}
	out, err := p.Complete(context.Background(), "x", CompletionOpts{System: "you are a parser"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "parsed" {
		t.Errorf("out = %q", out)
	}
}

func TestHTTPErrorRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	p := &chatProvider{name: "openai", model: "m", baseURL: server.URL, client: server.Client()}
	_, err := p.Complete(context.Background(), "q", CompletionOpts{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", httpErr.StatusCode)
	}
	if httpErr.RetryAfter != 3*time.Second {
		t.Errorf("retry after = %v", httpErr.RetryAfter)
	}
}

func TestProviderUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	p := &ollamaProvider{model: "m", baseURL: url, client: &http.Client{Timeout: time.Second}}
	if _, err := p.Complete(context.Background(), "q", CompletionOpts{}); err == nil {
		t.Fatal("expected error for closed server")
	}
}
