// Package extract implements the model-assisted repair extractor used when a
// record cannot be split deterministically.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/pkmlog/internal/llm"
	"github.com/hurttlocker/pkmlog/internal/record"
)

var (
	// ErrRepairFailed is returned once the retry budget is exhausted.
	ErrRepairFailed = errors.New("repair extraction failed")
	// ErrFallbackDisabled is returned when no provider is configured.
	ErrFallbackDisabled = errors.New("repair fallback disabled")
)

// Config configures a Repairer.
type Config struct {
	Fields         []string
	Delimiter      rune
	MessageField   string
	TimestampField string
	Timeout        time.Duration // per attempt, default 60s
	MaxRetries     int           // retries after the first attempt
	Backoff        time.Duration // base backoff, doubled per attempt, default 1s
}

const (
	DefaultTimeout = 60 * time.Second
	DefaultBackoff = time.Second
)

// RepairError describes a final repair failure.
type RepairError struct {
	Attempts int
	LastRaw  string
	Err      error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRepairFailed, e.Attempts, e.Err)
}

func (e *RepairError) Unwrap() []error { return []error{ErrRepairFailed, e.Err} }

// Repairer asks a text-completion provider to extract the configured fields
// from one raw record.
type Repairer struct {
	provider llm.Provider
	cfg      Config
	system   string
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRepairer creates a Repairer. A nil provider yields a disabled Repairer
// whose Repair always returns ErrFallbackDisabled.
func NewRepairer(provider llm.Provider, cfg Config, log zerolog.Logger) *Repairer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = '|'
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = record.DefaultFields
	}
	return &Repairer{
		provider: provider,
		cfg:      cfg,
		system:   BuildSystemPrompt(cfg.Fields, cfg.Delimiter, cfg.MessageField, cfg.TimestampField),
		log:      log,
		sleep:    sleepCtx,
	}
}

// Enabled reports whether a provider is configured.
func (r *Repairer) Enabled() bool {
	return r != nil && r.provider != nil
}

// Name returns the provider name, or "disabled".
func (r *Repairer) Name() string {
	if !r.Enabled() {
		return "disabled"
	}
	return r.provider.Name()
}

// SystemPrompt returns the instruction sent with every request.
func (r *Repairer) SystemPrompt() string {
	return r.system
}

// Repair extracts a complete FieldSet from raw or fails after
// MaxRetries+1 independent attempts.
func (r *Repairer) Repair(ctx context.Context, raw string) (record.FieldSet, error) {
	if !r.Enabled() {
		return nil, ErrFallbackDisabled
	}

	attempts := r.cfg.MaxRetries + 1
	var lastErr error
	var lastRaw string
	for attempt := 0; attempt < attempts; attempt++ {
		fs, txt, err := r.attempt(ctx, raw)
		if err == nil {
			return fs, nil
		}
		lastErr, lastRaw = err, txt
		r.log.Debug().Err(err).Int("attempt", attempt+1).Int("of", attempts).Msg("repair attempt failed")

		if attempt == attempts-1 {
			break
		}

		wait := r.cfg.Backoff * time.Duration(1<<attempt)
		var httpErr *llm.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 429 && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, &RepairError{Attempts: attempt + 1, LastRaw: lastRaw, Err: err}
		}
	}
	return nil, &RepairError{Attempts: attempts, LastRaw: lastRaw, Err: lastErr}
}

func (r *Repairer) attempt(ctx context.Context, raw string) (record.FieldSet, string, error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	txt, err := r.provider.Complete(actx, BuildUserPrompt(raw), llm.CompletionOpts{
		System:      r.system,
		Temperature: 0,
		Format:      "json",
	})
	if err != nil {
		return nil, "", err
	}
	obj, err := DecodeObject(txt)
	if err != nil {
		return nil, txt, err
	}
	fs, err := ToFieldSet(obj, r.cfg.Fields)
	if err != nil {
		return nil, txt, err
	}
	return fs, txt, nil
}

// Probe sends one small request to verify the provider is reachable.
func (r *Repairer) Probe(ctx context.Context) error {
	if !r.Enabled() {
		return ErrFallbackDisabled
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if _, err := r.provider.Complete(pctx, "Reply with {}", llm.CompletionOpts{MaxTokens: 8}); err != nil {
		return fmt.Errorf("probing %s: %w", r.provider.Name(), err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
