// Package providers implements the LLM protocol adapters: Anthropic,
// OpenAI, Gemini, and Ollama. Each adapter normalizes its wire dialect
// into the canonical llm.StreamEvent sequence, applies context-budget
// truncation, and retries transient failures with exponential backoff.
package providers

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/haasonsaas/mira/internal/llm"
)

// BaseProvider holds shared retry configuration for adapters.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Retry executes op with exponential backoff while the returned error
// is retryable. The final error is returned on exhaustion.
func (b *BaseProvider) Retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &llm.LlmError{Kind: llm.KindCancelled, Provider: b.name, Err: err}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var le *llm.LlmError
		if !errors.As(lastErr, &le) || !le.Retryable() {
			return lastErr
		}
		if attempt == b.maxRetries-1 {
			break
		}
		backoff := b.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return &llm.LlmError{Kind: llm.KindCancelled, Provider: b.name, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// wrapErr classifies err into an LlmError for the named provider.
func wrapErr(provider string, kind llm.ErrorKind, err error) *llm.LlmError {
	return &llm.LlmError{Kind: kind, Provider: provider, Err: err}
}
