// Package llm provides the decomposition model collaborator.
//
// The planner talks to one narrow interface: Generate a completion, get
// back content plus token accounting. Two implementations exist: an
// OpenAI-compatible adapter (provider "openai") and a deterministic
// scripted client (provider "static") for tests and offline use.
package llm

import (
	"context"
	"fmt"

	"github.com/apiaryhq/apiary/pkg/config"
)

// Provider names accepted in config.
const (
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Request is one completion call.
type Request struct {
	// System is the system prompt; empty means none.
	System string

	// Prompt is the user message.
	Prompt string

	// Model overrides the configured primary model when set.
	Model string
}

// Response is a completion result with token accounting. The engine
// feeds the token counts to the rate limiter and the cost sentinel.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Client is the surface the planner calls.
type Client interface {
	// Generate runs one completion. Transport failures are retried
	// internally; the returned error is a *TransportError or a context
	// error once retries and fallback models are exhausted.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Model reports the primary model id, for rate limiting and logs.
	Model() string
}

// TransportError reports a provider call failure. Retryable failures
// (rate limits, 5xx, network errors) are retried by the adapter itself;
// when one still escapes, the caller records it as a retryable operation
// failure. Non-retryable failures (bad request, auth, open breaker) fail
// the operation immediately.
type TransportError struct {
	Provider  string
	Model     string
	Status    int
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm transport: %s model %s: status %d: %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("llm transport: %s model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// New builds the client selected by cfg.Provider.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg)
	case ProviderStatic:
		return NewStatic(cfg.Model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
