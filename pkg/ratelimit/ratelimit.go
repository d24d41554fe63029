// Package ratelimit bounds LLM traffic per model: requests per minute and
// tokens per minute, each backed by its own token bucket. Acquire blocks
// cooperatively until both buckets admit the call, so a burst of planner
// invocations smears out instead of tripping provider-side 429s.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apiaryhq/apiary/pkg/config"
)

// Conservative quota applied to models with no configured limit.
const (
	DefaultRPM = 20
	DefaultTPM = 40000
)

// BudgetExhaustedError reports a request whose token estimate can never fit
// the model's per-minute budget. It is not retryable: waiting longer does
// not grow the bucket.
type BudgetExhaustedError struct {
	Model     string
	Estimated int
	BudgetTPM int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("token estimate %d exceeds per-minute budget %d for model %s",
		e.Estimated, e.BudgetTPM, e.Model)
}

// Limiter is the per-model request/token gate.
type Limiter struct {
	mu       sync.Mutex
	models   map[string]*modelLimiter
	quotas   map[string]config.ModelLimit
	defaults config.ModelLimit
}

type modelLimiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	quota    config.ModelLimit

	mu         sync.Mutex
	tokensUsed int64
	calls      int64
}

// New builds a limiter from the configured per-model quotas. Models absent
// from cfg get the package defaults on first use.
func New(cfg config.RateLimitConfig) *Limiter {
	quotas := make(map[string]config.ModelLimit, len(cfg.Models))
	for model, q := range cfg.Models {
		quotas[model] = q
	}
	return &Limiter{
		models:   make(map[string]*modelLimiter),
		quotas:   quotas,
		defaults: config.ModelLimit{RPM: DefaultRPM, TPM: DefaultTPM},
	}
}

func (l *Limiter) limiterFor(model string) *modelLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.models[model]; ok {
		return m
	}
	quota, ok := l.quotas[model]
	if !ok {
		quota = l.defaults
	}
	if quota.RPM <= 0 {
		quota.RPM = DefaultRPM
	}
	if quota.TPM <= 0 {
		quota.TPM = DefaultTPM
	}
	m := &modelLimiter{
		// Refill at the per-second equivalent; burst is one full minute of
		// quota so an idle model can absorb a batch.
		requests: rate.NewLimiter(rate.Limit(float64(quota.RPM)/60.0), quota.RPM),
		tokens:   rate.NewLimiter(rate.Limit(float64(quota.TPM)/60.0), quota.TPM),
		quota:    quota,
	}
	l.models[model] = m
	return m
}

// Acquire blocks until the model's request and token windows admit a call
// estimated at estimatedTokens. It honors ctx cancellation. An estimate
// larger than the whole per-minute budget fails immediately with
// *BudgetExhaustedError.
func (l *Limiter) Acquire(ctx context.Context, model string, estimatedTokens int) error {
	m := l.limiterFor(model)

	if estimatedTokens > m.quota.TPM {
		return &BudgetExhaustedError{Model: model, Estimated: estimatedTokens, BudgetTPM: m.quota.TPM}
	}
	if err := m.requests.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request quota of %s: %w", model, err)
	}
	if estimatedTokens > 0 {
		if err := m.tokens.WaitN(ctx, estimatedTokens); err != nil {
			return fmt.Errorf("waiting for token quota of %s: %w", model, err)
		}
	}

	m.mu.Lock()
	m.calls++
	m.tokensUsed += int64(estimatedTokens)
	m.mu.Unlock()
	return nil
}

// Record settles the difference between an Acquire estimate and the actual
// token usage the provider reported. Overshoot debits the bucket so
// subsequent calls wait it out; undershoot is not refunded, estimates are
// meant to be generous.
func (l *Limiter) Record(model string, estimatedTokens, actualTokens int) {
	m := l.limiterFor(model)
	if diff := actualTokens - estimatedTokens; diff > 0 {
		m.tokens.ReserveN(time.Now(), min(diff, m.quota.TPM))
	}

	m.mu.Lock()
	m.tokensUsed += int64(actualTokens - estimatedTokens)
	m.mu.Unlock()
}

// Stats is one model's usage snapshot.
type Stats struct {
	Model      string `json:"model"`
	RPM        int    `json:"rpm"`
	TPM        int    `json:"tpm"`
	Calls      int64  `json:"calls"`
	TokensUsed int64  `json:"tokens_used"`
}

// Snapshot reports per-model usage for the health surface.
func (l *Limiter) Snapshot() []Stats {
	l.mu.Lock()
	models := make(map[string]*modelLimiter, len(l.models))
	for name, m := range l.models {
		models[name] = m
	}
	l.mu.Unlock()

	out := make([]Stats, 0, len(models))
	for name, m := range models {
		m.mu.Lock()
		out = append(out, Stats{
			Model:      name,
			RPM:        m.quota.RPM,
			TPM:        m.quota.TPM,
			Calls:      m.calls,
			TokensUsed: m.tokensUsed,
		})
		m.mu.Unlock()
	}
	return out
}
