package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/version"
)

// OpenAI calls any OpenAI-compatible chat completions endpoint.
//
// Retries, the circuit breaker, and fallback models all live here rather
// than in the SDK: the SDK's own retries are disabled so one policy
// governs the whole call. Each model gets its own breaker, so a broken
// primary cannot poison its fallbacks.
type OpenAI struct {
	api         openai.Client
	model       string
	fallbacks   []string
	maxTokens   int
	temperature float64
	retries     int

	// retryInterval seeds the exponential backoff; tests shrink it.
	retryInterval time.Duration

	// breakerCooldown is how long an open breaker stays open.
	breakerCooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewOpenAI builds the adapter from config. The API key is read from the
// environment variable named by cfg.APIKeyEnv and never logged.
func NewOpenAI(cfg config.LLMConfig) (*OpenAI, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("llm: environment variable %s is not set", cfg.APIKeyEnv)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHeader("User-Agent", version.Full()),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}

	c := &OpenAI{
		api:             openai.NewClient(opts...),
		model:           cfg.Model,
		fallbacks:       cfg.FallbackModels,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		retries:         cfg.NumRetries,
		retryInterval:   500 * time.Millisecond,
		breakerCooldown: 30 * time.Second,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}

	slog.Info("LLM client initialized",
		"provider", ProviderOpenAI,
		"model", cfg.Model,
		"fallback_models", len(cfg.FallbackModels),
		"num_retries", cfg.NumRetries)
	return c, nil
}

// Model reports the primary model id.
func (c *OpenAI) Model() string { return c.model }

// Generate runs one completion, working through the primary model and
// then each fallback until one succeeds. Per model the call is retried
// with exponential backoff while failures stay retryable.
func (c *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	models := c.candidateModels(req.Model)

	var lastErr error
	for i, model := range models {
		resp, err := c.generateWithRetry(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(models)-1 {
			slog.Warn("Model failed, trying fallback",
				"model", model,
				"next", models[i+1],
				"error", err)
		}
	}
	return nil, lastErr
}

// candidateModels returns the models to try in order. A per-request
// override replaces the primary; the configured fallbacks still apply.
func (c *OpenAI) candidateModels(override string) []string {
	primary := c.model
	if override != "" {
		primary = override
	}
	models := make([]string, 0, 1+len(c.fallbacks))
	models = append(models, primary)
	for _, m := range c.fallbacks {
		if m != primary {
			models = append(models, m)
		}
	}
	return models
}

func (c *OpenAI) generateWithRetry(ctx context.Context, model string, req Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = 0

	var out *Response
	op := func() error {
		resp, err := c.generateOnce(ctx, model, req)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && !te.Retryable {
				return backoff.Permanent(err)
			}
			slog.Warn("LLM call failed, will retry", "model", model, "error", err)
			return err
		}
		out = resp
		return nil
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(c.retries)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAI) generateOnce(ctx context.Context, model string, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	v, err := c.breaker(model).Execute(func() (any, error) {
		return c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(model),
			Messages:    messages,
			MaxTokens:   openai.Int(int64(c.maxTokens)),
			Temperature: openai.Float(c.temperature),
		})
	})
	if err != nil {
		return nil, c.classify(model, err)
	}

	completion := v.(*openai.ChatCompletion)
	if len(completion.Choices) == 0 {
		return nil, &TransportError{
			Provider:  ProviderOpenAI,
			Model:     model,
			Retryable: true,
			Err:       errors.New("response has no choices"),
		}
	}
	return &Response{
		Content:      completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
	}, nil
}

// classify wraps a raw provider error in a TransportError with the
// retryable flag set from the failure mode.
func (c *OpenAI) classify(model string, err error) error {
	te := &TransportError{Provider: ProviderOpenAI, Model: model, Err: err}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Open breaker means the model is known-bad right now; retrying
		// into it defeats the breaker. Move on to a fallback instead.
		te.Retryable = false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		te.Retryable = false
	default:
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			te.Status = apiErr.StatusCode
			te.Retryable = retryableStatus(apiErr.StatusCode)
		} else {
			// Connection-level failure with no HTTP status.
			te.Retryable = true
		}
	}
	return te
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *OpenAI) breaker(model string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[model]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm:" + model,
		MaxRequests: 1,
		Timeout:     c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	c.breakers[model] = br
	return br
}
