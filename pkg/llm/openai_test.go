package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/config"
)

func newTestOpenAI(t *testing.T, baseURL string, cfg config.LLMConfig) *OpenAI {
	t.Helper()
	t.Setenv("TEST_LLM_API_KEY", "sk-test")
	cfg.APIKeyEnv = "TEST_LLM_API_KEY"
	cfg.APIBase = baseURL
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	c, err := NewOpenAI(cfg)
	require.NoError(t, err)
	c.retryInterval = time.Millisecond
	return c
}

func completionBody(model, content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"created": 1700000000,
		"model": %q,
		"choices": [
			{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}
		],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
	}`, model, content)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": {"message": %q, "type": "test_error"}}`, message)
}

func TestOpenAI_Generate_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("User-Agent"), "apiary/")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("gpt-4o-mini", "two tasks"))
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL, config.LLMConfig{Temperature: 0.2})

	resp, err := c.Generate(context.Background(), Request{System: "You plan work.", Prompt: "decompose this"})
	require.NoError(t, err)

	assert.Equal(t, "two tasks", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 40, resp.InputTokens)
	assert.Equal(t, 12, resp.OutputTokens)
	assert.Equal(t, 52, resp.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	second := messages[1].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "You plan work.", first["content"])
	assert.Equal(t, "user", second["role"])
	assert.Equal(t, "decompose this", second["content"])
}

func TestOpenAI_Generate_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			writeAPIError(w, http.StatusTooManyRequests, "slow down")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("gpt-4o-mini", "recovered"))
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL, config.LLMConfig{NumRetries: 2})

	resp, err := c.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenAI_Generate_BadRequestIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeAPIError(w, http.StatusBadRequest, "malformed prompt")
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL, config.LLMConfig{NumRetries: 3})

	_, err := c.Generate(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.Status)
	assert.False(t, te.Retryable)
	assert.Equal(t, int32(1), hits.Load(), "permanent failures must not be retried")
}

func TestOpenAI_Generate_FallsBackToSecondModel(t *testing.T) {
	var primaryHits, backupHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["model"] == "primary" {
			primaryHits.Add(1)
			writeAPIError(w, http.StatusServiceUnavailable, "model down")
			return
		}
		backupHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("backup", "from backup"))
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL, config.LLMConfig{
		Model:          "primary",
		FallbackModels: []string{"backup"},
		NumRetries:     1,
	})

	resp, err := c.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, "backup", resp.Model)
	assert.Equal(t, int32(2), primaryHits.Load(), "primary gets its retry before the fallback")
	assert.Equal(t, int32(1), backupHits.Load())
}

func TestOpenAI_Generate_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeAPIError(w, http.StatusInternalServerError, "boom")
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL, config.LLMConfig{NumRetries: 0})

	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), Request{Prompt: "hello"})
		require.Error(t, err)
	}
	require.Equal(t, int32(5), hits.Load())

	_, err := c.Generate(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load(), "open breaker must not reach the server")
}

func TestOpenAI_CandidateModels(t *testing.T) {
	c := &OpenAI{model: "primary", fallbacks: []string{"backup", "primary", "last"}}

	assert.Equal(t, []string{"primary", "backup", "last"}, c.candidateModels(""))
	assert.Equal(t, []string{"override", "backup", "primary", "last"}, c.candidateModels("override"))
}

func TestNewOpenAI_MissingKey(t *testing.T) {
	t.Setenv("TEST_LLM_API_KEY", "")
	_, err := NewOpenAI(config.LLMConfig{APIKeyEnv: "TEST_LLM_API_KEY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_LLM_API_KEY")
}

func TestTransportError_Message(t *testing.T) {
	err := &TransportError{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o-mini",
		Status:   429,
		Err:      errors.New("slow down"),
	}
	assert.Equal(t, "llm transport: openai model gpt-4o-mini: status 429: slow down", err.Error())

	bare := &TransportError{Provider: ProviderOpenAI, Model: "m", Err: errors.New("dial refused")}
	assert.Equal(t, "llm transport: openai model m: dial refused", bare.Error())
}
