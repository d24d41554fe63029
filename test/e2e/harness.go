// Package e2e boots a complete apiary instance (engine, vault, HTTP control
// surface) against a scratch vault and drives it over real HTTP.
package e2e

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apiaryhq/apiary/pkg/api"
	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/engine"
	"github.com/apiaryhq/apiary/pkg/llm"
)

// waitFor and tick bound every polling assertion in the suite.
const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

// TestApp is one running apiary instance for e2e testing.
type TestApp struct {
	Config *config.Config
	Engine *engine.Engine
	LLM    *llm.Static
	Server *api.Server

	// BaseURL points at the instance's listener, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t        *testing.T
	stopOnce sync.Once
}

// testAppConfig holds options accumulated before boot.
type testAppConfig struct {
	mutate func(*config.Config)
	script []llm.ScriptEntry
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig mutates the default config before the engine boots. The vault
// path is already set to a scratch directory when the mutator runs; restart
// tests override it to share a vault between instances.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(c *testAppConfig) { c.mutate = mutate }
}

// WithScript pre-loads planner/worker responses on the static LLM client.
// An exhausted script yields empty output, which the planner degrades to its
// single-task fallback plan.
func WithScript(entries ...llm.ScriptEntry) TestAppOption {
	return func(c *testAppConfig) { c.script = entries }
}

// NewTestApp boots a full apiary instance: engine with background loops
// started, HTTP server on a random port. Shutdown is registered via
// t.Cleanup; restart tests may call Stop earlier.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := config.Default()
	cfg.VaultPath = t.TempDir()
	cfg.LLM.Provider = llm.ProviderStatic
	cfg.LLM.Model = "static"
	cfg.LLM.MaxTokens = 256
	if tc.mutate != nil {
		tc.mutate(cfg)
	}

	client := llm.NewStatic("static", tc.script...)
	eng, err := engine.New(*cfg, engine.Options{LLM: client})
	require.NoError(t, err)
	eng.Start(context.Background())

	server := api.NewServer(*cfg, eng)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:  cfg,
		Engine:  eng,
		LLM:     client,
		Server:  server,
		BaseURL: "http://" + ln.Addr().String(),
		t:       t,
	}
	t.Cleanup(app.Stop)
	return app
}

// Stop shuts the instance down: listener first so no new commands arrive,
// then the engine. Safe to call more than once.
func (app *TestApp) Stop() {
	app.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(ctx)
		app.Engine.Stop()
	})
}
