package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apiary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitialize_DefaultsOnly(t *testing.T) {
	path := writeConfig(t, "vault_path: /tmp/vault\n")

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vault", cfg.VaultPath)
	assert.Equal(t, 2, cfg.Governance.MaxRetries)
	assert.Equal(t, 4, cfg.Governance.MaxConcurrentTasks)
	assert.Equal(t, 5*time.Minute, cfg.Governance.TaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Governance.ApprovalTimeout)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.True(t, cfg.Policy.IrreversibleRequiresApproval)
	assert.True(t, cfg.Masking.Enabled)
	assert.Equal(t, time.Minute, cfg.Sentinel.Window)
	assert.Equal(t, 5, cfg.Sentinel.LoopThreshold)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestInitialize_UserOverrides(t *testing.T) {
	path := writeConfig(t, `
vault_path: /data/vault
governance:
  max_retries: 0
  max_concurrent_tasks: 8
  task_timeout: 90s
llm:
  provider: static
  model: scripted
policy:
  level3_irreversible_requires_approval: false
  trust_levels:
    alice: admin
    bot-7: untrusted
  denied_tools: [rm_rf]
  tool_overrides:
    deploy:
      action_class: irreversible
      always_require_approval: true
sentinel:
  window: 30s
  loop_threshold: 3
masking:
  enabled: false
server:
  port: 9090
`)

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/vault", cfg.VaultPath)
	// Explicit zero retries is a legal choice, not an omission.
	assert.Equal(t, 0, cfg.Governance.MaxRetries)
	assert.Equal(t, 8, cfg.Governance.MaxConcurrentTasks)
	assert.Equal(t, 90*time.Second, cfg.Governance.TaskTimeout)
	// Unset fields keep defaults.
	assert.Equal(t, 30*time.Second, cfg.Governance.HeartbeatInterval)
	assert.Equal(t, "static", cfg.LLM.Provider)
	assert.False(t, cfg.Policy.IrreversibleRequiresApproval)
	assert.Equal(t, "admin", cfg.Policy.TrustLevels["alice"])
	assert.Equal(t, []string{"rm_rf"}, cfg.Policy.DeniedTools)
	assert.Equal(t, "irreversible", cfg.Policy.ToolOverrides["deploy"].ActionClass)
	assert.True(t, cfg.Policy.ToolOverrides["deploy"].AlwaysRequireApproval)
	assert.Equal(t, 30*time.Second, cfg.Sentinel.Window)
	assert.Equal(t, 3, cfg.Sentinel.LoopThreshold)
	assert.False(t, cfg.Masking.Enabled)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("APIARY_TEST_VAULT", "/env/vault")
	path := writeConfig(t, "vault_path: '{{.APIARY_TEST_VAULT}}'\n")

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/vault", cfg.VaultPath)
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestInitialize_BadYAML(t *testing.T) {
	path := writeConfig(t, "vault_path: [unterminated\n")
	_, err := Initialize(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_InvalidDurationFallsBack(t *testing.T) {
	path := writeConfig(t, `
vault_path: /tmp/vault
governance:
  task_timeout: not-a-duration
`)
	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Governance.TaskTimeout)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("APIARY_TEST_KEY", "sk-123")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"expands variable", "key: {{.APIARY_TEST_KEY}}", "key: sk-123"},
		{"missing variable is empty", "key: {{.APIARY_TEST_UNSET_VAR}}", "key: "},
		{"dollar signs untouched", `pattern: "^secret.*$"`, `pattern: "^secret.*$"`},
		{"malformed template passes through", "key: {{.unclosed", "key: {{.unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in))))
		})
	}
}
