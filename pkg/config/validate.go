package config

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/apiaryhq/apiary/pkg/models"
)

// Validate checks the resolved configuration. Fatal problems (an empty vault
// path, unknown enum values, uncompilable masking patterns) return an error;
// out-of-range tunables are coerced back to their defaults with a warning so
// a sloppy config degrades instead of refusing to boot.
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return fmt.Errorf("vault_path must not be empty")
	}

	def := Default()
	c.Governance.coerce(&def.Governance)
	c.Sentinel.coerce(&def.Sentinel)

	if c.LLM.Provider != "openai" && c.LLM.Provider != "static" {
		return fmt.Errorf("llm.provider %q: must be openai or static", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if c.LLM.MaxTokens <= 0 {
		slog.Warn("llm.max_tokens out of range, using default",
			"value", c.LLM.MaxTokens, "default", def.LLM.MaxTokens)
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		slog.Warn("llm.temperature out of range, using default",
			"value", c.LLM.Temperature, "default", def.LLM.Temperature)
		c.LLM.Temperature = def.LLM.Temperature
	}
	if c.LLM.NumRetries < 0 {
		c.LLM.NumRetries = def.LLM.NumRetries
	}

	if c.Auth.Enabled && c.Auth.APIKeyEnv == "" {
		return fmt.Errorf("auth.api_key_env must be set when auth is enabled")
	}

	for actor, level := range c.Policy.TrustLevels {
		switch models.TrustLevel(level) {
		case models.TrustUntrusted, models.TrustBasic, models.TrustTrusted, models.TrustAdmin:
		default:
			return fmt.Errorf("policy.trust_levels[%s]: unknown trust level %q", actor, level)
		}
	}
	for tool, override := range c.Policy.ToolOverrides {
		if override.ActionClass != "" && !models.ValidActionClass(override.ActionClass) {
			return fmt.Errorf("policy.tool_overrides[%s]: unknown action class %q", tool, override.ActionClass)
		}
	}

	for model, limit := range c.RateLimit.Models {
		if limit.RPM < 0 || limit.TPM < 0 {
			return fmt.Errorf("ratelimit.models[%s]: rpm and tpm must be non-negative", model)
		}
	}

	for _, p := range c.Masking.CustomPatterns {
		if p.Name == "" {
			return fmt.Errorf("masking.custom_patterns: every pattern needs a name")
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("masking.custom_patterns[%s]: %w", p.Name, err)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		slog.Warn("server.port out of range, using default",
			"value", c.Server.Port, "default", def.Server.Port)
		c.Server.Port = def.Server.Port
	}
	return nil
}

func (g *GovernanceConfig) coerce(def *GovernanceConfig) {
	if g.MaxRetries < 0 {
		slog.Warn("governance.max_retries out of range, using default",
			"value", g.MaxRetries, "default", def.MaxRetries)
		g.MaxRetries = def.MaxRetries
	}
	if g.MaxConcurrentTasks <= 0 {
		slog.Warn("governance.max_concurrent_tasks out of range, using default",
			"value", g.MaxConcurrentTasks, "default", def.MaxConcurrentTasks)
		g.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if g.TaskTimeout <= 0 {
		g.TaskTimeout = def.TaskTimeout
	}
	if g.HeartbeatInterval <= 0 {
		g.HeartbeatInterval = def.HeartbeatInterval
	}
	if g.ApprovalTimeout <= 0 {
		g.ApprovalTimeout = def.ApprovalTimeout
	}
	if g.MaxOscillations <= 0 {
		g.MaxOscillations = def.MaxOscillations
	}
}

func (s *SentinelConfig) coerce(def *SentinelConfig) {
	if s.Window <= 0 {
		slog.Warn("sentinel.window out of range, using default",
			"value", s.Window, "default", def.Window)
		s.Window = def.Window
	}
	if s.LoopThreshold <= 0 {
		s.LoopThreshold = def.LoopThreshold
	}
	if s.RunawayEventsPerMinute <= 0 {
		s.RunawayEventsPerMinute = def.RunawayEventsPerMinute
	}
	if s.MaxTokens < 0 {
		s.MaxTokens = 0
	}
	if s.MaxCostUSD < 0 {
		s.MaxCostUSD = 0
	}
	if s.KPIMinSuccessRate < 0 || s.KPIMinSuccessRate > 1 {
		slog.Warn("sentinel.kpi_min_success_rate out of range, using default",
			"value", s.KPIMinSuccessRate, "default", def.KPIMinSuccessRate)
		s.KPIMinSuccessRate = def.KPIMinSuccessRate
	}
	if s.KPIMinEpisodes <= 0 {
		s.KPIMinEpisodes = def.KPIMinEpisodes
	}
}
