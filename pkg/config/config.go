// Package config loads, validates, and exposes the engine configuration.
//
// A single YAML document is read once at startup, expanded with {{.VAR}}
// environment references, merged over built-in defaults, and validated.
// The resulting Config is immutable: nothing in the engine writes to it
// after Initialize returns.
package config

import "time"

// Config is the complete, resolved engine configuration.
type Config struct {
	// VaultPath is the filesystem root for event logs and episodes.
	VaultPath string

	Governance GovernanceConfig
	LLM        LLMConfig
	Auth       AuthConfig
	Policy     PolicyConfig
	RateLimit  RateLimitConfig
	Sentinel   SentinelConfig
	Masking    MaskingConfig
	Server     ServerConfig
}

// GovernanceConfig bounds retries, concurrency, and the engine's timers.
type GovernanceConfig struct {
	// MaxRetries is the number of requeues a retryable task failure gets
	// before the task is failed for good.
	MaxRetries int

	// MaxConcurrentTasks caps parallel task execution within one layer.
	MaxConcurrentTasks int

	// TaskTimeout is the per-attempt deadline for one worker invocation.
	TaskTimeout time.Duration

	// HeartbeatInterval is how often a healthy run is expected to report;
	// the silence watchdog scans at this cadence.
	HeartbeatInterval time.Duration

	// ApprovalTimeout is how long a requirement may stay pending before
	// the reaper resolves it as cancelled.
	ApprovalTimeout time.Duration

	// MaxOscillations bounds suspend/resume flips per colony before the
	// sentinel escalates to quarantine.
	MaxOscillations int
}

// LLMConfig configures the decomposition model collaborator.
type LLMConfig struct {
	// Provider selects the client: "openai" (OpenAI-compatible API) or
	// "static" (deterministic in-process client for tests and offline use).
	Provider string `yaml:"provider"`

	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// APIBase overrides the provider endpoint (for gateways and mocks).
	APIBase string `yaml:"api_base"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never appears in YAML.
	APIKeyEnv string `yaml:"api_key_env"`

	FallbackModels []string `yaml:"fallback_models"`
	NumRetries     int      `yaml:"num_retries"`
}

// AuthConfig guards the control API when it is exposed on a network.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// APIKeyEnv names the environment variable holding the expected
	// X-API-Key value.
	APIKeyEnv string `yaml:"api_key_env"`
}

// PolicyConfig tunes the action gate.
type PolicyConfig struct {
	// IrreversibleRequiresApproval keeps irreversible actions behind an
	// approval even for admin actors. Defaults to true.
	IrreversibleRequiresApproval bool

	// TrustLevels maps actor names to trust levels (untrusted, basic,
	// trusted, admin). Unlisted actors are basic.
	TrustLevels map[string]string

	// DeniedTools and DeniedActors are hard denylists: the gate answers
	// Deny regardless of class or trust.
	DeniedTools  []string
	DeniedActors []string

	// ToolOverrides reclassifies named tools and can force approval.
	ToolOverrides map[string]ToolOverride
}

// ToolOverride reclassifies one tool in the policy table.
type ToolOverride struct {
	ActionClass           string `yaml:"action_class"`
	AlwaysRequireApproval bool   `yaml:"always_require_approval"`
}

// RateLimitConfig carries per-model request and token quotas.
type RateLimitConfig struct {
	// Models maps model ids to limits; unknown models use conservative
	// defaults (RPM 20, TPM 40000).
	Models map[string]ModelLimit `yaml:"models"`
}

// ModelLimit is one model's per-minute quota.
type ModelLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// SentinelConfig sets the anomaly detection thresholds. Zero disables the
// cost ceilings; the other thresholds fall back to conservative defaults.
type SentinelConfig struct {
	// Window is the sliding-window span for loop and runaway detection.
	Window time.Duration

	// LoopThreshold is the number of identical (title, error) task
	// failures within the window that raises a loop alert.
	LoopThreshold int

	// RunawayEventsPerMinute is the per-colony event-rate ceiling.
	RunawayEventsPerMinute int

	// MaxTokens and MaxCostUSD cap cumulative spend per colony; 0 means
	// unlimited.
	MaxTokens  int
	MaxCostUSD float64

	// CostPerThousandTokens converts token usage to dollars for the cost
	// ceiling; 0 disables dollar accounting.
	CostPerThousandTokens float64

	// FlaggedTools trip the security pattern when any event references one.
	FlaggedTools []string

	// Enforcements maps a pattern (loop, runaway, cost, security, kpi) to
	// its enforcement action: suspend, rollback, or quarantine. Unlisted
	// patterns suspend, except security which quarantines.
	Enforcements map[string]string

	// KPIMinSuccessRate is the episode success-rate floor; the KPI
	// detector stays quiet until KPIMinEpisodes episodes exist, and a
	// floor of 0 disables it.
	KPIMinSuccessRate float64
	KPIMinEpisodes    int
}

// MaskingConfig controls secret masking of event payloads.
type MaskingConfig struct {
	// Enabled applies the built-in pattern set plus CustomPatterns to
	// string payload fields before append. Defaults to true.
	Enabled bool

	CustomPatterns []CustomPattern
}

// CustomPattern is one user-supplied masking regex.
type CustomPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// ServerConfig is the control API listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the built-in configuration. User YAML is merged over it;
// tests start from it directly.
func Default() *Config {
	return &Config{
		VaultPath: "./vault",
		Governance: GovernanceConfig{
			MaxRetries:         2,
			MaxConcurrentTasks: 4,
			TaskTimeout:        5 * time.Minute,
			HeartbeatInterval:  30 * time.Second,
			ApprovalTimeout:    24 * time.Hour,
			MaxOscillations:    3,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
			APIKeyEnv:   "OPENAI_API_KEY",
			NumRetries:  2,
		},
		Auth: AuthConfig{
			Enabled:   false,
			APIKeyEnv: "APIARY_API_KEY",
		},
		Policy: PolicyConfig{
			IrreversibleRequiresApproval: true,
		},
		Sentinel: SentinelConfig{
			Window:                 time.Minute,
			LoopThreshold:          5,
			RunawayEventsPerMinute: 120,
			KPIMinSuccessRate:      0.3,
			KPIMinEpisodes:         5,
		},
		Masking: MaskingConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}
