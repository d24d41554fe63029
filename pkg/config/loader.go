package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// document is the YAML-facing shape of the configuration file. Durations
// are strings ("5m", "30s") and defaulted booleans are pointers so an
// explicit false survives the merge; resolve() converts it into a Config.
type document struct {
	VaultPath  string           `yaml:"vault_path"`
	Governance *governanceDoc   `yaml:"governance"`
	LLM        *LLMConfig       `yaml:"llm"`
	Auth       *AuthConfig      `yaml:"auth"`
	Policy     *policyDoc       `yaml:"policy"`
	RateLimit  *RateLimitConfig `yaml:"ratelimit"`
	Sentinel   *sentinelDoc     `yaml:"sentinel"`
	Masking    *maskingDoc      `yaml:"masking"`
	Server     *ServerConfig    `yaml:"server"`
}

type governanceDoc struct {
	MaxRetries         *int   `yaml:"max_retries"`
	MaxConcurrentTasks *int   `yaml:"max_concurrent_tasks"`
	TaskTimeout        string `yaml:"task_timeout"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
	ApprovalTimeout    string `yaml:"approval_timeout"`
	MaxOscillations    *int   `yaml:"max_oscillations"`
}

type policyDoc struct {
	IrreversibleRequiresApproval *bool                   `yaml:"level3_irreversible_requires_approval"`
	TrustLevels                  map[string]string       `yaml:"trust_levels"`
	DeniedTools                  []string                `yaml:"denied_tools"`
	DeniedActors                 []string                `yaml:"denied_actors"`
	ToolOverrides                map[string]ToolOverride `yaml:"tool_overrides"`
}

type sentinelDoc struct {
	Window                 string            `yaml:"window"`
	LoopThreshold          *int              `yaml:"loop_threshold"`
	RunawayEventsPerMinute *int              `yaml:"runaway_events_per_minute"`
	MaxTokens              int               `yaml:"max_tokens"`
	MaxCostUSD             float64           `yaml:"max_cost_usd"`
	CostPerThousandTokens  float64           `yaml:"cost_per_thousand_tokens"`
	FlaggedTools           []string          `yaml:"flagged_tools"`
	Enforcements           map[string]string `yaml:"enforcements"`
	KPIMinSuccessRate      *float64          `yaml:"kpi_min_success_rate"`
	KPIMinEpisodes         *int              `yaml:"kpi_min_episodes"`
}

type maskingDoc struct {
	Enabled        *bool           `yaml:"enabled"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns"`
}

// Initialize loads, resolves, and validates the configuration file at path.
// This is the single entry point used by the server binary.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand {{.VAR}} environment references
//  3. Parse into the document shape
//  4. Resolve over built-in defaults (user values win)
//  5. Validate: coerce out-of-range tunables with warnings, reject fatals
func Initialize(path string) (*Config, error) {
	doc, err := loadDocument(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	cfg, err := resolve(doc)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"path", path,
		"vault_path", cfg.VaultPath,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"auth_enabled", cfg.Auth.Enabled,
		"masking_enabled", cfg.Masking.Enabled)
	return cfg, nil
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// {{.VAR}} expansion happens before parsing so env-injected values are
	// plain YAML by the time the decoder sees them.
	data = ExpandEnv(data)

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &doc, nil
}

// resolve merges the parsed document over the built-in defaults.
func resolve(doc *document) (*Config, error) {
	cfg := Default()

	if doc.VaultPath != "" {
		cfg.VaultPath = doc.VaultPath
	}
	if doc.Governance != nil {
		resolveGovernance(&cfg.Governance, doc.Governance)
	}
	if doc.LLM != nil {
		if err := mergo.Merge(&cfg.LLM, doc.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging llm config: %w", err)
		}
	}
	if doc.Auth != nil {
		cfg.Auth.Enabled = doc.Auth.Enabled
		if doc.Auth.APIKeyEnv != "" {
			cfg.Auth.APIKeyEnv = doc.Auth.APIKeyEnv
		}
	}
	if doc.Policy != nil {
		resolvePolicy(&cfg.Policy, doc.Policy)
	}
	if doc.RateLimit != nil {
		cfg.RateLimit.Models = doc.RateLimit.Models
	}
	if doc.Sentinel != nil {
		resolveSentinel(&cfg.Sentinel, doc.Sentinel)
	}
	if doc.Masking != nil {
		if doc.Masking.Enabled != nil {
			cfg.Masking.Enabled = *doc.Masking.Enabled
		}
		cfg.Masking.CustomPatterns = doc.Masking.CustomPatterns
	}
	if doc.Server != nil {
		if err := mergo.Merge(&cfg.Server, doc.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging server config: %w", err)
		}
	}
	return cfg, nil
}

func resolveGovernance(cfg *GovernanceConfig, doc *governanceDoc) {
	if doc.MaxRetries != nil {
		cfg.MaxRetries = *doc.MaxRetries
	}
	if doc.MaxConcurrentTasks != nil {
		cfg.MaxConcurrentTasks = *doc.MaxConcurrentTasks
	}
	cfg.TaskTimeout = parseDuration("governance.task_timeout", doc.TaskTimeout, cfg.TaskTimeout)
	cfg.HeartbeatInterval = parseDuration("governance.heartbeat_interval", doc.HeartbeatInterval, cfg.HeartbeatInterval)
	cfg.ApprovalTimeout = parseDuration("governance.approval_timeout", doc.ApprovalTimeout, cfg.ApprovalTimeout)
	if doc.MaxOscillations != nil {
		cfg.MaxOscillations = *doc.MaxOscillations
	}
}

func resolvePolicy(cfg *PolicyConfig, doc *policyDoc) {
	if doc.IrreversibleRequiresApproval != nil {
		cfg.IrreversibleRequiresApproval = *doc.IrreversibleRequiresApproval
	}
	cfg.TrustLevels = doc.TrustLevels
	cfg.DeniedTools = doc.DeniedTools
	cfg.DeniedActors = doc.DeniedActors
	cfg.ToolOverrides = doc.ToolOverrides
}

func resolveSentinel(cfg *SentinelConfig, doc *sentinelDoc) {
	cfg.Window = parseDuration("sentinel.window", doc.Window, cfg.Window)
	if doc.LoopThreshold != nil {
		cfg.LoopThreshold = *doc.LoopThreshold
	}
	if doc.RunawayEventsPerMinute != nil {
		cfg.RunawayEventsPerMinute = *doc.RunawayEventsPerMinute
	}
	cfg.MaxTokens = doc.MaxTokens
	cfg.MaxCostUSD = doc.MaxCostUSD
	cfg.CostPerThousandTokens = doc.CostPerThousandTokens
	cfg.FlaggedTools = doc.FlaggedTools
	if doc.Enforcements != nil {
		cfg.Enforcements = doc.Enforcements
	}
	if doc.KPIMinSuccessRate != nil {
		cfg.KPIMinSuccessRate = *doc.KPIMinSuccessRate
	}
	if doc.KPIMinEpisodes != nil {
		cfg.KPIMinEpisodes = *doc.KPIMinEpisodes
	}
}

// parseDuration parses a YAML duration string, keeping the default on empty
// or unparseable input.
func parseDuration(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", value, "default", def, "error", err)
		return def
	}
	return d
}
