// Package masking scrubs secrets out of event payloads before they are
// sealed. Events are immutable and hash-chained; a credential that reaches
// the vault can never be removed, so masking runs on the write path, ahead
// of hashing.
//
// Masking is fail-open: a custom pattern that does not compile is logged and
// skipped, and unmaskable values pass through untouched. The event stream
// must keep flowing.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/apiaryhq/apiary/pkg/config"
)

// CompiledPattern is one active masking rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Masker applies the built-in and configured masking rules. Stateless after
// construction; safe for concurrent use.
type Masker struct {
	enabled  bool
	patterns []*CompiledPattern
}

// New compiles the built-in rules plus cfg.CustomPatterns, in that order.
func New(cfg config.MaskingConfig) *Masker {
	m := &Masker{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return m
	}

	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping", "pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{Name: p.Name, Regex: compiled, Replacement: p.Replacement})
	}
	for _, p := range cfg.CustomPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping", "pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{Name: p.Name, Regex: compiled, Replacement: p.Replacement})
	}

	slog.Info("Masking initialized", "enabled", cfg.Enabled, "patterns", len(m.patterns))
	return m
}

// Enabled reports whether any masking happens at all.
func (m *Masker) Enabled() bool { return m.enabled }

// MaskString applies every rule in order.
func (m *Masker) MaskString(s string) string {
	if !m.enabled || s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// MaskPayload walks a payload tree and masks every string value, including
// strings inside nested objects and arrays. Keys, numbers, and booleans pass
// through. The input is not mutated.
func (m *Masker) MaskPayload(payload map[string]any) map[string]any {
	if !m.enabled || len(payload) == 0 {
		return payload
	}
	masked, _ := m.maskValue(payload).(map[string]any)
	return masked
}

func (m *Masker) maskValue(v any) any {
	switch t := v.(type) {
	case string:
		return m.MaskString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = m.maskValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = m.maskValue(inner)
		}
		return out
	default:
		return v
	}
}
