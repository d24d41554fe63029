package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment references in YAML content using Go template
// syntax, {{.VAR_NAME}}, instead of $VAR.
//
// The $-free syntax matters here because masking custom_patterns are regular
// expressions where $ is an anchor, and denied-tool names or passwords may
// contain literal $ characters. With templates those pass through untouched:
//
//   - {{.OPENAI_API_KEY}} → value of OPENAI_API_KEY
//   - pattern: "^secret.*$" → preserved literally
//
// Missing variables expand to empty strings; validation rejects required
// fields that end up empty. Malformed templates return the input unchanged
// so the YAML parser can produce the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
