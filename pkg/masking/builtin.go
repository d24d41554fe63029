package masking

// Pattern is one masking rule: whatever the regex matches is replaced before
// the event is sealed, so secrets never reach the hash or the disk.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
}

// builtinPatterns is the default rule set, applied in order. Deliberately
// absent: bare base64 sweeps, which eat legitimate hashes and ids that task
// results are full of.
var builtinPatterns = []Pattern{
	{
		Name:        "api_key",
		Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
		Replacement: `api_key=__MASKED_API_KEY__`,
	},
	{
		Name:        "password",
		Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `password=__MASKED_PASSWORD__`,
	},
	{
		Name:        "certificate",
		Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `__MASKED_CERTIFICATE__`,
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`,
		Replacement: `token=__MASKED_TOKEN__`,
	},
	{
		Name:        "email",
		Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
		Replacement: `__MASKED_EMAIL__`,
	},
	{
		Name:        "ssh_key",
		Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `__MASKED_SSH_KEY__`,
	},
	{
		Name:        "private_key",
		Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{16,})["']?`,
		Replacement: `private_key=__MASKED_PRIVATE_KEY__`,
	},
	{
		Name:        "secret_key",
		Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{16,})["']?`,
		Replacement: `secret_key=__MASKED_SECRET_KEY__`,
	},
	{
		Name:        "aws_access_key",
		Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
		Replacement: `__MASKED_AWS_KEY__`,
	},
	{
		Name:        "github_token",
		Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
		Replacement: `__MASKED_GITHUB_TOKEN__`,
	},
	{
		Name:        "slack_token",
		Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		Replacement: `__MASKED_SLACK_TOKEN__`,
	},
}
