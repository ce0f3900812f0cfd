package redact

import (
	"regexp"
	"slices"
	"strings"
)

// Redactor scrubs credentials from upstream payloads before they are logged or stored on a run.
type Redactor struct {
	rules   []redactionRule
	secrets []string
}

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

var defaultRules = []redactionRule{
	{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
	{re: regexp.MustCompile(`sk-(?:proj-|ant-)?[A-Za-z0-9\-_]{16,}`), label: "[REDACTED_KEY]"},
	{re: regexp.MustCompile(`gsk_[A-Za-z0-9]{20,}`), label: "[REDACTED_KEY]"},
	{re: regexp.MustCompile(`fw_[A-Za-z0-9]{20,}`), label: "[REDACTED_KEY]"},
	{re: regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), label: "[REDACTED_KEY]"},
	{re: regexp.MustCompile(`(?i)(api[_-]?key|x-api-key|token|secret)(["']?\s*[:=]\s*["']?)[^\s'",}]+`), label: "${1}${2}[REDACTED]"},
}

// New builds a redactor that also removes the given literal secrets, typically configured API keys.
func New(secrets []string) *Redactor {
	clean := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if len(secret) < 8 {
			continue
		}
		clean = append(clean, secret)
	}
	// Longest first so a key that contains another is replaced whole.
	slices.SortFunc(clean, func(a, b string) int { return len(b) - len(a) })
	return &Redactor{rules: defaultRules, secrets: clean}
}

func (r *Redactor) Apply(input string) string {
	if r == nil || input == "" {
		return input
	}
	out := input
	for _, secret := range r.secrets {
		out = strings.ReplaceAll(out, secret, "[REDACTED]")
	}
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllString(out, rule.label)
	}
	return out
}
