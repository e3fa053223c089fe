// Package security scrubs credentials out of text before it is logged.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	botTokenPattern   = regexp.MustCompile(`\b\d{5,12}:[A-Za-z0-9_-]{30,}\b`)
	botURLPattern     = regexp.MustCompile(`(/bot)[^/\s]+(/)`)
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// Redactor removes known secrets and secret-looking values from strings.
// The zero value applies the pattern rules only.
type Redactor struct {
	secrets []string
}

// NewRedactor returns a Redactor that also removes each literal secret, such
// as the configured bot token. Empty secrets are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

func (r *Redactor) Redact(input string) string {
	if input == "" {
		return ""
	}
	out := input
	if r != nil {
		for _, s := range r.secrets {
			out = strings.ReplaceAll(out, s, marker)
		}
	}
	out = pemBlockPattern.ReplaceAllString(out, "[REDACTED_PRIVATE_KEY]")
	out = botURLPattern.ReplaceAllString(out, "${1}"+marker+"${2}")
	out = botTokenPattern.ReplaceAllString(out, marker)
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + " " + marker
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	return out
}
