// Package security sanitizes vehicle status text before it reaches
// operator surfaces. Companion computers forward shell and service
// output verbatim, which can carry credentials (stream URLs, wifi
// passwords, API tokens) and terminal control sequences.
package security

import (
	"regexp"
	"strings"
)

const maxStatusTextLen = 512

var (
	secretKeyExpr   = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlCredPattern  = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@]+@`)
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
)

// SanitizeStatusText strips control sequences, caps the length, and
// masks credential-shaped substrings.
func SanitizeStatusText(input string) string {
	if input == "" {
		return ""
	}
	out := ansiPattern.ReplaceAllString(input, "")
	out = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, out)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlCredPattern.ReplaceAllString(out, "${1}[REDACTED]@")
	out = strings.TrimSpace(out)
	if len(out) > maxStatusTextLen {
		out = out[:maxStatusTextLen]
	}
	return out
}
