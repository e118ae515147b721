package logging

import (
	"regexp"
	"strings"
)

// Sanitizer redacts credentials from log messages and captured process
// command lines.
type Sanitizer struct {
	patterns  []*regexp.Regexp
	flagNames []string
	redacted  string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns:  defaultPatterns(),
		flagNames: []string{"password", "passwd", "secret", "token", "api-key", "api_key", "apikey", "key-passphrase"},
		redacted:  "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// GitHub tokens
		`gh[pousr]_[A-Za-z0-9]{36}`,
		// AWS Access Key
		`AKIA[0-9A-Z]{16}`,
		// Slack tokens
		`xox[baprs]-[0-9a-zA-Z-]{10,}`,
		// Bearer tokens
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// PEM private key bodies
		`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		// URL userinfo passwords
		`://[^/\s:@]+:[^/\s@]+@`,
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
		`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SanitizeArgs redacts a process argument vector. Values of sensitive
// flags are replaced whether given as --flag=value or --flag value.
func (s *Sanitizer) SanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		if redactNext {
			out[i] = s.redacted
			redactNext = false
			continue
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if strings.HasPrefix(arg, "-") && s.sensitiveFlag(name) {
			if hasValue {
				out[i] = arg[:strings.IndexByte(arg, '=')+1] + s.redacted
			} else {
				out[i] = arg
				redactNext = true
			}
			continue
		}
		out[i] = s.Sanitize(arg)
	}
	return out
}

func (s *Sanitizer) sensitiveFlag(name string) bool {
	name = strings.ToLower(name)
	for _, f := range s.flagNames {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}

// SetRedactedPlaceholder sets the placeholder text for redacted content.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
