package logging

import (
	"regexp"
)

// Sanitizer redacts credentials from log messages and report fields.
// Crash reports embed environment-derived tags, endpoint URLs and raw file
// contents, so the same rules apply to them before they leave the host.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Datadog API key (32 hex) and application key (40 hex) next to a hint
		`(?i)(dd[_-]?)?api[_-]?key["'\s:=]+[a-f0-9]{32}\b`,
		`(?i)(dd[_-]?)?app(lication)?[_-]?key["'\s:=]+[a-f0-9]{40}\b`,
		// HTTP header form
		`(?i)dd-api-key:\s*\S+`,
		// Credentials embedded in URLs
		`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@`,
		// AWS Access Key
		`AKIA[0-9A-Z]{16}`,
		// Generic Bearer tokens
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// Generic API keys
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		// Generic secrets
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		// Generic passwords
		`(?i)password["'\s:=]+[^\s"']{8,}`,
		// Generic tokens
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

// SanitizeTags returns a copy of tags with every value sanitized.
func (s *Sanitizer) SanitizeTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = s.Sanitize(v)
	}
	return out
}

// SanitizeLines sanitizes every line in place.
func (s *Sanitizer) SanitizeLines(lines []string) {
	for i, line := range lines {
		lines[i] = s.Sanitize(line)
	}
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
