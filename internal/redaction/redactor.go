// Package redaction masks personally identifiable and secret material
// out of agent traffic before it is written to a trace or matched by
// the Semantic Firewall's PII confirmation stage. Every pattern here
// operates on a request/response body that has already been treated as
// an opaque blob elsewhere in the pipeline — this package is the one
// place that actually looks inside it.
package redaction

import (
	"regexp"
	"sync"
)

// Redactor masks sensitive substrings out of a blob of text.
type Redactor interface {
	Redact(content string) string
}

// Pattern pairs a named, precompiled regex with the literal text that
// replaces each match.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// BodyRedactor is a Redactor built from an ordered Pattern table. It
// backs both the firewall's PII confirmation stage (via
// PIIConfirmationPatterns/FirstMatch) and, when an org's policy sets
// pii_masking_enabled, the Flight Recorder's persisted trace bodies.
type BodyRedactor struct {
	mu       sync.RWMutex
	patterns []Pattern
	enabled  bool
}

// piiPatternTable is the full catalogue of sensitive substrings this
// package knows how to mask in LLM request/response traffic: personal
// identifiers first, then credentials and tokens commonly echoed back
// by an agent relaying tool output or a misconfigured prompt.
func piiPatternTable() []Pattern {
	return []Pattern{
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "ssn",
			Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "phone_us",
			Regex:       regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			Replacement: "[REDACTED_PHONE]",
		},
		{
			Name:        "api_key_bearer",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{20,})`),
			Replacement: "$1[REDACTED_TOKEN]",
		},
		{
			Name:        "api_key_sk",
			Regex:       regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
			Replacement: "[REDACTED_API_KEY]",
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`(?i)(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
		{
			Name:        "api_key_generic",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)[:\s=]["']?([a-zA-Z0-9_.-]{16,})["']?`),
			Replacement: "$1=[REDACTED_KEY]",
		},
		{
			Name:        "password_json",
			Regex:       regexp.MustCompile(`(?i)"(password|passwd|pwd)":\s*"([^"]{4,})"`),
			Replacement: `"$1": "[REDACTED_PASSWORD]"`,
		},
		{
			Name:        "password_field",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)[\s]*[=:][\s]*["']?([^\s"',}]{4,})["']?`),
			Replacement: "$1=[REDACTED_PASSWORD]",
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED_JWT]",
		},
		{
			Name:        "base64_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|private[_-]?key)[:\s=]["']?([A-Za-z0-9+/]{40,}={0,2})["']?`),
			Replacement: "$1=[REDACTED_SECRET]",
		},
		{
			Name:        "ip_address",
			Regex:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Replacement: "[REDACTED_IP]",
		},
	}
}

// NewPatternRedactor builds a BodyRedactor over the full PII/secret
// pattern table, enabled by default.
func NewPatternRedactor() *BodyRedactor {
	return &BodyRedactor{patterns: piiPatternTable(), enabled: true}
}

// AddPattern registers an additional pattern, e.g. an org-specific
// identifier format a policy wants masked on top of the built-ins.
func (r *BodyRedactor) AddPattern(name, pattern, replacement string) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, Pattern{Name: name, Regex: regex, Replacement: replacement})
	return nil
}

// SetEnabled turns masking on or off without discarding the pattern table.
func (r *BodyRedactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled reports whether this redactor currently masks content.
func (r *BodyRedactor) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Redact applies every registered pattern, in table order, to content.
func (r *BodyRedactor) Redact(content string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled {
		return content
	}
	out := content
	for _, p := range r.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// RedactMap walks a decoded JSON body (map/slice/scalar) and masks
// every string value it finds, which is how the recorder treats a
// request or response body as opaque data while still redacting the
// text fields an upstream schema happens to carry.
func (r *BodyRedactor) RedactMap(data map[string]interface{}) map[string]interface{} {
	if !r.IsEnabled() {
		return data
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *BodyRedactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]interface{}:
		return r.RedactMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = r.redactValue(e)
		}
		return out
	default:
		return v
	}
}

// NoopRedactor is a Redactor that leaves content untouched.
type NoopRedactor struct{}

// Redact returns content unchanged.
func (r *NoopRedactor) Redact(content string) string { return content }

// PIIConfirmationPatterns is the ordered subset consulted by the
// Semantic Firewall's PII confirmation stage: email, SSN, credit card,
// phone, common API-key prefixes, AWS access keys. Order matters — the
// firewall denies on the first match and derives its reason from the
// pattern name.
func PIIConfirmationPatterns() []Pattern {
	wanted := map[string]bool{
		"email": true, "ssn": true, "credit_card": true, "phone_us": true,
		"api_key_bearer": true, "api_key_sk": true, "aws_access_key": true,
	}
	var out []Pattern
	for _, p := range piiPatternTable() {
		if wanted[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// FirstMatch returns the name and matched text of the first pattern (in
// order) that matches content, or ok=false if none match.
func FirstMatch(patterns []Pattern, content string) (name, text string, ok bool) {
	for _, p := range patterns {
		if m := p.Regex.FindString(content); m != "" {
			return p.Name, m, true
		}
	}
	return "", "", false
}
