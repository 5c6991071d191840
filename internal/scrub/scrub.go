// Package scrub redacts sensitive material from probe output before it
// leaves the agent. A fixed default pattern set covers env-style secrets,
// URL passwords, and bearer tokens; object keys with sensitive names have
// their whole value replaced.
package scrub

import "regexp"

// Redacted is the replacement text for matched segments and values.
const Redacted = "[REDACTED]"

// sensitiveKey matches object keys whose values must be redacted wholesale.
var sensitiveKey = regexp.MustCompile(`(?i)password|secret|token|api[_-]?key`)

// pattern pairs a regexp with its replacement template.
type pattern struct {
	re   *regexp.Regexp
	repl string
}

// defaultPatterns is applied to every string, in order.
var defaultPatterns = []pattern{
	// Env-style assignments: FOO_PASSWORD=..., API_KEY=..., SECRET=...
	{regexp.MustCompile(`(?m)^([A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API[_-]?KEY))=(.*)$`), "$1=" + Redacted},
	// URL user-info: proto://user:pw@host — the user is retained.
	{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+):([^@/\s]+)@`), "$1:" + Redacted + "@"},
	// Bearer tokens in headers or logs.
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer " + Redacted},
}

// Scrubber applies the default pattern set plus any custom patterns.
type Scrubber struct {
	patterns []pattern
}

// New builds a scrubber. Custom patterns extend the default set; entries
// that fail to compile are silently skipped.
func New(custom ...string) *Scrubber {
	s := &Scrubber{patterns: append([]pattern(nil), defaultPatterns...)}
	for _, raw := range custom {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, pattern{re: re, repl: Redacted})
	}
	return s
}

// Scrub walks a decoded JSON value and returns the redacted form.
// Strings have every pattern applied in order; map values under sensitive
// keys are replaced outright; arrays recurse per element; numbers,
// booleans, and null pass through unchanged.
func (s *Scrubber) Scrub(v any) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = Redacted
				continue
			}
			out[k] = s.Scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.Scrub(val)
		}
		return out
	default:
		return v
	}
}

// String applies every pattern in order to one string.
func (s *Scrubber) String(in string) string {
	out := in
	for _, p := range s.patterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}
