// SPDX-License-Identifier: Apache-2.0

package policy

import "regexp"

// Redactor strips sensitive values from text and payloads before anything is
// persisted or logged. The default patterns are conservative and
// high-precision.
type Redactor struct {
	patterns []*regexp.Regexp
}

const redactedMark = "[REDACTED]"

var defaultRedactPatterns = []string{
	`(?i)api[_-]?key\s*[:=]\s*\S+`,
	`(?i)authorization\s*[:=]\s*\S+`,
	`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`,
	`sk-[A-Za-z0-9]{20,}`,
	`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`,
	`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`,
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// WithRedactPattern adds a custom pattern. Invalid patterns are ignored.
func WithRedactPattern(pattern string) RedactorOption {
	return func(r *Redactor) {
		if re, err := regexp.Compile(pattern); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
}

// NewRedactor creates a redactor with the default pattern set.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{}
	for _, p := range defaultRedactPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Text replaces every sensitive match in s.
func (r *Redactor) Text(s string) string {
	out := s
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, redactedMark)
	}
	return out
}

// Payload walks a payload and redacts every string value, recursing into
// nested maps and slices. Non-string values pass through untouched.
func (r *Redactor) Payload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch vv := v.(type) {
	case string:
		return r.Text(vv)
	case map[string]any:
		return r.Payload(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}
