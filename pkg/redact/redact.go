// Package redact scrubs sensitive parameter and return values before they
// are written to a ledger entry or passed to a policy for evaluation.
package redact

import (
	"regexp"
	"strings"
	"unicode"
)

const Mask = "[REDACTED]"

// deniedKeySubstrings match case-insensitively against map keys at any
// depth. A key matching any entry is fully masked regardless of its value.
var deniedKeySubstrings = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"private_key", "privatekey", "credential", "auth", "session",
	"ssn", "social_security", "credit_card", "card_number", "cvv",
	"access_key", "client_secret", "cookie", "bearer",
}

var (
	jwtPattern       = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)
	apiKeyPattern    = regexp.MustCompile(`\b(sk|pk|xox[baprs])-[A-Za-z0-9_-]{16,}\b`)
	pemBlockPattern  = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`)
	highEntropyToken = regexp.MustCompile(`\b[A-Za-z0-9+/_=-]{32,}\b`)
)

// Redactor scrubs values recursively. It is pure, deterministic, and
// idempotent: redacting an already-redacted tree is a no-op.
type Redactor struct {
	deniedKeys []string
}

// New returns a Redactor with the default key denylist plus any caller
// supplied additions.
func New(extraDeniedKeys ...string) *Redactor {
	keys := make([]string, 0, len(deniedKeySubstrings)+len(extraDeniedKeys))
	keys = append(keys, deniedKeySubstrings...)
	for _, k := range extraDeniedKeys {
		keys = append(keys, strings.ToLower(k))
	}
	return &Redactor{deniedKeys: keys}
}

// Redact returns a redacted copy of v. Supported shapes are the ones that
// survive an encoding/json round trip: map[string]interface{},
// []interface{}, string, and scalar types, which pass through unchanged.
func (r *Redactor) Redact(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if r.keyDenied(k) {
				out[k] = Mask
				continue
			}
			out[k] = r.Redact(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.Redact(val)
		}
		return out
	case string:
		return r.redactString(t)
	default:
		return v
	}
}

func (r *Redactor) keyDenied(key string) bool {
	lower := strings.ToLower(key)
	for _, denied := range r.deniedKeys {
		if strings.Contains(lower, denied) {
			return true
		}
	}
	return false
}

func (r *Redactor) redactString(s string) string {
	if pemBlockPattern.MatchString(s) {
		s = pemBlockPattern.ReplaceAllString(s, Mask)
	}
	if jwtPattern.MatchString(s) {
		s = jwtPattern.ReplaceAllString(s, Mask)
	}
	if apiKeyPattern.MatchString(s) {
		s = apiKeyPattern.ReplaceAllString(s, Mask)
	}
	s = highEntropyToken.ReplaceAllStringFunc(s, func(match string) string {
		if match == Mask {
			return match
		}
		if looksHighEntropy(match) {
			return Mask
		}
		return match
	})
	return s
}

// looksHighEntropy applies a cheap heuristic: a run of 32+ characters
// mixing at least three of {lower, upper, digit, symbol} classes with no
// repeated-character runs longer than 2 is treated as an opaque token
// rather than prose.
func looksHighEntropy(s string) bool {
	if len(s) < 32 {
		return false
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	classes := 0
	maxRun, run := 1, 1
	for i, r := range s {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
		if i > 0 && rune(s[i-1]) == r {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 1
		}
	}
	for _, present := range []bool{hasLower, hasUpper, hasDigit, hasSymbol} {
		if present {
			classes++
		}
	}
	return classes >= 3 && maxRun <= 2
}

// Validate reports restricted top-level keys without modifying data,
// mirroring the denylist used by Redact but returning violations instead
// of a scrubbed copy.
func (r *Redactor) Validate(data map[string]interface{}) (bool, []string) {
	var violations []string
	for key := range data {
		if r.keyDenied(key) {
			violations = append(violations, "restricted key: "+key)
		}
	}
	return len(violations) == 0, violations
}
