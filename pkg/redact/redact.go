// Package redact scrubs secrets from argument and metadata trees before they
// reach policy evaluation, approval display, or hashing.
//
// Redaction is deterministic, idempotent, and structure-preserving. It runs
// exactly once, at context construction; nothing downstream of the engine
// ever observes pre-redaction data.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Sentinel replaces every redacted value.
const Sentinel = "[REDACTED]"

// Key denylist. Matching is case-insensitive substring.
var sensitiveKeyTerms = []string{
	"password",
	"passwd",
	"secret",
	"api_key",
	"apikey",
	"token",
	"authorization",
	"auth",
	"access_key",
	"private_key",
	"session",
	"cookie",
	"bearer",
}

var (
	// sk-/pk- style provider keys and Slack tokens, length-gated below.
	secretPrefixRe = regexp.MustCompile(`^(sk-|pk-|xox[baprs]-)`)

	base64urlSegmentRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// SensitiveKey reports whether a mapping key is on the denylist.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// SensitiveValue reports whether a string value matches one of the secret
// heuristics: JWT shape, known secret prefixes, PEM blocks, or the generic
// high-entropy rule.
func SensitiveValue(value string) bool {
	s := strings.TrimSpace(value)
	if s == "" {
		return false
	}
	if looksLikeJWT(s) {
		return true
	}
	if secretPrefixRe.MatchString(s) && len(s) >= 20 {
		return true
	}
	if strings.Contains(s, "-----BEGIN") {
		return true
	}
	return highEntropy(s)
}

// looksLikeJWT flags any token-shaped value: three non-empty base64url
// segments separated by dots. The length gate spares short dotted words
// ("a.b.c", version strings) without letting a real signed token through.
func looksLikeJWT(s string) bool {
	if len(s) < 24 {
		return false
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || !base64urlSegmentRe.MatchString(p) {
			return false
		}
	}
	return true
}

// highEntropy flags opaque credential-like strings: at least 32 characters,
// no whitespace, and drawing on three or more character classes.
func highEntropy(s string) bool {
	if len(s) < 32 {
		return false
	}
	var upper, lower, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			return false
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, c := range []bool{upper, lower, digit, other} {
		if c {
			classes++
		}
	}
	return classes >= 3
}

// Value redacts a single value. key is the mapping key it was found under,
// or empty for positional/sequence elements. Safe primitives pass through
// unchanged so policies can still compare numbers and strings.
func Value(key string, value any) any {
	if key != "" && SensitiveKey(key) {
		return Sentinel
	}

	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		return v
	case string:
		if v == Sentinel {
			return Sentinel
		}
		if SensitiveValue(v) {
			return Sentinel
		}
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	case json.Number:
		return v
	case float32, float64:
		// Canonicalization rejects binary floats later with a clearer error;
		// pass through so the refusal is surfaced, not silently coerced.
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Value("", item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Value(k, item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Value(k, item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Value("", item)
		}
		return out
	}
	// Opaque non-JSON values are replaced with a deterministic, non-leaky
	// type placeholder.
	return fmt.Sprintf("<%T>", value)
}

// Args redacts a positional argument list.
func Args(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = Value("", a)
	}
	return out
}

// Kwargs redacts a keyword argument mapping.
func Kwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = Value(k, v)
	}
	return out
}
