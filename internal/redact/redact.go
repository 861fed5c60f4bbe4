// Package redact masks credentials before text reaches logs or the trace
// store. Raw backend responses are never passed through here; they are
// stored verbatim and hashed.
package redact

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Mask replaces the hidden part of a secret.
const Mask = "***"

var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-(?:proj-|ant-)?[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`gh[pous]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{5,}\.eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
}

var sensitiveKeys = []string{
	"pass", "secret", "token", "api_key", "api-key", "apikey", "credential",
	"authorization", "auth", "private", "signature",
}

// Partial keeps the first and last four characters of s. Strings of ten
// characters or fewer are fully masked.
func Partial(s string) string {
	if len(s) <= 10 {
		return Mask
	}
	return s[:4] + Mask + s[len(s)-4:]
}

// String masks every recognised token in s, leaving the rest intact.
func String(s string) string {
	for _, re := range tokenPatterns {
		s = re.ReplaceAllStringFunc(s, Partial)
	}
	return s
}

// SensitiveKey reports whether a field named key holds a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// JSON masks values under sensitive keys and tokens inside strings.
// Input that does not parse is masked as a plain string.
func JSON(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(String(string(raw)))
	}
	out, err := json.Marshal(value(v))
	if err != nil {
		return raw
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if SensitiveKey(k) {
				t[k] = Mask
				continue
			}
			t[k] = value(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = value(t[i])
		}
		return t
	case string:
		return String(t)
	default:
		return v
	}
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook that masks
// sensitive attributes.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		if a.Value.Kind() == slog.KindAny {
			if err, ok := a.Value.Any().(error); ok {
				return slog.String(a.Key, String(err.Error()))
			}
		}
		return a
	}
	if SensitiveKey(a.Key) {
		return slog.String(a.Key, Mask)
	}
	return slog.String(a.Key, String(a.Value.String()))
}
