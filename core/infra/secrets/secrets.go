// Package secrets scrubs step payloads before they leave the process.
package secrets

import (
	"encoding/json"
	"strings"
)

const (
	secretPrefix = "secret://"
	// Placeholder replaces every redacted value.
	Placeholder = "<redacted>"
)

// sensitiveKeys are matched case-insensitively against the normalized key,
// with "-" and "_" removed.
var sensitiveKeys = []string{"password", "passwd", "secret", "token", "apikey", "privatekey", "credential"}

// Redact returns a copy of value with secret references and values under
// sensitive keys replaced by Placeholder. Structs are redacted through their
// JSON form. The bool reports whether anything was replaced; when nothing
// was, value is returned as given.
func Redact(value any) (any, bool) {
	out, changed := redact(normalize(value))
	if !changed {
		return value, false
	}
	return out, true
}

// RedactJSON redacts a JSON payload.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := redact(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}

func normalize(value any) any {
	switch value.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any, map[string]string, []string:
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

func sensitive(key string) bool {
	k := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redact(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(strings.TrimSpace(v), secretPrefix) {
			return Placeholder, true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if sensitive(k) && child != nil && child != "" {
				changed = true
				out[k] = Placeholder
				continue
			}
			red, childChanged := redact(child)
			changed = changed || childChanged
			out[k] = red
		}
		return out, changed
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, child := range v {
			m[k] = child
		}
		return redact(m)
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child)
			changed = changed || childChanged
			out[i] = red
		}
		return out, changed
	case []string:
		l := make([]any, len(v))
		for i, child := range v {
			l[i] = child
		}
		return redact(l)
	default:
		return v, false
	}
}
