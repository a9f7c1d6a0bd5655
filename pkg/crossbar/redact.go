package crossbar

import (
	"encoding/json"
	"net/http"
	"strings"
)

const redacted = "[REDACTED]"

// maxLoggedBody caps how much of an error body is kept.
const maxLoggedBody = 512

var sensitiveKeys = map[string]bool{
	"auth_token":  true,
	"credentials": true,
	"password":    true,
	"api_key":     true,
}

var sensitiveHeaders = map[string]bool{
	"X-Auth-Token":  true,
	"Authorization": true,
	"Cookie":        true,
}

// redactHeaders flattens h for logging with secret values masked.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}

// redactBody masks secret fields of a JSON body. Bodies that are not JSON
// objects are truncated but otherwise kept.
func redactBody(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return truncate(string(body))
	}
	masked, err := json.Marshal(redactValue(v))
	if err != nil {
		return truncate(string(body))
	}
	return truncate(string(masked))
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + "..."
}
