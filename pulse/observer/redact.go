package observer

import (
	"encoding/json"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

var textPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(password|pwd)\s*=\s*[^\s;]+`), "${1}=" + redacted},
	{regexp.MustCompile(`(?i)(server|data source)\s*=\s*[^\s;]+`), "${1}=" + redacted},
	{regexp.MustCompile(`(?i)(user id|uid)\s*=\s*[^\s;]+`), "${1}=" + redacted},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_\.]+`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]{8,}`), "Basic " + redacted},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*[a-zA-Z0-9\-_]{16,}`), "${1}=" + redacted},
	{regexp.MustCompile(`(?i)AccountKey\s*=\s*[a-zA-Z0-9+/=]+`), "AccountKey=" + redacted},
	{regexp.MustCompile(`(?i)SharedAccessKey\s*=\s*[a-zA-Z0-9+/=]+`), "SharedAccessKey=" + redacted},
	{regexp.MustCompile(`(?i)\bsig\s*=\s*[a-zA-Z0-9%+/=]+`), "sig=" + redacted},
	{regexp.MustCompile(`(?i)(client[_-]?secret)\s*[=:]\s*[a-zA-Z0-9\-_~\.]{20,}`), "${1}=" + redacted},
}

// sensitiveKeys are JSON object keys whose values are masked, compared
// lower-cased with '-' folded to '_'.
var sensitiveKeys = map[string]bool{
	"password":          true,
	"pwd":               true,
	"secret":            true,
	"client_secret":     true,
	"token":             true,
	"access_token":      true,
	"refresh_token":     true,
	"api_key":           true,
	"apikey":            true,
	"authorization":     true,
	"connection_string": true,
	"x_functions_key":   true,
}

// Redact masks credentials embedded in free text: connection-string parts,
// bearer and basic tokens, API keys and SAS signatures.
func Redact(text string) string {
	for _, p := range textPatterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	return text
}

// RedactJSON masks the values of sensitive keys anywhere in a JSON document
// and applies Redact to every remaining string. Input that is not JSON is
// treated as text.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		out, _ := json.Marshal(Redact(string(raw)))
		return out
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return raw
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if isSensitiveKey(k) {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	case string:
		return Redact(t)
	}
	return v
}

func isSensitiveKey(k string) bool {
	return sensitiveKeys[strings.ReplaceAll(strings.ToLower(k), "-", "_")]
}
