package apierror

import (
	"strings"

	"github.com/tidwall/gjson"
)

const maxReasonLen = 512

// UpstreamMessage extracts the most descriptive error text from an upstream
// response body. JSON bodies are searched for the usual error fields; other
// bodies are returned trimmed and truncated.
func UpstreamMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return truncate(strings.TrimSpace(string(raw)))
	}
	for _, path := range []string{"error_description", "error.message", "message", "error", "detail"} {
		if v := gjson.GetBytes(raw, path); v.Exists() && v.Type == gjson.String {
			return truncate(v.String())
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > maxReasonLen {
		return s[:maxReasonLen]
	}
	return s
}
