package analysis

import (
	"encoding/json"
	"fmt"
)

// FormatAPIError compacts a structured error body into "code status: message".
// Unstructured bodies (HTML error pages and the like) are truncated instead.
func FormatAPIError(raw string) string {
	var wrapper struct {
		Error struct {
			Code    int    `json:"code"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err == nil && wrapper.Error.Status != "" {
		msg := wrapper.Error.Message
		if msg == "" {
			msg = "No message"
		}
		return fmt.Sprintf("%d %s: %s", wrapper.Error.Code, wrapper.Error.Status, msg)
	}
	if len(raw) > 200 {
		return raw[:200] + "..."
	}
	return raw
}
