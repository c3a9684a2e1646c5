package modelclient

import (
	"encoding/json"
	"fmt"
)

// FailedError wraps a provider-level failure (§7 ModelClientFailed).
// Retryable marks transient failures (e.g. HTTP 429/5xx); the adapter
// itself retries those once before surfacing a FailedError, per §4.4.
type FailedError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("modelclient: %s call failed: %v", e.Provider, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) ErrorKind() string { return "ModelClientFailed" }

// parseToolInput best-effort decodes an accumulated tool_use_input_delta
// JSON fragment. An incomplete or malformed fragment yields an empty map
// rather than failing the whole message assembly.
func parseToolInput(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}
