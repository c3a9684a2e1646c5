package engine

import "fmt"

// CustomWorkflowError wraps a failure from a custom workflow's entry
// point, whether an in-process CustomWorkflowFunc or an external plugin
// (§7 CustomWorkflowFailed). The wrapped error's chain is preserved so
// callers can still errors.As/Is through to the underlying cause.
type CustomWorkflowError struct {
	WorkflowID string
	EntryPoint string
	Err        error
}

func (e *CustomWorkflowError) Error() string {
	return fmt.Sprintf("engine: custom workflow %q (entry point %s): %v", e.WorkflowID, e.EntryPoint, e.Err)
}

func (e *CustomWorkflowError) Unwrap() error { return e.Err }

// ErrorKind returns the error-kind tag used by the error envelope (§7).
func (e *CustomWorkflowError) ErrorKind() string { return "CustomWorkflowFailed" }
