package config

import "fmt"

// FieldError describes a single failed validation rule.
type FieldError struct {
	Field   string
	Message string
}

// NotFoundError is returned when a (kind, id) pair has no winning record.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config: no %s named %q", e.Kind, e.ID)
}

// ErrorKind returns the error-kind tag used by the error envelope (§7).
func (e *NotFoundError) ErrorKind() string { return "ConfigNotFound" }

// InvalidError is returned when a record fails schema validation.
type InvalidError struct {
	Kind   Kind
	ID     string
	Errors []FieldError
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config: %s %q is invalid: %d field error(s)", e.Kind, e.ID, len(e.Errors))
}

func (e *InvalidError) ErrorKind() string { return "ConfigInvalid" }

// ConflictError is returned when a programmatic registration collides
// with an existing programmatic record of the same (kind, id).
type ConflictError struct {
	Kind Kind
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("config: %s %q is already registered programmatically", e.Kind, e.ID)
}

func (e *ConflictError) ErrorKind() string { return "ConfigConflict" }
