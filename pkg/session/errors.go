package session

import (
	"fmt"
	"strings"
)

// NotFoundError is returned when no session matches the given id, exactly
// or by a unique base_id match.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: no session %q", e.SessionID)
}

func (e *NotFoundError) ErrorKind() string { return "SessionNotFound" }

// AmbiguousPartialIDError is returned when a partial lookup by base_id
// matches more than one session (§4.2 get()).
type AmbiguousPartialIDError struct {
	SessionID  string
	Candidates []string // up to 5
}

func (e *AmbiguousPartialIDError) Error() string {
	return fmt.Sprintf("session: %q matches multiple sessions: %s", e.SessionID, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousPartialIDError) ErrorKind() string { return "AmbiguousPartialId" }
