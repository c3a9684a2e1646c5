package turnloop

import "fmt"

// MaxIterationsError reports that a run exhausted its iteration budget
// without reaching a final turn (§7 MaxIterationsReached).
type MaxIterationsError struct {
	MaxIterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("turnloop: exceeded max_iterations (%d) without a final turn", e.MaxIterations)
}

func (e *MaxIterationsError) ErrorKind() string { return "MaxIterationsReached" }
