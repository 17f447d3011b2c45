package alert

import "errors"

// Caller-facing error taxonomy. Lost acknowledgment races are not errors;
// they are returned as AcknowledgeResult data.
var (
	// ErrInvalidInput marks a malformed create request (bad category or
	// urgency out of range). No side effects were performed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an operation referencing an unknown alert id
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidState marks a transition that is not legal from the alert's
	// current status. No mutation was applied.
	ErrInvalidState = errors.New("invalid alert state for operation")
)
