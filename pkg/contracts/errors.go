package contracts

import "errors"

// Core error taxonomy. Each kind is a sentinel; packages wrap them with
// context via fmt.Errorf("...: %w", ...) and callers test with errors.Is.
var (
	// ErrValidation marks a malformed trigger, vote, or signature request.
	// Rejected synchronously, never with a side effect.
	ErrValidation = errors.New("validation failed")

	// ErrCollaboratorTimeout marks an external call that exceeded its bound.
	// Non-fatal for review gates (degraded quorum), fatal for training.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")

	// ErrCycleInProgress is returned by a trigger while any cycle is in a
	// non-terminal stage.
	ErrCycleInProgress = errors.New("cycle already in progress")
)
