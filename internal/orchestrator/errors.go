package orchestrator

import (
	"errors"

	"github.com/throw-if-null/taskrelay/internal/store"
)

// Common typed errors returned by orchestrator operations. Rejected state
// transitions are reported as *task.TransitionError.
var (
	ErrNotFound            = store.ErrNotFound
	ErrNotRunning          = errors.New("task has no live process")
	ErrInteractionNotFound = errors.New("interaction not found")
	ErrInvalid             = errors.New("invalid request")
	ErrClosed              = errors.New("orchestrator closed")
)
