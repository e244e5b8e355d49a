package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers wrap these with fmt.Errorf
// and %w and test them with errors.Is.
var (
	// ErrInvalidConfiguration is returned for malformed chunking, checkpoint
	// or service configuration. It is always raised before any external call.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotFound is returned when a checkpoint, document or turn does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateVersion is returned when creating a checkpoint whose version
	// already exists.
	ErrDuplicateVersion = errors.New("duplicate checkpoint version")

	// ErrNoActiveCheckpoint is returned when no version was given and no
	// checkpoint is active.
	ErrNoActiveCheckpoint = errors.New("no active checkpoint")

	// ErrCannotDeleteActive is returned when deleting the active checkpoint
	// without forcing.
	ErrCannotDeleteActive = errors.New("cannot delete active checkpoint")

	// ErrExternalService wraps failures of the embedding or generation service.
	ErrExternalService = errors.New("external service error")

	// ErrStorageInconsistency marks records left pending between the metadata
	// store and the vector index.
	ErrStorageInconsistency = errors.New("storage inconsistency")
)

// ErrNothingToRegenerate is returned when a checkpoint has no user turn to
// regenerate a reply for.
var ErrNothingToRegenerate = fmt.Errorf("%w: no user message to regenerate", ErrNotFound)
