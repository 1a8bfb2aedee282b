package rundir

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when a run id does not resolve to a run directory
	ErrRunNotFound = errors.New("run not found")

	// ErrDirectoryExists is returned when a run directory is created twice
	ErrDirectoryExists = errors.New("run directory already exists")

	// ErrArtifactExists is returned when a write-once artifact is written again
	ErrArtifactExists = errors.New("artifact already written")

	// ErrInvalidRunID is returned for identifiers that are not canonical UUIDs
	ErrInvalidRunID = errors.New("invalid run id")
)

// CorruptArtifactError is returned when an artifact exists but fails to parse
type CorruptArtifactError struct {
	RunID string
	Key   string
	Err   error
}

// Error implements the error interface
func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt artifact %s for run %s: %v", e.Key, e.RunID, e.Err)
}

// Unwrap returns the underlying parse error
func (e *CorruptArtifactError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is a CorruptArtifactError
func IsCorrupt(err error) bool {
	var corrupt *CorruptArtifactError
	return errors.As(err, &corrupt)
}
