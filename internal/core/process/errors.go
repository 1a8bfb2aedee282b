package process

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when no live engine process belongs to a run
	ErrProcessNotFound = errors.New("process not found")

	// ErrInvalidCommand is returned when the engine command is empty
	ErrInvalidCommand = errors.New("invalid command")

	// ErrCanceledBeforeFork is returned by Fork when a cancel request won the
	// race against the fork; the engine was never started
	ErrCanceledBeforeFork = errors.New("run canceled before fork")

	// ErrNotSupported is returned on platforms without process groups
	ErrNotSupported = errors.New("operation not supported on this platform")
)

// ForkError is returned when the engine command could not be launched
type ForkError struct {
	Command []string
	Err     error
}

// Error implements the error interface
func (e *ForkError) Error() string {
	return fmt.Sprintf("failed to launch %v: %v", e.Command, e.Err)
}

// Unwrap returns the underlying launch error
func (e *ForkError) Unwrap() error {
	return e.Err
}
