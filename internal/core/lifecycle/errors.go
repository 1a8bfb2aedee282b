package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aki/wesd/internal/core/rundir"
)

var (
	// ErrForbidden is returned when the caller does not own the run
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidRequest is returned for submissions rejected before a run exists
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrClosed is returned by Submit after Shutdown has started
	ErrClosed = errors.New("orchestrator is shut down")

	// ErrNotFound aliases the run directory error so callers need one import
	ErrNotFound = rundir.ErrRunNotFound
)

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// BulkDeleteError reports the runs a bulk delete could not remove. Runs
// not listed were deleted.
type BulkDeleteError struct {
	Failed map[string]error
}

func (e *BulkDeleteError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("failed to delete %d run(s): %s", len(ids), strings.Join(parts, "; "))
}

func (e *BulkDeleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
