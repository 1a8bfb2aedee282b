package state

// Status represents the lifecycle state of a workflow run
type Status string

// Status constants follow the GA4GH WES State enum
const (
	// StatusUnknown is reported when no state has been recorded
	StatusUnknown Status = "UNKNOWN"

	// StatusQueued indicates the run was accepted but not yet initialized
	StatusQueued Status = "QUEUED"

	// StatusInitializing indicates attachments are being staged before fork
	StatusInitializing Status = "INITIALIZING"

	// StatusRunning indicates the engine process is executing
	StatusRunning Status = "RUNNING"

	// StatusPaused is part of the WES enum; runs never enter it here
	StatusPaused Status = "PAUSED"

	// StatusComplete indicates the engine exited with status zero
	StatusComplete Status = "COMPLETE"

	// StatusExecutorError indicates the engine failed or could not be launched
	StatusExecutorError Status = "EXECUTOR_ERROR"

	// StatusSystemError indicates the run was lost by the service itself
	StatusSystemError Status = "SYSTEM_ERROR"

	// StatusCanceled indicates the run was terminated by request
	StatusCanceled Status = "CANCELED"

	// StatusCanceling indicates termination was requested but not yet confirmed
	StatusCanceling Status = "CANCELING"

	// StatusPreempted is part of the WES enum; runs never enter it here
	StatusPreempted Status = "PREEMPTED"

	// StatusDeleting indicates the run contents are being purged
	StatusDeleting Status = "DELETING"

	// StatusDeleted indicates only the tombstone of the run remains
	StatusDeleted Status = "DELETED"
)

// All lists every status in declaration order
var All = []Status{
	StatusUnknown,
	StatusQueued,
	StatusInitializing,
	StatusRunning,
	StatusPaused,
	StatusComplete,
	StatusExecutorError,
	StatusSystemError,
	StatusCanceled,
	StatusCanceling,
	StatusPreempted,
	StatusDeleting,
	StatusDeleted,
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Parse converts the text form of a status, reporting whether it is known
func Parse(s string) (Status, bool) {
	for _, st := range All {
		if string(st) == s {
			return st, true
		}
	}
	return StatusUnknown, false
}

// IsTerminal returns true if the status has no outgoing transition except to deletion
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusExecutorError, StatusSystemError, StatusCanceled, StatusPreempted, StatusDeleted:
		return true
	case StatusUnknown, StatusQueued, StatusInitializing, StatusRunning, StatusPaused, StatusCanceling, StatusDeleting:
		return false
	}
	return false
}

// IsActive returns true if the run may still have, or be about to have, a live engine process
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusInitializing, StatusRunning, StatusPaused, StatusCanceling:
		return true
	}
	return false
}

// IsCancelable returns true if a cancel request has any effect in this status
func (s Status) IsCancelable() bool {
	switch s {
	case StatusQueued, StatusInitializing, StatusRunning:
		return true
	}
	return false
}

// allowedTransitions defines the valid state transitions.
// DELETING is reachable from every status and is added in CanTransitionTo.
var allowedTransitions = map[Status][]Status{
	StatusUnknown:      {StatusQueued, StatusSystemError},
	StatusQueued:       {StatusInitializing, StatusCanceling, StatusExecutorError, StatusSystemError},
	StatusInitializing: {StatusRunning, StatusCanceling, StatusExecutorError, StatusSystemError},
	StatusRunning:      {StatusComplete, StatusExecutorError, StatusSystemError, StatusCanceling},
	StatusCanceling:    {StatusCanceled},
	StatusDeleting:     {StatusDeleted},
	// Terminal states only leave through DELETING
	StatusComplete:      {},
	StatusExecutorError: {},
	StatusSystemError:   {},
	StatusCanceled:      {},
	StatusPreempted:     {},
	StatusPaused:        {},
	StatusDeleted:       {},
}

// CanTransitionTo checks if a transition to the target status is allowed
func (s Status) CanTransitionTo(target Status) bool {
	if target == StatusDeleting {
		return s != StatusDeleting && s != StatusDeleted
	}

	allowed, exists := allowedTransitions[s]
	if !exists {
		return false
	}

	for _, validTarget := range allowed {
		if validTarget == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is not allowed
func ValidateTransition(from, to Status) error {
	if from == to {
		return &ErrAlreadyInState{State: from}
	}
	if !from.CanTransitionTo(to) {
		return &ErrInvalidTransition{
			From: from,
			To:   to,
		}
	}
	return nil
}
