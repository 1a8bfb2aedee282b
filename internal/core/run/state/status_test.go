package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusUnknown, false},
		{StatusQueued, false},
		{StatusInitializing, false},
		{StatusRunning, false},
		{StatusCanceling, false},
		{StatusDeleting, false},
		{StatusComplete, true},
		{StatusExecutorError, true},
		{StatusSystemError, true},
		{StatusCanceled, true},
		{StatusDeleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStatus_IsCancelable(t *testing.T) {
	for _, s := range All {
		want := s == StatusQueued || s == StatusInitializing || s == StatusRunning
		assert.Equal(t, want, s.IsCancelable(), s.String())
	}
}

func TestParse(t *testing.T) {
	for _, s := range All {
		got, ok := Parse(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}

	got, ok := Parse("running")
	assert.False(t, ok)
	assert.Equal(t, StatusUnknown, got)
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"submit", StatusUnknown, StatusQueued, false},
		{"initialize", StatusQueued, StatusInitializing, false},
		{"fork", StatusInitializing, StatusRunning, false},
		{"complete", StatusRunning, StatusComplete, false},
		{"engine failure", StatusRunning, StatusExecutorError, false},
		{"fetch failure", StatusInitializing, StatusExecutorError, false},
		{"cancel queued", StatusQueued, StatusCanceling, false},
		{"cancel running", StatusRunning, StatusCanceling, false},
		{"confirm cancel", StatusCanceling, StatusCanceled, false},
		{"delete terminal", StatusComplete, StatusDeleting, false},
		{"delete active", StatusRunning, StatusDeleting, false},
		{"purge", StatusDeleting, StatusDeleted, false},
		{"resurrect deleted", StatusDeleted, StatusRunning, true},
		{"overwrite terminal", StatusComplete, StatusExecutorError, true},
		{"cancel terminal", StatusComplete, StatusCanceling, true},
		{"canceling completes", StatusCanceling, StatusComplete, true},
		{"skip initializing", StatusQueued, StatusRunning, true},
		{"delete twice", StatusDeleting, StatusDeleting, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTransition_ErrorTypes(t *testing.T) {
	err := ValidateTransition(StatusDeleted, StatusRunning)
	var invalid *ErrInvalidTransition
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusDeleted, invalid.From)
	assert.Equal(t, StatusRunning, invalid.To)
	assert.Equal(t, "invalid state transition from DELETED to RUNNING", err.Error())

	err = ValidateTransition(StatusCanceling, StatusCanceling)
	var already *ErrAlreadyInState
	require.True(t, errors.As(err, &already))
	assert.Equal(t, StatusCanceling, already.State)
}

func TestTerminalStatesOnlyLeaveThroughDeletion(t *testing.T) {
	for _, from := range All {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range All {
			if to == StatusDeleting {
				continue
			}
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}
