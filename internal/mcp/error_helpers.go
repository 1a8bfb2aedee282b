package mcp

import (
	"fmt"
	"strings"
)

// ErrorWithSuggestions represents an error with tool suggestions
type ErrorWithSuggestions struct {
	Message     string
	Suggestions []string
	Err         error
}

// Error returns the error message with suggestions
func (e *ErrorWithSuggestions) Error() string {
	if len(e.Suggestions) == 0 {
		return e.Message
	}

	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString("\n\nDid you mean to use one of these tools instead?\n")
	for _, suggestion := range e.Suggestions {
		sb.WriteString("  - ")
		sb.WriteString(suggestion)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (e *ErrorWithSuggestions) Unwrap() error {
	return e.Err
}

// NewErrorWithSuggestions creates a new error with tool suggestions
func NewErrorWithSuggestions(message string, suggestions ...string) error {
	return &ErrorWithSuggestions{
		Message:     message,
		Suggestions: suggestions,
	}
}

// RunNotFoundError returns an error with suggestions for when a run does not exist
func RunNotFoundError(runID string, err error) error {
	return &ErrorWithSuggestions{
		Message: fmt.Sprintf("run not found: %s", runID),
		Suggestions: []string{
			"wes_list_runs - List the runs you can see",
			"wes_submit_run - Submit a new run",
		},
		Err: err,
	}
}

// RunNotAvailableError returns an error with suggestions for when a run artifact is not ready
func RunNotAvailableError(runID, what string, err error) error {
	return &ErrorWithSuggestions{
		Message: fmt.Sprintf("%s is not available for run %s", what, runID),
		Suggestions: []string{
			"wes_get_run_status - Check whether the run has finished",
		},
		Err: err,
	}
}

// InvalidRequestError returns an error with suggestions for a rejected submission
func InvalidRequestError(err error) error {
	return &ErrorWithSuggestions{
		Message: err.Error(),
		Suggestions: []string{
			"wes_service_info - List the supported workflow types and versions",
		},
		Err: err,
	}
}

// InvalidParameterError returns an error with suggestions for invalid parameters
func InvalidParameterError(param string, expected string) error {
	return NewErrorWithSuggestions(
		fmt.Sprintf("invalid %s: expected %s", param, expected),
		"Use the tool descriptions to understand parameter requirements",
	)
}
