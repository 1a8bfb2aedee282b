// Package run defines the workflow run data model shared by the core components.
package run

import (
	"encoding/json"
	"time"

	"github.com/aki/wesd/internal/core/run/state"
)

// TimeFormat is the ISO-8601 layout used for persisted timestamps.
// Values are always UTC, so the text sorts in time order.
const TimeFormat = "2006-01-02T15:04:05Z"

// Attachment is a workflow file that must be staged into the execution directory
type Attachment struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// Request is the original run submission. It is immutable once persisted.
type Request struct {
	WorkflowParams           json.RawMessage   `json:"workflow_params,omitempty"`
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	Tags                     map[string]string `json:"tags,omitempty"`
	WorkflowEngine           string            `json:"workflow_engine,omitempty"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version,omitempty"`
	WorkflowEngineParameters json.RawMessage   `json:"workflow_engine_parameters,omitempty"`
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowAttachment       []Attachment      `json:"workflow_attachment_obj,omitempty"`
}

// Output is one file produced by a completed run
type Output struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// Log is the execution log block of a run
type Log struct {
	Name      string     `json:"name,omitempty"`
	Cmd       []string   `json:"cmd,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Run is the full view of a run assembled from its directory
type Run struct {
	RunID   string       `json:"run_id"`
	Request *Request     `json:"request,omitempty"`
	State   state.Status `json:"state"`
	RunLog  Log          `json:"run_log"`
	Outputs []Output     `json:"outputs"`
}

// StatusView is the cheap id and state projection of a run
type StatusView struct {
	RunID string       `json:"run_id"`
	State state.Status `json:"state"`
}

// Summary is the denormalized row kept by the index.
// It is a cache of the run directory and never authoritative.
type Summary struct {
	RunID     string            `json:"run_id"`
	Username  string            `json:"username,omitempty"`
	State     state.Status      `json:"state"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	UpdatedAt time.Time         `json:"-"`
}

// Caller identifies who issued a request. The zero value means
// authentication is disabled and every run is accessible.
type Caller struct {
	Username string
}

// Anonymous returns true if no identity was supplied
func (c Caller) Anonymous() bool {
	return c.Username == ""
}

// FormatTime renders t in the persisted timestamp layout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp. RFC 3339 values with
// fractional seconds or offsets are also accepted.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
