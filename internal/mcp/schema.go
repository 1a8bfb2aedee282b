// Package mcp exposes the run lifecycle as Model Context Protocol tools.
package mcp

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// StructToToolOptions converts a struct with tags into MCP tool options.
// Fields use tags like `json:"run_id" mcp:"required" description:"Run ID"`;
// string fields may also carry `enum:"\"a\",\"b\""`.
func StructToToolOptions(structType any) ([]mcp.ToolOption, error) {
	t := reflect.TypeOf(structType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}

	var toolOptions []mcp.ToolOption
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		fieldName, _, _ := strings.Cut(jsonTag, ",")

		description := field.Tag.Get("description")
		if description == "" {
			description = fmt.Sprintf("%s field", fieldName)
		}
		opts := []mcp.PropertyOption{mcp.Description(description)}
		if field.Tag.Get("mcp") == "required" {
			opts = append(opts, mcp.Required())
		}

		switch field.Type.Kind() { //nolint:exhaustive // Only handling types we support
		case reflect.String:
			if enumTag := field.Tag.Get("enum"); enumTag != "" {
				var enumValues []string
				if err := json.Unmarshal([]byte("["+enumTag+"]"), &enumValues); err == nil {
					opts = append(opts, mcp.Enum(enumValues...))
				}
			}
			toolOptions = append(toolOptions, mcp.WithString(fieldName, opts...))

		case reflect.Int, reflect.Int64:
			toolOptions = append(toolOptions, mcp.WithNumber(fieldName, opts...))

		case reflect.Bool:
			toolOptions = append(toolOptions, mcp.WithBoolean(fieldName, opts...))

		case reflect.Slice:
			if field.Type.Elem().Kind() != reflect.String {
				continue
			}
			opts = append(opts, mcp.Items(map[string]any{"type": "string"}))
			toolOptions = append(toolOptions, mcp.WithArray(fieldName, opts...))

		default:
			continue
		}
	}

	return toolOptions, nil
}

// WithStructOptions is a helper that combines a description with struct-based options
func WithStructOptions(description string, structType any) ([]mcp.ToolOption, error) {
	structOpts, err := StructToToolOptions(structType)
	if err != nil {
		return nil, err
	}
	return append([]mcp.ToolOption{mcp.WithDescription(description)}, structOpts...), nil
}

// UnmarshalArgs unmarshals CallToolRequest arguments into a struct
func UnmarshalArgs[T any](request mcp.CallToolRequest, target *T) error {
	jsonBytes, err := json.Marshal(request.GetArguments())
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return InvalidParameterError("arguments", err.Error())
	}
	return nil
}

// SubmitRunParams defines parameters for submitting a run
type SubmitRunParams struct {
	WorkflowType             string   `json:"workflow_type" mcp:"required" description:"Workflow language, e.g. CWL"`
	WorkflowTypeVersion      string   `json:"workflow_type_version" mcp:"required" description:"Workflow language version, e.g. v1.2"`
	WorkflowURL              string   `json:"workflow_url" mcp:"required" description:"Workflow location, absolute URL or the file name of an attachment"`
	WorkflowParams           string   `json:"workflow_params,omitempty" description:"Workflow inputs as a JSON object"`
	WorkflowEngine           string   `json:"workflow_engine,omitempty" description:"Engine name (optional)"`
	WorkflowEngineVersion    string   `json:"workflow_engine_version,omitempty" description:"Engine version (optional)"`
	WorkflowEngineParameters string   `json:"workflow_engine_parameters,omitempty" description:"Engine parameters as a JSON object"`
	Tags                     []string `json:"tags,omitempty" description:"Tags as key:value pairs"`
	Attachments              []string `json:"attachments,omitempty" description:"Attachments as file_name=file_url pairs"`
}

// ListRunsParams defines parameters for listing runs
type ListRunsParams struct {
	State     string   `json:"state,omitempty" description:"Only runs in this state"`
	Tags      []string `json:"tags,omitempty" description:"Only runs carrying every key:value tag"`
	RunIDs    []string `json:"run_ids,omitempty" description:"Only these runs"`
	SortOrder string   `json:"sort_order,omitempty" enum:"\"asc\",\"desc\"" description:"Start time order, default desc"`
	PageSize  int      `json:"page_size,omitempty" description:"Runs per page"`
	PageToken string   `json:"page_token,omitempty" description:"Token from a previous page"`
	Latest    bool     `json:"latest,omitempty" description:"Re-derive states from run directories before listing"`
}

// RunIDParams defines parameters for operations on one run
type RunIDParams struct {
	RunID string `json:"run_id" mcp:"required" description:"Run ID"`
}

// RunIDsParams defines parameters for bulk operations
type RunIDsParams struct {
	RunIDs []string `json:"run_ids" mcp:"required" description:"Run IDs"`
}

// ServiceInfoParams takes no parameters
type ServiceInfoParams struct{}
