package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

// translateError attaches tool suggestions to orchestrator errors
func translateError(runID string, err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return RunNotFoundError(runID, err)
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return InvalidRequestError(err)
	default:
		return err
	}
}

func jsonObject(name, raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, InvalidParameterError(name, "a JSON object")
	}
	return json.RawMessage(raw), nil
}

// buildRequest converts tool arguments into a run request
func buildRequest(params SubmitRunParams) (*run.Request, error) {
	req := &run.Request{
		WorkflowType:          params.WorkflowType,
		WorkflowTypeVersion:   params.WorkflowTypeVersion,
		WorkflowURL:           params.WorkflowURL,
		WorkflowEngine:        params.WorkflowEngine,
		WorkflowEngineVersion: params.WorkflowEngineVersion,
	}

	var err error
	if req.WorkflowParams, err = jsonObject("workflow_params", params.WorkflowParams); err != nil {
		return nil, err
	}
	if req.WorkflowEngineParameters, err = jsonObject("workflow_engine_parameters", params.WorkflowEngineParameters); err != nil {
		return nil, err
	}
	if req.Tags, err = run.ParseTags(params.Tags); err != nil {
		return nil, InvalidParameterError("tags", "key:value pairs")
	}
	for _, a := range params.Attachments {
		name, url, ok := strings.Cut(a, "=")
		if !ok || name == "" || url == "" {
			return nil, InvalidParameterError("attachments", "file_name=file_url pairs")
		}
		req.WorkflowAttachment = append(req.WorkflowAttachment, run.Attachment{FileName: name, FileURL: url})
	}
	return req, nil
}

func (s *Server) handleServiceInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.orch.ServiceInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get service info: %w", err)
	}
	return createEnhancedResult("wes_service_info", info)
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params SubmitRunParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	req, err := buildRequest(params)
	if err != nil {
		return nil, err
	}

	runID, err := s.orch.Submit(ctx, req, s.caller())
	if err != nil {
		return nil, translateError("", err)
	}
	return createEnhancedResult("wes_submit_run", map[string]string{"run_id": runID})
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params ListRunsParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}

	opts := lifecycle.ListOptions{
		Tags:      params.Tags,
		RunIDs:    params.RunIDs,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
		Latest:    params.Latest,
	}
	if params.State != "" {
		st, ok := state.Parse(params.State)
		if !ok {
			return nil, InvalidParameterError("state", "one of the run states")
		}
		opts.State = st
	}
	order, err := index.ParseSortOrder(params.SortOrder)
	if err != nil {
		return nil, InvalidParameterError("sort_order", "asc or desc")
	}
	opts.Sort = order

	page, err := s.orch.List(ctx, opts, s.caller())
	if err != nil {
		if errors.Is(err, index.ErrInvalidPageToken) {
			return nil, InvalidParameterError("page_token", "a token returned by a previous wes_list_runs call with the same filters")
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := page.Runs
	if runs == nil {
		runs = []run.Summary{}
	}
	return createEnhancedResult("wes_list_runs", map[string]any{
		"runs":            runs,
		"next_page_token": page.NextPageToken,
	})
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	rn, err := s.orch.Get(ctx, params.RunID, s.caller())
	if err != nil {
		return nil, translateError(params.RunID, err)
	}
	return createEnhancedResult("wes_get_run", rn)
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	view, err := s.orch.Status(ctx, params.RunID, s.caller())
	if err != nil {
		return nil, translateError(params.RunID, err)
	}
	return createEnhancedResult("wes_get_run_status", view)
}

func (s *Server) handleGetRunRoCrate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	doc, err := s.orch.RoCrate(ctx, params.RunID, s.caller())
	if errors.Is(err, lifecycle.ErrNotAvailable) {
		return nil, RunNotAvailableError(params.RunID, "RO-Crate", err)
	}
	if err != nil {
		return nil, translateError(params.RunID, err)
	}
	return createEnhancedResult("wes_get_run_ro_crate", doc)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	if err := s.orch.Cancel(ctx, params.RunID, s.caller()); err != nil {
		return nil, translateError(params.RunID, err)
	}
	return createEnhancedResult("wes_cancel_run", map[string]string{"run_id": params.RunID})
}

func (s *Server) handleDeleteRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	if err := s.orch.Delete(ctx, params.RunID, s.caller()); err != nil {
		return nil, translateError(params.RunID, err)
	}
	return createEnhancedResult("wes_delete_run", map[string]string{"run_id": params.RunID})
}

func (s *Server) handleDeleteRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params RunIDsParams
	if err := UnmarshalArgs(request, &params); err != nil {
		return nil, err
	}
	if len(params.RunIDs) == 0 {
		return nil, InvalidParameterError("run_ids", "at least one run id")
	}
	if err := s.orch.BulkDelete(ctx, params.RunIDs, s.caller()); err != nil {
		return nil, translateError(strings.Join(params.RunIDs, ", "), err)
	}
	return createEnhancedResult("wes_delete_runs", map[string][]string{"run_ids": params.RunIDs})
}
