package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run"
)

// Server serves run lifecycle tools over MCP
type Server struct {
	mcpServer *server.MCPServer
	orch      *lifecycle.Orchestrator
	logger    logger.Logger
}

// NewServer creates an MCP server over orch. MCP clients act as the
// local operator and see every run.
func NewServer(orch *lifecycle.Orchestrator, version string, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer("wesd", version, server.WithLogging()),
		orch:      orch,
		logger:    log,
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) caller() run.Caller {
	return run.Caller{}
}

type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

func (s *Server) addTool(name string, params any, handler toolHandler) error {
	opts, err := WithStructOptions(GetEnhancedDescription(name), params)
	if err != nil {
		return fmt.Errorf("failed to create %s options: %w", name, err)
	}
	s.mcpServer.AddTool(mcp.NewTool(name, opts...), server.ToolHandlerFunc(handler))
	return nil
}

func (s *Server) registerTools() error {
	tools := []struct {
		name    string
		params  any
		handler toolHandler
	}{
		{"wes_service_info", ServiceInfoParams{}, s.handleServiceInfo},
		{"wes_submit_run", SubmitRunParams{}, s.handleSubmitRun},
		{"wes_list_runs", ListRunsParams{}, s.handleListRuns},
		{"wes_get_run", RunIDParams{}, s.handleGetRun},
		{"wes_get_run_status", RunIDParams{}, s.handleGetRunStatus},
		{"wes_get_run_ro_crate", RunIDParams{}, s.handleGetRunRoCrate},
		{"wes_cancel_run", RunIDParams{}, s.handleCancelRun},
		{"wes_delete_run", RunIDParams{}, s.handleDeleteRun},
		{"wes_delete_runs", RunIDsParams{}, s.handleDeleteRuns},
	}
	for _, tool := range tools {
		if err := s.addTool(tool.name, tool.params, tool.handler); err != nil {
			return err
		}
	}
	return nil
}

// ServeStdio serves MCP over standard input and output until the client disconnects
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server started", "transport", "stdio")
	return server.ServeStdio(s.mcpServer)
}
