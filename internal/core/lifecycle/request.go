package lifecycle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aki/wesd/internal/core/attachment"
	"github.com/aki/wesd/internal/core/run"
)

//go:embed schemas/run_request.schema.json
var requestSchema []byte

var compileRequestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("run_request.schema.json", bytes.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return compiler.Compile("run_request.schema.json")
})

// ValidateRequest checks a submission before any run directory exists.
// Every failure wraps ErrInvalidRequest.
func (o *Orchestrator) ValidateRequest(req *run.Request) error {
	if req == nil {
		return invalidRequest("empty request")
	}

	schema, err := compileRequestSchema()
	if err != nil {
		return fmt.Errorf("failed to compile request schema: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return invalidRequest("%v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalidRequest("%v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalidRequest("%v", err)
	}

	if versions, ok := o.cfg.WorkflowTypes[req.WorkflowType]; len(o.cfg.WorkflowTypes) > 0 {
		if !ok {
			return invalidRequest("unsupported workflow_type %q", req.WorkflowType)
		}
		if len(versions) > 0 && !slices.Contains(versions, req.WorkflowTypeVersion) {
			return invalidRequest("unsupported workflow_type_version %q for %s", req.WorkflowTypeVersion, req.WorkflowType)
		}
	}

	if err := attachment.Validate(req.WorkflowAttachment); err != nil {
		return invalidRequest("%v", err)
	}
	if !o.allowed(req) {
		return invalidRequest("workflow_url %q is not allowed", req.WorkflowURL)
	}
	return nil
}

// allowed applies the workflow URL allow-list. A relative URL naming one
// of the request's attachments is always allowed.
func (o *Orchestrator) allowed(req *run.Request) bool {
	if len(o.cfg.AllowedURLs) == 0 {
		return true
	}
	if u, err := url.Parse(req.WorkflowURL); err == nil && u.Scheme == "" {
		for _, att := range req.WorkflowAttachment {
			name, err := attachment.SafeName(att.FileName)
			if err != nil {
				continue
			}
			if target, err := attachment.SafeName(req.WorkflowURL); err == nil && target == name {
				return true
			}
		}
	}
	for _, prefix := range o.cfg.AllowedURLs {
		if strings.HasPrefix(req.WorkflowURL, prefix) {
			return true
		}
	}
	return false
}
