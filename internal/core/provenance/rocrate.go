// Package provenance renders a minimal RO-Crate metadata document for a finished run.
package provenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

const (
	crateContext = "https://w3id.org/ro/crate/1.1/context"
	crateSpec    = "https://w3id.org/ro/crate/1.1"
)

// RoCrate generates ro-crate-metadata.json documents
type RoCrate struct {
	now func() time.Time
}

// NewRoCrate creates a generator
func NewRoCrate() *RoCrate {
	return &RoCrate{now: time.Now}
}

type entity map[string]any

func ref(id string) entity {
	return entity{"@id": id}
}

// Generate describes the run as a dataset whose parts are its outputs,
// produced by one CreateAction over the workflow
func (g *RoCrate) Generate(_ context.Context, r *run.Run) (json.RawMessage, error) {
	root := entity{
		"@id":           "./",
		"@type":         "Dataset",
		"identifier":    r.RunID,
		"datePublished": run.FormatTime(g.now()),
		"mentions":      ref("#run-" + r.RunID),
	}
	graph := []entity{
		{
			"@id":        "ro-crate-metadata.json",
			"@type":      "CreativeWork",
			"conformsTo": ref(crateSpec),
			"about":      ref("./"),
		},
		root,
	}

	action := entity{
		"@id":          "#run-" + r.RunID,
		"@type":        "CreateAction",
		"name":         "Workflow run " + r.RunID,
		"actionStatus": actionStatus(r),
	}
	if r.RunLog.StartTime != nil {
		action["startTime"] = run.FormatTime(*r.RunLog.StartTime)
	}
	if r.RunLog.EndTime != nil {
		action["endTime"] = run.FormatTime(*r.RunLog.EndTime)
	}
	if r.RunLog.ExitCode != nil {
		action["exitCode"] = *r.RunLog.ExitCode
	}

	if r.Request != nil {
		workflow := entity{
			"@id":   r.Request.WorkflowURL,
			"@type": []string{"File", "SoftwareSourceCode", "ComputationalWorkflow"},
			"programmingLanguage": entity{
				"@id":     "#" + r.Request.WorkflowType,
				"@type":   "ComputerLanguage",
				"name":    r.Request.WorkflowType,
				"version": r.Request.WorkflowTypeVersion,
			},
		}
		root["mainEntity"] = ref(r.Request.WorkflowURL)
		action["instrument"] = ref(r.Request.WorkflowURL)
		graph = append(graph, workflow)
	}

	parts := make([]entity, 0, len(r.Outputs))
	results := make([]entity, 0, len(r.Outputs))
	for _, out := range r.Outputs {
		parts = append(parts, ref(out.FileURL))
		results = append(results, ref(out.FileURL))
		graph = append(graph, entity{"@id": out.FileURL, "@type": "File", "name": out.FileName})
	}
	root["hasPart"] = parts
	action["result"] = results
	graph = append(graph, action)

	return json.MarshalIndent(entity{"@context": crateContext, "@graph": graph}, "", "  ")
}

func actionStatus(r *run.Run) string {
	if r.State == state.StatusComplete {
		return "http://schema.org/CompletedActionStatus"
	}
	return "http://schema.org/FailedActionStatus"
}
