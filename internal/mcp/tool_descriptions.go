package mcp

// ToolDescription provides enhanced descriptions for AI agents
type ToolDescription struct {
	Description string
	NextTools   []string
}

var toolDescriptions = map[string]ToolDescription{
	"wes_service_info": {
		Description: "Describe the workflow execution service: supported workflow types and versions, and how many runs are in each state",
		NextTools: []string{
			"wes_submit_run - Submit a workflow run",
		},
	},
	"wes_submit_run": {
		Description: "Submit a workflow run. The run is queued and executed in the background; the returned run_id tracks it",
		NextTools: []string{
			"wes_get_run_status - Poll the run state",
			"wes_cancel_run - Stop the run",
		},
	},
	"wes_list_runs": {
		Description: "List runs newest first, filtered by state, tags or run ids. Pass page_token from the previous result to continue",
		NextTools: []string{
			"wes_get_run - Show one run in full",
		},
	},
	"wes_get_run": {
		Description: "Show a run in full: request, state, execution log, exit code and outputs",
		NextTools: []string{
			"wes_get_run_ro_crate - Fetch the provenance record",
			"wes_delete_run - Remove the run contents",
		},
	},
	"wes_get_run_status": {
		Description: "Show only the current state of a run",
		NextTools: []string{
			"wes_get_run - Show the run once it has finished",
		},
	},
	"wes_get_run_ro_crate": {
		Description: "Fetch the RO-Crate provenance document of a finished run",
	},
	"wes_cancel_run": {
		Description: "Cancel a queued or running run. Canceling a finished run has no effect",
		NextTools: []string{
			"wes_get_run_status - Confirm the run reached CANCELED",
		},
	},
	"wes_delete_run": {
		Description: "Delete a run. An active run is canceled first; a tombstone with its state and times is kept",
		NextTools: []string{
			"wes_list_runs - Verify the remaining runs",
		},
	},
	"wes_delete_runs": {
		Description: "Delete several runs. Every id must exist and be accessible before anything is deleted",
		NextTools: []string{
			"wes_list_runs - Verify the remaining runs",
		},
	},
}

// GetEnhancedDescription returns the description registered for a tool
func GetEnhancedDescription(toolName string) string {
	if desc, ok := toolDescriptions[toolName]; ok {
		return desc.Description
	}
	return ""
}

// GetNextToolSuggestions returns the tools that usually follow toolName
func GetNextToolSuggestions(toolName string) []map[string]string {
	desc, ok := toolDescriptions[toolName]
	if !ok {
		return nil
	}
	var suggestions []map[string]string
	for _, next := range desc.NextTools {
		suggestions = append(suggestions, map[string]string{"tool": next})
	}
	return suggestions
}
