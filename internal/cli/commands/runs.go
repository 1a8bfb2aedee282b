package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aki/wesd/internal/app"
	"github.com/aki/wesd/internal/cli/ui"
	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
	"github.com/aki/wesd/internal/core/tail"
)

// The CLI acts as the local operator and sees every run
var operator = run.Caller{}

const submitPollInterval = 500 * time.Millisecond

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run"},
	Short:   "Inspect and manage workflow runs",
}

var (
	listState    string
	listTags     []string
	listLatest   bool
	listAll      bool
	listSort     string
	listPageSize int
)

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List runs, newest first",
	Example: `  # Running runs tagged with a project
  wesd runs ls --state RUNNING --tag project:demo

  # Re-derive states from the run directories first
  wesd runs ls --latest`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *app.Container) error {
			rn, err := c.Orchestrator.Get(cmd.Context(), args[0], operator)
			if err != nil {
				return err
			}
			if ui.GlobalFormatter.IsJSON() {
				return ui.GlobalFormatter.Output(rn)
			}
			ui.PrintRunDetails(rn)
			return nil
		})
	},
}

var (
	logsFollow bool
	logsStderr bool
	logsLines  int
)

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print the engine output of a run",
	Example: `  # Follow stdout until the run finishes
  wesd runs logs -f 2f1c...

  # Whole stderr stream
  wesd runs logs --stderr -n -1 2f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsLogs,
}

var submitFile string

var runsSubmitCmd = &cobra.Command{
	Use:   "submit -f <request.yaml>",
	Short: "Submit a run and wait for it to finish",
	Long: `Submit a run request read from a YAML or JSON file. The engine runs inside
this process, so the command waits until the run reaches a terminal state.
Interrupting the command cancels the run.`,
	Args: cobra.NoArgs,
	RunE: runRunsSubmit,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *app.Container) error {
			if err := c.Orchestrator.Cancel(cmd.Context(), args[0], operator); err != nil {
				return err
			}
			ui.Success("Cancel requested for %s", args[0])
			return nil
		})
	},
}

var runsRemoveCmd = &cobra.Command{
	Use:     "remove <run-id>...",
	Aliases: []string{"rm"},
	Short:   "Delete runs, keeping a tombstone of each",
	Long: `Delete runs. Active runs are canceled first. Every id is checked before
anything is deleted; the state, times and owner of each run are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *app.Container) error {
			if err := c.Orchestrator.BulkDelete(cmd.Context(), args, operator); err != nil {
				return err
			}
			if ui.GlobalFormatter.IsJSON() {
				return ui.GlobalFormatter.Output(map[string][]string{"run_ids": args})
			}
			for _, id := range args {
				ui.Success("Deleted %s", id)
			}
			return nil
		})
	},
}

func init() {
	runsListCmd.Flags().StringVar(&listState, "state", "", "Only runs in this state")
	runsListCmd.Flags().StringArrayVar(&listTags, "tag", nil, "Only runs with this key:value tag (repeatable)")
	runsListCmd.Flags().BoolVar(&listLatest, "latest", false, "Re-derive states from the run directories before listing")
	runsListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Follow page tokens and list every run")
	runsListCmd.Flags().StringVar(&listSort, "sort", "desc", "Start time order (asc, desc)")
	runsListCmd.Flags().IntVar(&listPageSize, "page-size", 0, "Runs per page (default index.default_page_size)")

	runsLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep streaming until the run finishes")
	runsLogsCmd.Flags().BoolVar(&logsStderr, "stderr", false, "Show stderr instead of stdout")
	runsLogsCmd.Flags().IntVarP(&logsLines, "lines", "n", 0, "Backlog lines to show (0 fits the terminal, -1 everything)")

	runsSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Run request file (YAML or JSON)")
	_ = runsSubmitCmd.MarkFlagRequired("file")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsSubmitCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsRemoveCmd)
}

func listOptions() (lifecycle.ListOptions, error) {
	opts := lifecycle.ListOptions{
		Tags:     listTags,
		Latest:   listLatest,
		PageSize: listPageSize,
	}
	if listState != "" {
		st, ok := state.Parse(listState)
		if !ok {
			return opts, fmt.Errorf("unknown state: %s", listState)
		}
		opts.State = st
	}
	if _, err := run.ParseTags(listTags); err != nil {
		return opts, err
	}
	order, err := index.ParseSortOrder(listSort)
	if err != nil {
		return opts, err
	}
	opts.Sort = order
	return opts, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	opts, err := listOptions()
	if err != nil {
		return err
	}
	return withContainer(cmd, func(c *app.Container) error {
		var runs []run.Summary
		for {
			page, err := c.Orchestrator.List(cmd.Context(), opts, operator)
			if err != nil {
				return err
			}
			runs = append(runs, page.Runs...)
			if !listAll || page.NextPageToken == "" {
				break
			}
			opts.PageToken = page.NextPageToken
			opts.Latest = false
		}

		if ui.GlobalFormatter.IsJSON() {
			if runs == nil {
				runs = []run.Summary{}
			}
			return ui.GlobalFormatter.Output(runs)
		}
		ui.PrintRunList(runs)
		return nil
	})
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	runID := args[0]
	return withContainer(cmd, func(c *app.Container) error {
		// Status also checks the run exists
		if _, err := c.Orchestrator.Status(cmd.Context(), runID, operator); err != nil {
			return err
		}

		stream := rundir.Stdout
		if logsStderr {
			stream = rundir.Stderr
		}
		done := func(ctx context.Context) (bool, error) {
			view, err := c.Orchestrator.Status(ctx, runID, operator)
			if err != nil {
				return false, err
			}
			return view.State.IsTerminal(), nil
		}

		tailer := tail.New(c.Store.Path(runID, stream), done, tail.Options{
			Writer:   ui.Stdout,
			MaxLines: logsLines,
		})
		if !logsFollow {
			return tailer.Print()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := tailer.Follow(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
}

// readRequest decodes a run request from YAML, which also accepts JSON
func readRequest(path string) (*run.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse request %s: %w", path, err)
	}
	// Round-trip through JSON so workflow_params keeps its object shape
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request %s: %w", path, err)
	}
	var req run.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request %s: %w", path, err)
	}
	return &req, nil
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	req, err := readRequest(submitFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withContainer(cmd, func(c *app.Container) error {
		runID, err := c.Orchestrator.Submit(ctx, req, operator)
		if err != nil {
			return err
		}
		if !ui.GlobalFormatter.IsJSON() {
			ui.Info("Submitted %s", runID)
		}

		final, err := waitTerminal(ctx, c.Orchestrator, runID)
		if err != nil {
			return err
		}

		rn, err := c.Orchestrator.Get(context.WithoutCancel(ctx), runID, operator)
		if err != nil {
			return err
		}
		if ui.GlobalFormatter.IsJSON() {
			return ui.GlobalFormatter.Output(rn)
		}
		ui.PrintRunDetails(rn)
		if final != state.StatusComplete {
			return fmt.Errorf("run %s finished as %s", runID, final)
		}
		return nil
	})
}

// waitTerminal polls a run until it reaches a terminal state. If ctx is
// canceled first, the run is canceled and still awaited.
func waitTerminal(ctx context.Context, orch *lifecycle.Orchestrator, runID string) (state.Status, error) {
	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()

	bg := context.WithoutCancel(ctx)
	done := ctx.Done()
	for {
		view, err := orch.Status(bg, runID, operator)
		if err != nil {
			return "", err
		}
		if view.State.IsTerminal() {
			return view.State, nil
		}

		select {
		case <-done:
			ui.Warning("Interrupted, canceling %s", runID)
			if err := orch.Cancel(bg, runID, operator); err != nil {
				return "", err
			}
			done = nil
		case <-ticker.C:
		}
	}
}
