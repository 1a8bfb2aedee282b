package lifecycle

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

const refreshConcurrency = 8

// SupportedWESVersions lists the API versions this service implements
var SupportedWESVersions = []string{"1.1.0"}

// ListOptions selects a page of runs
type ListOptions struct {
	State     state.Status
	RunIDs    []string
	Tags      []string
	Sort      index.SortOrder
	PageToken string
	PageSize  int
	// Latest re-derives every selected run from its directory before
	// answering; otherwise the index snapshot is returned as is
	Latest bool
}

func (opts ListOptions) filter(caller run.Caller) index.Filter {
	return index.Filter{
		State:    opts.State,
		Username: caller.Username,
		RunIDs:   opts.RunIDs,
		Tags:     opts.Tags,
	}
}

// List returns a page of run summaries visible to caller
func (o *Orchestrator) List(ctx context.Context, opts ListOptions, caller run.Caller) (index.Page, error) {
	if opts.Latest {
		if err := o.refresh(ctx, opts.RunIDs); err != nil {
			return index.Page{}, err
		}
	}
	return o.index.Query(ctx, index.QueryOptions{
		Filter:    opts.filter(caller),
		Sort:      opts.Sort,
		PageToken: opts.PageToken,
		PageSize:  opts.PageSize,
	})
}

// Count returns the number of runs matching opts, ignoring pagination
func (o *Orchestrator) Count(ctx context.Context, opts ListOptions, caller run.Caller) (int, error) {
	if opts.Latest {
		if err := o.refresh(ctx, opts.RunIDs); err != nil {
			return 0, err
		}
	}
	return o.index.Count(ctx, opts.filter(caller))
}

// allIDs lists live runs and tombstones
func (o *Orchestrator) allIDs() ([]string, error) {
	live, err := o.store.ListAllIDs()
	if err != nil {
		return nil, err
	}
	deleted, err := o.store.ListTombstoneIDs()
	if err != nil {
		return nil, err
	}
	ids := append(live, deleted...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// refresh re-derives runs and upserts their summaries. Runs that cannot
// be read are logged and left as the index has them.
func (o *Orchestrator) refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		var err error
		if ids, err = o.allIDs(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if ok, _ := o.store.Exists(id); !ok {
				return nil
			}
			summary, err := o.summary(gctx, id)
			if err == nil {
				err = o.index.Upsert(gctx, summary)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("failed to refresh run", "run_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// summary derives state, recovering lost runs, and then summarizes
func (o *Orchestrator) summary(ctx context.Context, runID string) (run.Summary, error) {
	if _, err := o.reconciler.Derive(ctx, runID); err != nil {
		return run.Summary{}, err
	}
	return o.summarize(ctx, runID)
}

// Rebuild replaces the index with summaries derived from every run directory
func (o *Orchestrator) Rebuild(ctx context.Context) (int, error) {
	return o.index.Rebuild(ctx, rebuildSource{o: o})
}

type rebuildSource struct {
	o *Orchestrator
}

func (s rebuildSource) RunIDs() ([]string, error) {
	return s.o.allIDs()
}

func (s rebuildSource) Summarize(ctx context.Context, runID string) (run.Summary, error) {
	return s.o.summary(ctx, runID)
}

// WorkflowTypeVersion lists the accepted versions of one workflow type
type WorkflowTypeVersion struct {
	WorkflowTypeVersion []string `json:"workflow_type_version"`
}

// ServiceInfo describes the service and the runs it holds
type ServiceInfo struct {
	WorkflowTypeVersions map[string]WorkflowTypeVersion `json:"workflow_type_versions"`
	SupportedWESVersions []string                       `json:"supported_wes_versions"`
	AuthEnabled          bool                           `json:"auth_enabled"`
	SystemStateCounts    map[state.Status]int           `json:"system_state_counts"`
}

// ServiceInfo reports capabilities and per-state run counts from the index
func (o *Orchestrator) ServiceInfo(ctx context.Context) (ServiceInfo, error) {
	counts, err := o.index.CountByState(ctx)
	if err != nil {
		return ServiceInfo{}, err
	}
	info := ServiceInfo{
		WorkflowTypeVersions: make(map[string]WorkflowTypeVersion, len(o.cfg.WorkflowTypes)),
		SupportedWESVersions: SupportedWESVersions,
		AuthEnabled:          o.cfg.AuthEnabled,
		SystemStateCounts:    make(map[state.Status]int, len(state.All)),
	}
	for t, versions := range o.cfg.WorkflowTypes {
		info.WorkflowTypeVersions[t] = WorkflowTypeVersion{WorkflowTypeVersion: append([]string{}, versions...)}
	}
	for _, st := range state.All {
		info.SystemStateCounts[st] = counts[st]
	}
	return info, nil
}
