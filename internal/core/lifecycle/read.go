package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/reconcile"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

// ErrNotAvailable is returned for optional artifacts that have not been produced
var ErrNotAvailable = errors.New("not available")

// authorize resolves runID and checks ownership against the persisted
// username. The index is never consulted.
func (o *Orchestrator) authorize(runID string, caller run.Caller) error {
	ok, err := o.store.Exists(runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if caller.Anonymous() {
		return nil
	}

	owner, ok, err := rundir.Read(o.store, runID, rundir.Username)
	if err != nil {
		return err
	}
	if !ok || owner != caller.Username {
		return fmt.Errorf("%w: run %s", ErrForbidden, runID)
	}
	return nil
}

// Get returns the full view of a run
func (o *Orchestrator) Get(ctx context.Context, runID string, caller run.Caller) (*run.Run, error) {
	if err := o.authorize(runID, caller); err != nil {
		return nil, err
	}

	var r *run.Run
	err := o.reconciler.View(ctx, runID, func(current state.Status) error {
		var err error
		r, err = o.assemble(runID, current)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Status returns only the id and state of a run
func (o *Orchestrator) Status(ctx context.Context, runID string, caller run.Caller) (run.StatusView, error) {
	if err := o.authorize(runID, caller); err != nil {
		return run.StatusView{}, err
	}
	st, err := o.reconciler.Derive(ctx, runID)
	if err != nil {
		return run.StatusView{}, err
	}
	return run.StatusView{RunID: runID, State: st}, nil
}

// RoCrate returns the provenance document of a run
func (o *Orchestrator) RoCrate(ctx context.Context, runID string, caller run.Caller) (json.RawMessage, error) {
	if err := o.authorize(runID, caller); err != nil {
		return nil, err
	}

	var doc json.RawMessage
	err := o.reconciler.View(ctx, runID, func(state.Status) error {
		v, ok, err := rundir.Read(o.store, runID, rundir.RoCrate)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: provenance of run %s", ErrNotAvailable, runID)
		}
		doc = v
		return nil
	})
	return doc, err
}

// OutputFile resolves a file produced by a run to its path on disk
func (o *Orchestrator) OutputFile(ctx context.Context, runID, name string, caller run.Caller) (string, error) {
	if err := o.authorize(runID, caller); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: output %s", ErrNotAvailable, name)
	}

	p := filepath.Join(o.store.OutputDir(runID), rel)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: output %s", ErrNotAvailable, name)
	}
	return p, nil
}

type assembler struct {
	store *rundir.Store
	runID string
	errs  []error
}

func field[T any](a *assembler, key rundir.Key[T]) (T, bool) {
	v, ok, err := rundir.Read(a.store, a.runID, key)
	if err != nil {
		a.errs = append(a.errs, err)
		var zero T
		return zero, false
	}
	return v, ok
}

// assemble reads every artifact of a run. A corrupt artifact marks the
// run SYSTEM_ERROR instead of failing the read.
func (o *Orchestrator) assemble(runID string, current state.Status) (*run.Run, error) {
	a := &assembler{store: o.store, runID: runID}
	r := &run.Run{RunID: runID, State: current, Outputs: []run.Output{}}

	if req, ok := field(a, rundir.RunRequest); ok {
		r.Request = &req
		r.RunLog.Name = workflowName(req.WorkflowURL)
	}
	r.RunLog.Cmd, _ = field(a, rundir.Cmd)
	if t, ok := field(a, rundir.StartTime); ok {
		r.RunLog.StartTime = &t
	}
	if t, ok := field(a, rundir.EndTime); ok {
		r.RunLog.EndTime = &t
	}
	if code, ok := field(a, rundir.ExitCode); ok {
		r.RunLog.ExitCode = &code
	}
	r.RunLog.Stdout, _ = field(a, rundir.Stdout)
	r.RunLog.Stderr, _ = field(a, rundir.Stderr)
	if outputs, ok := field(a, rundir.Outputs); ok && outputs != nil {
		r.Outputs = outputs
	}

	for _, err := range a.errs {
		if !rundir.IsCorrupt(err) {
			return nil, err
		}
		o.logger.Warn("run has a corrupt artifact", "run_id", runID, "error", err)
		r.State = state.StatusSystemError
	}
	return r, nil
}

func workflowName(workflowURL string) string {
	if u, err := url.Parse(workflowURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return workflowURL
}

// summarize derives the index row of a run from its directory
func (o *Orchestrator) summarize(ctx context.Context, runID string) (run.Summary, error) {
	// Stamped before reading so a later observation always wins the upsert
	summary := run.Summary{RunID: runID, UpdatedAt: o.now()}

	st, err := o.store.ReadState(runID)
	switch {
	case rundir.IsCorrupt(err):
		st = state.StatusSystemError
	case err != nil:
		return run.Summary{}, err
	}
	summary.State = st

	a := &assembler{store: o.store, runID: runID}
	summary.Username, _ = field(a, rundir.Username)
	if t, ok := field(a, rundir.StartTime); ok {
		summary.StartTime = &t
	}
	if t, ok := field(a, rundir.EndTime); ok {
		summary.EndTime = &t
	}
	if req, ok := field(a, rundir.RunRequest); ok {
		summary.Tags = req.Tags
	} else if o.index != nil {
		// Tombstones keep the tags last seen by the index
		if prev, err := o.index.Get(ctx, runID); err == nil {
			summary.Tags = prev.Tags
		}
	}
	for _, err := range a.errs {
		if !rundir.IsCorrupt(err) {
			return run.Summary{}, err
		}
		summary.State = state.StatusSystemError
	}
	return summary, nil
}

// syncIndex mirrors every persisted transition into the index
func (o *Orchestrator) syncIndex(ctx context.Context, change reconcile.Change) {
	if o.index == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	summary, err := o.summarize(ctx, change.RunID)
	if err == nil {
		err = o.index.Upsert(ctx, summary)
	}
	if err != nil {
		o.logger.Warn("failed to update run index", "run_id", change.RunID, "state", change.To, "error", err)
	}
}

// collectOutputs lists the output directory of a completed run. It runs
// under the run lock before the terminal state is written.
func (o *Orchestrator) collectOutputs(runID string, target state.Status) error {
	if target != state.StatusComplete {
		return nil
	}

	root := o.store.OutputDir(runID)
	base := strings.TrimSuffix(o.cfg.ExternalURL, "/") + "/runs/" + runID + "/outputs/"
	outputs := []run.Output{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		segments := strings.Split(rel, "/")
		for i, s := range segments {
			segments[i] = url.PathEscape(s)
		}
		outputs = append(outputs, run.Output{FileName: rel, FileURL: base + strings.Join(segments, "/")})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to list outputs: %w", err)
	}
	return rundir.Write(o.store, runID, rundir.Outputs, outputs)
}

// generateProvenance stores the provenance document of a finished run
func (o *Orchestrator) generateProvenance(ctx context.Context, runID string, final state.Status) {
	if o.provenance == nil || !final.IsTerminal() || final == state.StatusDeleted {
		return
	}
	log := logger.ForRun(o.logger, runID)

	var r *run.Run
	err := o.reconciler.View(ctx, runID, func(current state.Status) error {
		var err error
		r, err = o.assemble(runID, current)
		return err
	})
	if err != nil {
		log.Warn("failed to read run for provenance", "error", err)
		return
	}

	doc, err := o.provenance.Generate(ctx, r)
	if err != nil {
		log.Warn("failed to generate provenance", "error", err)
		return
	}

	_, err = o.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		if tx.From == state.StatusDeleting || tx.From == state.StatusDeleted {
			return nil
		}
		return rundir.Write(o.store, runID, rundir.RoCrate, doc)
	})
	if err != nil {
		log.Warn("failed to store provenance", "error", err)
	}
}
