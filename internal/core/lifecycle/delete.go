package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/reconcile"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

const (
	settlePollInterval = 100 * time.Millisecond
	bulkConcurrency    = 8
)

// Cancel asks the engine of a run to stop. Runs that are already
// terminal or canceling are left alone and no error is returned.
func (o *Orchestrator) Cancel(ctx context.Context, runID string, caller run.Caller) error {
	if err := o.authorize(runID, caller); err != nil {
		return err
	}
	return o.supervisor.Cancel(ctx, runID)
}

// Delete cancels a run if needed, waits for it to settle, then purges
// its directory down to the tombstone
func (o *Orchestrator) Delete(ctx context.Context, runID string, caller run.Caller) error {
	if err := o.authorize(runID, caller); err != nil {
		return err
	}
	return o.delete(ctx, runID)
}

func (o *Orchestrator) delete(ctx context.Context, runID string) error {
	log := logger.ForRun(o.logger, runID)

	current, err := o.reconciler.Derive(ctx, runID)
	if err != nil {
		return err
	}
	if current == state.StatusDeleted {
		return nil
	}

	if current.IsActive() {
		if err := o.supervisor.Cancel(ctx, runID); err != nil {
			return err
		}
		if current, err = o.awaitSettled(ctx, runID); err != nil {
			return err
		}
		if current == state.StatusDeleted {
			return nil
		}
	}

	_, err = o.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		switch {
		case tx.From == state.StatusDeleting || tx.From == state.StatusDeleted:
			return nil
		case tx.From.IsActive():
			return fmt.Errorf("run %s is %s and cannot be deleted yet", runID, tx.From)
		}
		return tx.MoveTo(state.StatusDeleting)
	})
	if err != nil {
		return err
	}

	if err := o.store.DeleteContents(runID, rundir.Tombstone...); err != nil {
		return err
	}

	_, err = o.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		if tx.From == state.StatusDeleted {
			return nil
		}
		return tx.MoveTo(state.StatusDeleted)
	})
	if err != nil {
		return err
	}
	log.Info("run deleted")
	return nil
}

// awaitSettled polls until a canceled run leaves the active states
func (o *Orchestrator) awaitSettled(ctx context.Context, runID string) (state.Status, error) {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		current, err := o.reconciler.Derive(ctx, runID)
		if err != nil {
			return current, err
		}
		if !current.IsActive() {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return current, fmt.Errorf("run %s did not stop: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// BulkDelete deletes several runs. Every id is checked for existence and
// ownership before anything is deleted; after that each run is deleted
// independently and failures are collected in a *BulkDeleteError.
func (o *Orchestrator) BulkDelete(ctx context.Context, runIDs []string, caller run.Caller) error {
	seen := make(map[string]bool, len(runIDs))
	ids := make([]string, 0, len(runIDs))
	for _, id := range runIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := o.authorize(id, caller); err != nil {
			return err
		}
		ids = append(ids, id)
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := o.delete(ctx, id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return &BulkDeleteError{Failed: failed}
	}
	o.logger.Info("bulk delete finished", "runs", len(ids))
	return nil
}
