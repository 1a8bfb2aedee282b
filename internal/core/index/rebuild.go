package index

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aki/wesd/internal/core/run"
)

const rebuildConcurrency = 8

// Source derives summaries from the authoritative run directories
type Source interface {
	// RunIDs lists every run that should appear in the index
	RunIDs() ([]string, error)
	// Summarize derives the current summary of one run
	Summarize(ctx context.Context, runID string) (run.Summary, error)
}

// Rebuild replaces the index contents with summaries derived from src.
// Runs that cannot be summarized are skipped and logged.
func (s *Store) Rebuild(ctx context.Context, src Source) (int, error) {
	ids, err := src.RunIDs()
	if err != nil {
		return 0, fmt.Errorf("failed to list runs: %w", err)
	}

	var (
		mu        sync.Mutex
		summaries = make([]run.Summary, 0, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			summary, err := src.Summarize(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("skipping run during index rebuild", "run_id", id, "error", err)
				return nil
			}
			mu.Lock()
			summaries = append(summaries, summary)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := s.replaceAll(ctx, summaries); err != nil {
		return 0, err
	}
	s.logger.Info("rebuilt run index", "runs", len(summaries))
	return len(summaries), nil
}

func (s *Store) replaceAll(ctx context.Context, summaries []run.Summary) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("failed to roll back rebuild", "error", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM run_tags`); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("failed to clear runs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO runs (run_id, username, state, start_time, end_time, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, summary := range summaries {
		tags, mErr := marshalTags(summary.Tags)
		if mErr != nil {
			return mErr
		}
		updated := summary.UpdatedAt.UnixNano()
		if summary.UpdatedAt.IsZero() {
			updated = 0
		}
		if _, err = stmt.ExecContext(ctx, summary.RunID, summary.Username, summary.State.String(),
			formatTime(summary.StartTime), formatTime(summary.EndTime), tags, updated); err != nil {
			return fmt.Errorf("failed to insert run %s: %w", summary.RunID, err)
		}
		if err = replaceTags(ctx, tx, summary.RunID, summary.Tags); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}
