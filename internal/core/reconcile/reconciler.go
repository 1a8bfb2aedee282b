// Package reconcile derives run state from the run directory and guards
// every state write with the run's transition table.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

const (
	// ExitCodeUnknown is recorded when a run was lost before its engine exited
	ExitCodeUnknown = -1

	// ExitCodeCanceled is 128+SIGTERM, recorded when a cancel is confirmed
	// without an engine exit status to report
	ExitCodeCanceled = 143

	defaultStaleAfter = 10 * time.Minute
)

// Liveness answers whether a run still has a supervisor or a live engine
type Liveness interface {
	// Tracking reports whether a background task in this process owns the run
	Tracking(runID string) bool
	// Alive reports whether pid is a live process that belongs to runID
	Alive(pid int, runID string) bool
}

// ChangeHandler is called after a state transition has been persisted
type ChangeHandler func(ctx context.Context, change Change)

// Change describes one persisted transition
type Change struct {
	RunID string
	From  state.Status
	To    state.Status
}

// Reconciler reads and writes run state through the transition table
type Reconciler struct {
	store      *rundir.Store
	liveness   Liveness
	staleAfter time.Duration
	now        func() time.Time
	logger     logger.Logger

	mu       sync.RWMutex
	handlers []ChangeHandler
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithStaleAfter sets how long an untracked run may sit before fork
// without a pid before it is considered lost
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler over store
func New(store *rundir.Store, liveness Liveness, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      store,
		liveness:   liveness,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaleAfter returns how long an untracked run may sit before fork
func (r *Reconciler) StaleAfter() time.Duration {
	return r.staleAfter
}

// AddChangeHandler registers a handler for persisted transitions
func (r *Reconciler) AddChangeHandler(h ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Reconciler) notify(ctx context.Context, change Change) {
	r.mu.RLock()
	handlers := append([]ChangeHandler(nil), r.handlers...)
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, change)
	}
}

// Store returns the underlying run directory store
func (r *Reconciler) Store() *rundir.Store {
	return r.store
}

// Tx is the view a transition function gets of a run under its lock
type Tx struct {
	RunID string
	From  state.Status

	to  state.Status
	set bool
}

// MoveTo validates and records the target state.
// The state artifact is written after the transition function returns.
func (tx *Tx) MoveTo(to state.Status) error {
	if err := state.ValidateTransition(tx.From, to); err != nil {
		return err
	}
	tx.to = to
	tx.set = true
	return nil
}

// Update runs fn under the run's exclusive lock. Artifacts written by fn
// become visible before the new state does.
func (r *Reconciler) Update(ctx context.Context, runID string, fn func(tx *Tx) error) (Change, error) {
	if ok, err := r.store.Exists(runID); err != nil {
		return Change{}, err
	} else if !ok {
		return Change{}, fmt.Errorf("%w: %s", rundir.ErrRunNotFound, runID)
	}

	lock := r.store.Lock(runID)
	if err := lock.Lock(ctx); err != nil {
		return Change{}, fmt.Errorf("failed to lock run %s: %w", runID, err)
	}

	change, err := r.update(runID, fn)
	if unlockErr := lock.Unlock(); unlockErr != nil {
		r.logger.Debug("failed to release run lock", "run_id", runID, "error", unlockErr)
	}
	if err != nil {
		return change, err
	}

	if change.From != change.To {
		r.logger.Debug("run state changed", "run_id", runID, "from", change.From, "to", change.To)
		r.notify(ctx, change)
	}
	return change, nil
}

func (r *Reconciler) update(runID string, fn func(tx *Tx) error) (Change, error) {
	current, err := r.store.ReadState(runID)
	if err != nil {
		if !rundir.IsCorrupt(err) {
			return Change{}, err
		}
		current = state.StatusSystemError
	}

	tx := &Tx{RunID: runID, From: current}
	if err := fn(tx); err != nil {
		return Change{RunID: runID, From: current, To: current}, err
	}
	if !tx.set {
		return Change{RunID: runID, From: current, To: current}, nil
	}

	if err := rundir.Write(r.store, runID, rundir.State, tx.to); err != nil {
		return Change{RunID: runID, From: current, To: current}, err
	}
	return Change{RunID: runID, From: current, To: tx.to}, nil
}

// Transition moves runID to the target state
func (r *Reconciler) Transition(ctx context.Context, runID string, to state.Status) (Change, error) {
	return r.Update(ctx, runID, func(tx *Tx) error {
		return tx.MoveTo(to)
	})
}

// View runs fn under the run's shared lock after deriving its state, so
// artifacts written together by Update are observed together.
func (r *Reconciler) View(ctx context.Context, runID string, fn func(current state.Status) error) error {
	current, err := r.Derive(ctx, runID)
	if err != nil {
		return err
	}

	lock := r.store.Lock(runID)
	if err := lock.RLock(ctx); err != nil {
		return fmt.Errorf("failed to lock run %s: %w", runID, err)
	}
	defer func() { _ = lock.Unlock() }()

	// Re-read so the state matches the artifacts seen under the lock
	if st, err := r.store.ReadState(runID); err == nil {
		current = st
	}
	return fn(current)
}

// Derive returns the current state of runID. The state artifact is
// authoritative; the only correction applied is crash recovery for
// active runs that nothing supervises any more.
func (r *Reconciler) Derive(ctx context.Context, runID string) (state.Status, error) {
	if ok, err := r.store.Exists(runID); err != nil {
		return state.StatusUnknown, err
	} else if !ok {
		return state.StatusUnknown, fmt.Errorf("%w: %s", rundir.ErrRunNotFound, runID)
	}

	current, err := r.store.ReadState(runID)
	if err != nil {
		if rundir.IsCorrupt(err) {
			r.logger.Warn("run has a corrupt state artifact", "run_id", runID, "error", err)
			return state.StatusSystemError, nil
		}
		return state.StatusUnknown, err
	}

	if !r.lost(runID, current) {
		return current, nil
	}
	return r.recover(ctx, runID)
}

// lost reports whether an active run has neither a supervisor nor a live engine
func (r *Reconciler) lost(runID string, current state.Status) bool {
	switch current {
	case state.StatusQueued, state.StatusInitializing, state.StatusRunning, state.StatusCanceling:
	default:
		return false
	}
	if r.liveness == nil || r.liveness.Tracking(runID) {
		return false
	}

	pid, ok, err := rundir.Read(r.store, runID, rundir.PID)
	if err != nil {
		return false
	}
	if ok {
		return !r.liveness.Alive(pid, runID)
	}

	if current == state.StatusRunning {
		return true
	}

	// Not forked yet: only lost once the state has been idle for a while
	info, err := os.Stat(r.store.Path(runID, rundir.State))
	if err != nil {
		return false
	}
	return r.now().Sub(info.ModTime()) > r.staleAfter
}

func (r *Reconciler) recover(ctx context.Context, runID string) (state.Status, error) {
	var recovered bool
	change, err := r.Update(ctx, runID, func(tx *Tx) error {
		if !r.lost(runID, tx.From) {
			return nil
		}

		code, hasCode, err := rundir.Read(r.store, runID, rundir.ExitCode)
		if err != nil {
			return err
		}

		var target state.Status
		switch {
		case hasCode:
			// The finalizer died between recording the exit and flipping state
			target = TerminalFor(tx.From, code)
		case tx.From == state.StatusCanceling:
			target, code = state.StatusCanceled, ExitCodeCanceled
		default:
			target, code = state.StatusSystemError, ExitCodeUnknown
		}

		if err := tx.MoveTo(target); err != nil {
			if err := tx.MoveTo(state.StatusSystemError); err != nil {
				return err
			}
		}
		recovered = true
		return r.recordExit(runID, code, hasCode)
	})
	if err != nil {
		return change.From, err
	}

	if recovered {
		r.logger.Warn("recovered lost run", "run_id", runID, "from", change.From, "to", change.To)
	}
	return change.To, nil
}

// recordExit writes the exit code and end time pair, keeping values that
// are already present
func (r *Reconciler) recordExit(runID string, code int, hasCode bool) error {
	if !hasCode {
		if err := rundir.Write(r.store, runID, rundir.ExitCode, code); err != nil {
			return err
		}
	}
	if !r.store.Has(runID, rundir.EndTime) {
		if err := rundir.Write(r.store, runID, rundir.EndTime, r.now()); err != nil {
			return err
		}
	}
	return nil
}

// RecordExit writes exit_code and end_time inside a transition function
func (r *Reconciler) RecordExit(runID string, code int) error {
	return r.recordExit(runID, code, false)
}

// TerminalFor maps an engine exit to the terminal state, given the state
// the run was in when the engine exited
func TerminalFor(from state.Status, exitCode int) state.Status {
	switch {
	case from == state.StatusCanceling:
		return state.StatusCanceled
	case exitCode == 0:
		return state.StatusComplete
	default:
		return state.StatusExecutorError
	}
}
