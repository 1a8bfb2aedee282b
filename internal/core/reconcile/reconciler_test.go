package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

type fakeLiveness struct {
	mu      sync.Mutex
	tracked map[string]bool
	alive   map[int]bool
}

func newFakeLiveness() *fakeLiveness {
	return &fakeLiveness{tracked: map[string]bool{}, alive: map[int]bool{}}
}

func (f *fakeLiveness) Tracking(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[runID]
}

func (f *fakeLiveness) Alive(pid int, runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func setup(t *testing.T, opts ...Option) (*Reconciler, *rundir.Store, *fakeLiveness) {
	t.Helper()
	store, err := rundir.New(t.TempDir())
	require.NoError(t, err)
	live := newFakeLiveness()
	return New(store, live, opts...), store, live
}

func createRun(t *testing.T, store *rundir.Store, st state.Status) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, store.Create(id))
	require.NoError(t, rundir.Write(store, id, rundir.State, st))
	return id
}

func TestDerive_NotFound(t *testing.T) {
	r, _, _ := setup(t)
	_, err := r.Derive(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, rundir.ErrRunNotFound))
}

func TestDerive_AbsentStateIsUnknown(t *testing.T) {
	r, store, _ := setup(t)
	id := uuid.NewString()
	require.NoError(t, store.Create(id))

	st, err := r.Derive(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusUnknown, st)
}

func TestDerive_CorruptStateIsSystemError(t *testing.T) {
	r, store, _ := setup(t)
	id := uuid.NewString()
	require.NoError(t, store.Create(id))
	require.NoError(t, os.WriteFile(store.Path(id, rundir.State), []byte("???"), 0o644))

	st, err := r.Derive(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSystemError, st)
}

func TestDerive_CrashRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("running with dead pid becomes system error", func(t *testing.T) {
		r, store, _ := setup(t)
		id := createRun(t, store, state.StatusRunning)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 999999))

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusSystemError, st)

		persisted, err := store.ReadState(id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusSystemError, persisted)

		code, ok, err := rundir.Read(store, id, rundir.ExitCode)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ExitCodeUnknown, code)
		assert.True(t, store.Has(id, rundir.EndTime))
	})

	t.Run("running with live pid is trusted", func(t *testing.T) {
		r, store, live := setup(t)
		id := createRun(t, store, state.StatusRunning)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 4242))
		live.alive[4242] = true

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusRunning, st)
	})

	t.Run("tracked run is trusted", func(t *testing.T) {
		r, store, live := setup(t)
		id := createRun(t, store, state.StatusRunning)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 999999))
		live.tracked[id] = true

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusRunning, st)
	})

	t.Run("recorded exit code completes the interrupted finalize", func(t *testing.T) {
		r, store, _ := setup(t)
		id := createRun(t, store, state.StatusRunning)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 999999))
		require.NoError(t, rundir.Write(store, id, rundir.ExitCode, 0))

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusComplete, st)
	})

	t.Run("canceling with dead pid becomes canceled", func(t *testing.T) {
		r, store, _ := setup(t)
		id := createRun(t, store, state.StatusCanceling)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 999999))

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusCanceled, st)

		code, _, err := rundir.Read(store, id, rundir.ExitCode)
		require.NoError(t, err)
		assert.Equal(t, ExitCodeCanceled, code)
	})

	t.Run("queued without pid is lost only once stale", func(t *testing.T) {
		now := time.Now()
		r, store, _ := setup(t, WithStaleAfter(time.Minute), WithClock(func() time.Time { return now }))
		id := createRun(t, store, state.StatusQueued)

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusQueued, st)

		now = now.Add(2 * time.Minute)
		st, err = r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusSystemError, st)
	})

	t.Run("terminal states are never touched", func(t *testing.T) {
		r, store, _ := setup(t)
		id := createRun(t, store, state.StatusComplete)
		require.NoError(t, rundir.Write(store, id, rundir.PID, 999999))

		st, err := r.Derive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusComplete, st)
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	r, store, _ := setup(t)
	id := createRun(t, store, state.StatusQueued)

	var changes []Change
	r.AddChangeHandler(func(_ context.Context, c Change) {
		changes = append(changes, c)
	})

	change, err := r.Transition(ctx, id, state.StatusInitializing)
	require.NoError(t, err)
	assert.Equal(t, Change{RunID: id, From: state.StatusQueued, To: state.StatusInitializing}, change)

	_, err = r.Transition(ctx, id, state.StatusComplete)
	var invalid *state.ErrInvalidTransition
	require.True(t, errors.As(err, &invalid))

	st, err := store.ReadState(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInitializing, st)

	require.Len(t, changes, 1)
	assert.Equal(t, state.StatusInitializing, changes[0].To)
}

func TestTransition_DeletedIsFinal(t *testing.T) {
	r, store, _ := setup(t)
	id := createRun(t, store, state.StatusDeleted)

	for _, to := range []state.Status{state.StatusRunning, state.StatusQueued, state.StatusDeleting} {
		_, err := r.Transition(context.Background(), id, to)
		assert.Error(t, err, to.String())
	}
}

func TestUpdate_ArtifactsVisibleBeforeState(t *testing.T) {
	ctx := context.Background()
	r, store, _ := setup(t)
	id := createRun(t, store, state.StatusRunning)

	_, err := r.Update(ctx, id, func(tx *Tx) error {
		if err := tx.MoveTo(TerminalFor(tx.From, 3)); err != nil {
			return err
		}
		// State is still RUNNING while artifacts are being recorded
		st, err := store.ReadState(id)
		require.NoError(t, err)
		assert.Equal(t, state.StatusRunning, st)
		return r.RecordExit(id, 3)
	})
	require.NoError(t, err)

	err = r.View(ctx, id, func(current state.Status) error {
		assert.Equal(t, state.StatusExecutorError, current)
		assert.True(t, store.Has(id, rundir.ExitCode))
		assert.True(t, store.Has(id, rundir.EndTime))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_FailedFunctionWritesNothing(t *testing.T) {
	r, store, _ := setup(t)
	id := createRun(t, store, state.StatusRunning)
	boom := errors.New("boom")

	_, err := r.Update(context.Background(), id, func(tx *Tx) error {
		require.NoError(t, tx.MoveTo(state.StatusComplete))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	st, err := store.ReadState(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st)
}

func TestTerminalFor(t *testing.T) {
	assert.Equal(t, state.StatusComplete, TerminalFor(state.StatusRunning, 0))
	assert.Equal(t, state.StatusExecutorError, TerminalFor(state.StatusRunning, 1))
	assert.Equal(t, state.StatusCanceled, TerminalFor(state.StatusCanceling, 143))
	assert.Equal(t, state.StatusCanceled, TerminalFor(state.StatusCanceling, 0))
}
