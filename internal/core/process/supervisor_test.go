package process

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aki/wesd/internal/core/reconcile"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	store *rundir.Store
	rec   *reconcile.Reconciler
	reg   *Registry
	sup   *Supervisor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	store, err := rundir.New(t.TempDir())
	require.NoError(t, err)
	reg := NewRegistry()
	rec := reconcile.New(store, reg)
	sup := NewSupervisor(rec, reg, opts...)
	t.Cleanup(func() {
		sup.Close()
		sup.Wait()
	})
	return &fixture{store: store, rec: rec, reg: reg, sup: sup}
}

// initializing creates a tracked run that is ready to fork
func (f *fixture) initializing(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, f.store.Create(id))
	require.NoError(t, rundir.Write(f.store, id, rundir.State, state.StatusInitializing))
	require.True(t, f.reg.Track(id))
	t.Cleanup(func() { f.reg.Untrack(id) })
	return id
}

// shell runs script with the run id as $0, so the command line names the run
func shell(runID, script string) Spec {
	return Spec{Command: []string{"/bin/sh", "-c", script, runID}}
}

func readState(t *testing.T, store *rundir.Store, id string) state.Status {
	t.Helper()
	st, err := store.ReadState(id)
	require.NoError(t, err)
	return st
}

func TestFork_Complete(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "echo hello; echo oops >&2"))
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, readState(t, f.store, id))

	pid, ok, err := rundir.Read(f.store, id, rundir.PID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.PID, pid)

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, final)
	assert.Equal(t, state.StatusComplete, readState(t, f.store, id))

	code, ok, err := rundir.Read(f.store, id, rundir.ExitCode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.True(t, f.store.Has(id, rundir.EndTime))

	stdout, _, err := rundir.Read(f.store, id, rundir.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	stderr, _, err := rundir.Read(f.store, id, rundir.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", stderr)

	cmd, ok, err := rundir.Read(f.store, id, rundir.Cmd)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, shell(id, "echo hello; echo oops >&2").Command, cmd)
}

func TestFork_NonzeroExit(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "exit 3"))
	require.NoError(t, err)

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusExecutorError, final)

	code, _, err := rundir.Read(f.store, id, rundir.ExitCode)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestFork_EnvironmentAndDir(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	spec := shell(id, `printf '%s|%s' "$RUN_MODE" "$(pwd)"`)
	spec.Env = map[string]string{"RUN_MODE": "test"}
	spec.Dir = f.store.ExecDir(id)

	h, err := f.sup.Fork(ctx, id, spec)
	require.NoError(t, err)
	_, err = f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)

	stdout, _, err := rundir.Read(f.store, id, rundir.Stdout)
	require.NoError(t, err)
	assert.Contains(t, stdout, "test|")
	assert.Contains(t, stdout, rundir.ExeDir)
}

func TestFork_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	_, err := f.sup.Fork(ctx, id, Spec{Command: []string{"/nonexistent/engine", id}})
	var forkErr *ForkError
	require.True(t, errors.As(err, &forkErr), "got %v", err)
	assert.Equal(t, ExitCodeNotFound, ForkExitCode(err))
	assert.False(t, f.store.Has(id, rundir.PID))
	assert.Equal(t, state.StatusInitializing, readState(t, f.store, id))

	require.NoError(t, f.sup.Fail(ctx, id, err.Error(), ForkExitCode(err)))
	assert.Equal(t, state.StatusExecutorError, readState(t, f.store, id))

	stderr, _, err := rundir.Read(f.store, id, rundir.Stderr)
	require.NoError(t, err)
	assert.Contains(t, stderr, "/nonexistent/engine")

	code, _, err := rundir.Read(f.store, id, rundir.ExitCode)
	require.NoError(t, err)
	assert.Equal(t, ExitCodeNotFound, code)
}

func TestFork_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "exit 0"))
	require.NoError(t, err)

	_, err = f.sup.Fork(ctx, id, shell(id, "exit 0"))
	require.Error(t, err)

	_, err = f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)

	pid, _, err := rundir.Read(f.store, id, rundir.PID)
	require.NoError(t, err)
	assert.Equal(t, h.PID, pid)
}

func TestCancel_Running(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "while :; do sleep 0.1; done"))
	require.NoError(t, err)

	require.NoError(t, f.sup.Cancel(ctx, id))
	st := readState(t, f.store, id)
	assert.True(t, st == state.StatusCanceling || st == state.StatusCanceled, st.String())

	// A second cancel is a no-op
	require.NoError(t, f.sup.Cancel(ctx, id))

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCanceled, final)

	code, _, err := rundir.Read(f.store, id, rundir.ExitCode)
	require.NoError(t, err)
	assert.Equal(t, 143, code)
}

func TestCancel_EscalatesToKill(t *testing.T) {
	f := newFixture(t, WithCancelGrace(200*time.Millisecond))
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "trap '' TERM; while :; do sleep 0.1; done"))
	require.NoError(t, err)
	// Give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, f.sup.Cancel(ctx, id))

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine was not killed after the grace period")
	}

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCanceled, final)
	assert.Equal(t, 137, h.ExitCode())
}

// otherProcess returns a supervisor sharing the run directory but not the
// registry, like a CLI invocation next to a running server
func (f *fixture) otherProcess(opts ...Option) *Supervisor {
	reg := NewRegistry()
	return NewSupervisor(reconcile.New(f.store, reg), reg, opts...)
}

func TestCancel_FromOtherProcessEscalatesBeforeClose(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "trap '' TERM; while :; do sleep 0.1; done"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	other := f.otherProcess(WithCancelGrace(200 * time.Millisecond))
	require.NoError(t, other.Cancel(ctx, id))
	other.Close()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("engine still alive after the canceling process closed")
	}

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCanceled, final)
	assert.Equal(t, 137, h.ExitCode())
}

func TestCancel_FromOtherProcessCloseReturnsOnExit(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "while :; do sleep 0.1; done"))
	require.NoError(t, err)

	other := f.otherProcess(WithCancelGrace(time.Minute))
	require.NoError(t, other.Cancel(ctx, id))

	closed := make(chan struct{})
	go func() {
		other.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited for the full grace period of an engine that exited")
	}

	final, err := f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCanceled, final)
	assert.Equal(t, 143, h.ExitCode())
}

func TestCancel_BeforeFork(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	require.NoError(t, f.sup.Cancel(ctx, id))
	assert.Equal(t, state.StatusCanceling, readState(t, f.store, id))

	_, err := f.sup.Fork(ctx, id, shell(id, "exit 0"))
	require.True(t, errors.Is(err, ErrCanceledBeforeFork), "got %v", err)
	assert.False(t, f.store.Has(id, rundir.PID))

	require.NoError(t, f.sup.ConfirmCanceled(ctx, id))
	assert.Equal(t, state.StatusCanceled, readState(t, f.store, id))
	assert.True(t, f.store.Has(id, rundir.ExitCode))
	assert.True(t, f.store.Has(id, rundir.EndTime))
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()
	require.NoError(t, f.store.Create(id))
	require.NoError(t, rundir.Write(f.store, id, rundir.State, state.StatusComplete))

	require.NoError(t, f.sup.Cancel(t.Context(), id))
	require.NoError(t, f.sup.Cancel(t.Context(), id))
	assert.Equal(t, state.StatusComplete, readState(t, f.store, id))
}

func TestCancel_ReusedPIDIsNotSignaled(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()
	require.NoError(t, f.store.Create(id))
	require.NoError(t, rundir.Write(f.store, id, rundir.State, state.StatusRunning))
	// The test process is alive but its command line does not name the run
	require.NoError(t, rundir.WriteOnce(f.store, id, rundir.PID, os.Getpid()))

	require.NoError(t, f.sup.Cancel(t.Context(), id))
	assert.Equal(t, state.StatusCanceling, readState(t, f.store, id))
}

func TestMatches(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	id := f.initializing(t)

	h, err := f.sup.Fork(ctx, id, shell(id, "while :; do sleep 0.1; done"))
	require.NoError(t, err)

	assert.True(t, Matches(h.PID, id))
	assert.False(t, Matches(h.PID, uuid.NewString()))
	assert.False(t, Matches(-1, id))
	assert.True(t, f.reg.Alive(h.PID, id))

	require.NoError(t, f.sup.Cancel(ctx, id))
	_, err = f.sup.WaitAndFinalize(ctx, h)
	require.NoError(t, err)
	assert.False(t, Matches(h.PID, id))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	id := uuid.NewString()

	assert.False(t, reg.Tracking(id))
	assert.True(t, reg.Track(id))
	assert.False(t, reg.Track(id))
	assert.True(t, reg.Tracking(id))

	_, ok := reg.Handle(id)
	assert.False(t, ok)

	reg.Untrack(id)
	assert.False(t, reg.Tracking(id))
	assert.Equal(t, 0, reg.Len())
}

func TestForkExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeNotFound, ForkExitCode(&ForkError{Err: os.ErrNotExist}))
	assert.Equal(t, ExitCodeCannotExecute, ForkExitCode(&ForkError{Err: os.ErrPermission}))
	assert.Equal(t, ExitCodeCannotExecute, ForkExitCode(context.Canceled))
}
