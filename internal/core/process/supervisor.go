// Package process launches and supervises workflow engine processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/reconcile"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

const (
	// DefaultCancelGrace is how long a canceled engine may take to exit
	// after SIGTERM before the process group is killed
	DefaultCancelGrace = 5 * time.Second

	// exitPollInterval is how often an engine forked by another process is
	// checked for exit while its cancel grace period runs
	exitPollInterval = 50 * time.Millisecond

	// Exit codes recorded for engines that could not be launched
	ExitCodeNotFound      = 127
	ExitCodeCannotExecute = 126
)

// Spec describes one engine invocation
type Spec struct {
	Command []string
	Dir     string
	Env     map[string]string
}

// FinalizeFunc runs inside the finalize transition, before the terminal
// state becomes visible
type FinalizeFunc func(runID string, target state.Status) error

// Handle is a forked engine process
type Handle struct {
	RunID string
	PID   int

	cmd      *exec.Cmd
	done     chan struct{}
	doneOnce sync.Once
	exitCode int
}

// Done is closed once the engine has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code, valid after Done is closed
func (h *Handle) ExitCode() int {
	return h.exitCode
}

// Supervisor forks engines, finalizes them on exit, and cancels them
type Supervisor struct {
	store      *rundir.Store
	reconciler *reconcile.Reconciler
	registry   *Registry
	grace      time.Duration
	finalize   FinalizeFunc
	logger     logger.Logger

	monitors    sync.WaitGroup
	escalations sync.WaitGroup
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithCancelGrace sets the SIGTERM to SIGKILL escalation delay
func WithCancelGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithFinalizer registers work to run before the terminal state is written
func WithFinalizer(fn FinalizeFunc) Option {
	return func(s *Supervisor) {
		s.finalize = fn
	}
}

// NewSupervisor creates a supervisor
func NewSupervisor(reconciler *reconcile.Reconciler, registry *Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:      reconciler.Store(),
		reconciler: reconciler,
		registry:   registry,
		grace:      DefaultCancelGrace,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the run registry
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Fork launches the engine for a run in INITIALIZING state and moves it to
// RUNNING. The pid is persisted before the state flips. If a cancel request
// arrived first, nothing is launched and ErrCanceledBeforeFork is returned.
func (s *Supervisor) Fork(ctx context.Context, runID string, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, &ForkError{Command: spec.Command, Err: ErrInvalidCommand}
	}

	var h *Handle
	_, err := s.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		if tx.From == state.StatusCanceling {
			return ErrCanceledBeforeFork
		}
		if err := tx.MoveTo(state.StatusRunning); err != nil {
			return err
		}
		if s.store.Has(runID, rundir.PID) {
			return fmt.Errorf("engine already forked: %w", rundir.ErrArtifactExists)
		}

		started, err := s.start(runID, spec)
		if err != nil {
			return err
		}
		h = started
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.registry.attach(h)
	s.monitors.Add(1)
	go s.monitor(h)

	logger.ForRun(s.logger, runID).Info("engine started", "pid", h.PID, "command", spec.Command)
	return h, nil
}

func (s *Supervisor) start(runID string, spec Spec) (*Handle, error) {
	stdout, err := s.store.OpenStream(runID, rundir.Stdout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stdout.Close() }()

	stderr, err := s.store.OpenStream(runID, rundir.Stderr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.Dir != "" {
		if _, err := os.Stat(spec.Dir); err != nil {
			return nil, &ForkError{Command: spec.Command, Err: fmt.Errorf("working directory does not exist: %w", err)}
		}
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &ForkError{Command: spec.Command, Err: err}
	}

	h := &Handle{
		RunID: runID,
		PID:   cmd.Process.Pid,
		cmd:   cmd,
		done:  make(chan struct{}),
	}

	if err := rundir.WriteOnce(s.store, runID, rundir.PID, h.PID); err != nil {
		_ = kill(h.PID)
		_ = cmd.Wait()
		return nil, err
	}
	if err := rundir.Write(s.store, runID, rundir.Cmd, spec.Command); err != nil {
		s.logger.Warn("failed to record command line", "run_id", runID, "error", err)
	}
	return h, nil
}

// monitor reaps the engine and closes the handle
func (s *Supervisor) monitor(h *Handle) {
	defer s.monitors.Done()

	_ = h.cmd.Wait()
	h.exitCode = exitCode(h.cmd.ProcessState)
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

// WaitAndFinalize blocks until the engine exits, records exit_code and
// end_time together, and only then writes the terminal state.
func (s *Supervisor) WaitAndFinalize(ctx context.Context, h *Handle) (state.Status, error) {
	<-h.done
	code := h.ExitCode()

	change, err := s.reconciler.Update(context.WithoutCancel(ctx), h.RunID, func(tx *reconcile.Tx) error {
		if tx.From.IsTerminal() || tx.From == state.StatusDeleting {
			return nil
		}

		target := reconcile.TerminalFor(tx.From, code)
		if err := tx.MoveTo(target); err != nil {
			return err
		}
		if s.finalize != nil {
			if err := s.finalize(h.RunID, target); err != nil {
				s.logger.Warn("finalizer failed", "run_id", h.RunID, "error", err)
			}
		}
		return s.reconciler.RecordExit(h.RunID, code)
	})
	if err != nil {
		return change.From, fmt.Errorf("failed to finalize run %s: %w", h.RunID, err)
	}

	logger.ForRun(s.logger, h.RunID).Info("engine exited", "exit_code", code, "state", change.To)
	return change.To, nil
}

// Fail records a run that could not reach its engine as EXECUTOR_ERROR,
// with detail captured as stderr
func (s *Supervisor) Fail(ctx context.Context, runID string, detail string, code int) error {
	_, err := s.reconciler.Update(context.WithoutCancel(ctx), runID, func(tx *reconcile.Tx) error {
		target := state.StatusExecutorError
		if tx.From == state.StatusCanceling {
			target = state.StatusCanceled
			code = reconcile.ExitCodeCanceled
		}
		if err := tx.MoveTo(target); err != nil {
			return err
		}
		if err := rundir.Write(s.store, runID, rundir.Stderr, detail+"\n"); err != nil {
			return err
		}
		return s.reconciler.RecordExit(runID, code)
	})
	return err
}

// ConfirmCanceled finishes a run whose cancel request arrived before fork
func (s *Supervisor) ConfirmCanceled(ctx context.Context, runID string) error {
	_, err := s.reconciler.Update(context.WithoutCancel(ctx), runID, func(tx *reconcile.Tx) error {
		if err := tx.MoveTo(state.StatusCanceled); err != nil {
			return err
		}
		return s.reconciler.RecordExit(runID, reconcile.ExitCodeCanceled)
	})
	return err
}

// ForkExitCode returns the exit code recorded for a launch failure
func ForkExitCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ExitCodeNotFound
	}
	return ExitCodeCannotExecute
}

// Cancel requests termination of a run. Runs that are not QUEUED,
// INITIALIZING or RUNNING are left alone. The run moves to CANCELING and
// the engine process group, if one exists and still belongs to the run,
// receives SIGTERM. CANCELED is written later by WaitAndFinalize.
func (s *Supervisor) Cancel(ctx context.Context, runID string) error {
	var pid int
	var hasPID bool
	change, err := s.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		if !tx.From.IsCancelable() {
			return nil
		}
		if err := tx.MoveTo(state.StatusCanceling); err != nil {
			return err
		}

		var err error
		pid, hasPID, err = rundir.Read(s.store, runID, rundir.PID)
		return err
	})
	if err != nil {
		return err
	}
	if change.From == change.To {
		s.logger.Debug("cancel ignored", "run_id", runID, "state", change.From)
		return nil
	}

	log := logger.ForRun(s.logger, runID)
	if !hasPID {
		log.Info("cancel requested before fork")
		return nil
	}
	if !Matches(pid, runID) {
		log.Info("engine already gone", "pid", pid)
		return nil
	}

	if err := terminate(pid); err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return nil
		}
		return err
	}
	log.Info("sent SIGTERM to engine", "pid", pid)

	s.escalations.Add(1)
	go s.escalate(runID, pid)
	return nil
}

// escalate kills the process group if it outlives the grace period. An
// engine forked by another process has no handle here, so its exit is polled.
func (s *Supervisor) escalate(runID string, pid int) {
	defer s.escalations.Done()

	var done <-chan struct{}
	if h, ok := s.registry.Handle(runID); ok && h.PID == pid {
		done = h.Done()
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !Matches(pid, runID) {
				return
			}
		case <-timer.C:
			break wait
		}
	}

	if !Matches(pid, runID) {
		return
	}
	if err := kill(pid); err != nil && !errors.Is(err, ErrProcessNotFound) {
		s.logger.Warn("failed to kill engine", "run_id", runID, "pid", pid, "error", err)
		return
	}
	s.logger.Warn("engine ignored SIGTERM, killed process group", "run_id", runID, "pid", pid)
}

// Close waits for pending escalations. A cancel issued by a short-lived
// process therefore still kills an engine that ignores SIGTERM before the
// process exits. Running engines are left alone; after a restart their
// runs are recovered lazily by the reconciler.
func (s *Supervisor) Close() {
	s.escalations.Wait()
}

// Wait blocks until every forked engine has been reaped
func (s *Supervisor) Wait() {
	s.monitors.Wait()
}
