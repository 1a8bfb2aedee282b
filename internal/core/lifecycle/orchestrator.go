// Package lifecycle composes the run directory store, the reconciler, the
// process supervisor and the index into the run operations exposed to
// the API and CLI layers.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aki/wesd/internal/core/attachment"
	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/process"
	"github.com/aki/wesd/internal/core/reconcile"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/core/rundir"
)

// exitCodeStagingFailed is recorded when attachments could not be fetched
const exitCodeStagingFailed = 1

// Config holds the orchestrator settings derived from the service configuration
type Config struct {
	// EngineCommand is the engine argv; the run directory is appended
	EngineCommand []string
	EngineEnv     map[string]string
	CancelGrace   time.Duration
	StaleAfter    time.Duration

	// WorkflowTypes maps supported workflow types to their versions.
	// Empty accepts any type; an empty version list accepts any version.
	WorkflowTypes map[string][]string
	AllowedURLs   []string

	// ExternalURL prefixes output file URLs
	ExternalURL string
	AuthEnabled bool
}

// ProvenanceGenerator produces the provenance document of a finished run
type ProvenanceGenerator interface {
	Generate(ctx context.Context, r *run.Run) (json.RawMessage, error)
}

// Orchestrator implements submit, get, list, cancel and delete over run directories
type Orchestrator struct {
	cfg        Config
	store      *rundir.Store
	index      *index.Store
	registry   *process.Registry
	reconciler *reconcile.Reconciler
	supervisor *process.Supervisor
	stager     *attachment.Stager
	provenance ProvenanceGenerator
	newID      func() string
	now        func() time.Time
	logger     logger.Logger

	mu     sync.RWMutex
	closed bool
	tasks  sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithStager replaces the attachment stager
func WithStager(s *attachment.Stager) Option {
	return func(o *Orchestrator) {
		o.stager = s
	}
}

// WithProvenance registers a provenance generator
func WithProvenance(g ProvenanceGenerator) Option {
	return func(o *Orchestrator) {
		o.provenance = g
	}
}

// WithIDGenerator overrides run id generation
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New wires an orchestrator over store and idx
func New(cfg Config, store *rundir.Store, idx *index.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		index:    idx,
		registry: process.NewRegistry(),
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.stager == nil {
		o.stager = attachment.New(attachment.WithLogger(o.logger))
	}

	o.reconciler = reconcile.New(store, o.registry,
		reconcile.WithLogger(o.logger),
		reconcile.WithStaleAfter(cfg.StaleAfter),
		reconcile.WithClock(o.now),
	)
	o.supervisor = process.NewSupervisor(o.reconciler, o.registry,
		process.WithLogger(o.logger),
		process.WithCancelGrace(cfg.CancelGrace),
		process.WithFinalizer(o.collectOutputs),
	)
	o.reconciler.AddChangeHandler(o.syncIndex)
	return o
}

// Reconciler returns the state reconciler
func (o *Orchestrator) Reconciler() *reconcile.Reconciler {
	return o.reconciler
}

// Submit validates req, creates the run directory and returns the run id.
// Staging and engine execution continue in the background.
func (o *Orchestrator) Submit(ctx context.Context, req *run.Request, caller run.Caller) (string, error) {
	if err := o.ValidateRequest(req); err != nil {
		return "", err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", ErrClosed
	}

	runID := o.newID()
	if err := o.store.Create(runID); err != nil {
		return "", err
	}
	o.registry.Track(runID)

	if err := o.persist(ctx, runID, req, caller); err != nil {
		o.registry.Untrack(runID)
		return "", err
	}

	o.tasks.Add(1)
	go o.execute(runID, req)

	logger.ForRun(o.logger, runID).Info("run submitted", "workflow_type", req.WorkflowType, "workflow_url", req.WorkflowURL)
	return runID, nil
}

func (o *Orchestrator) persist(ctx context.Context, runID string, req *run.Request, caller run.Caller) error {
	if len(req.WorkflowParams) > 0 {
		if err := rundir.Write(o.store, runID, rundir.WorkflowParams, []byte(req.WorkflowParams)); err != nil {
			return err
		}
	}
	if !caller.Anonymous() {
		if err := rundir.Write(o.store, runID, rundir.Username, caller.Username); err != nil {
			return err
		}
	}
	// The request artifact marks the directory as a run, so it goes last
	// among the synchronous writes
	if err := rundir.WriteOnce(o.store, runID, rundir.RunRequest, *req); err != nil {
		return err
	}
	_, err := o.reconciler.Transition(ctx, runID, state.StatusQueued)
	return err
}

// execute is the background task of one run
func (o *Orchestrator) execute(runID string, req *run.Request) {
	defer o.tasks.Done()
	defer o.registry.Untrack(runID)

	log := logger.ForRun(o.logger, runID)
	ctx := logger.WithContext(context.Background(), log)

	_, err := o.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
		if tx.From == state.StatusCanceling {
			return process.ErrCanceledBeforeFork
		}
		if err := tx.MoveTo(state.StatusInitializing); err != nil {
			return err
		}
		return rundir.Write(o.store, runID, rundir.StartTime, o.now())
	})
	if err != nil {
		o.abort(ctx, runID, err)
		return
	}

	stopKeepAlive := o.keepAlive(runID)
	err = o.stager.Stage(ctx, o.store.ExecDir(runID), req.WorkflowAttachment)
	stopKeepAlive()
	if err != nil {
		log.Warn("failed to stage attachments", "error", err)
		if err := o.supervisor.Fail(ctx, runID, err.Error(), exitCodeStagingFailed); err != nil {
			log.Error("failed to record staging failure", "error", err)
		}
		return
	}

	command := append(append([]string(nil), o.cfg.EngineCommand...), o.store.Resolve(runID))
	h, err := o.supervisor.Fork(ctx, runID, process.Spec{
		Command: command,
		Dir:     o.store.ExecDir(runID),
		Env:     o.cfg.EngineEnv,
	})
	if err != nil {
		o.abort(ctx, runID, err)
		return
	}

	final, err := o.supervisor.WaitAndFinalize(ctx, h)
	if err != nil {
		log.Error("failed to finalize run", "error", err)
		return
	}
	o.generateProvenance(ctx, runID, final)
}

// keepAlive refreshes the state artifact while attachments are staged.
// Other processes take a pre-fork run whose state has not changed for the
// stale period as lost.
func (o *Orchestrator) keepAlive(runID string) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.reconciler.StaleAfter() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if err := o.store.Touch(runID, rundir.State); err != nil {
					o.logger.Debug("failed to refresh run state", "run_id", runID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// abort settles a run whose background task stopped before an engine ran
func (o *Orchestrator) abort(ctx context.Context, runID string, cause error) {
	log := logger.ForRun(o.logger, runID)

	var forkErr *process.ForkError
	var err error
	switch {
	case errors.Is(cause, process.ErrCanceledBeforeFork):
		log.Info("run canceled before the engine started")
		err = o.supervisor.ConfirmCanceled(ctx, runID)
	case errors.As(cause, &forkErr):
		log.Warn("failed to launch engine", "error", cause)
		err = o.supervisor.Fail(ctx, runID, forkErr.Error(), process.ForkExitCode(cause))
	default:
		log.Error("run background task failed", "error", cause)
		_, err = o.reconciler.Update(ctx, runID, func(tx *reconcile.Tx) error {
			if tx.From.IsTerminal() || tx.From == state.StatusDeleting {
				return nil
			}
			target := state.StatusSystemError
			code := reconcile.ExitCodeUnknown
			if tx.From == state.StatusCanceling {
				target, code = state.StatusCanceled, reconcile.ExitCodeCanceled
			}
			if err := tx.MoveTo(target); err != nil {
				return err
			}
			return o.reconciler.RecordExit(runID, code)
		})
	}
	if err != nil {
		log.Error("failed to record run failure", "error", err)
	}
}

// Shutdown stops accepting runs and waits for background tasks. Engines
// still running when ctx ends are left to lazy recovery after a restart.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.supervisor.Close()
		return nil
	case <-ctx.Done():
		o.supervisor.Close()
		return fmt.Errorf("background runs still active: %w", ctx.Err())
	}
}
