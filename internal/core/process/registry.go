package process

import (
	"strings"
	"sync"
)

// Registry records which runs have a background task in this process and
// the engine handle once it has been forked. It implements the liveness
// checks used by crash recovery.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Handle)}
}

// Track reserves runID for a background task. It returns false when the
// run is already tracked, which keeps a run to a single fork.
func (r *Registry) Track(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return false
	}
	r.runs[runID] = nil
	return true
}

// Untrack releases runID once its background task has finished
func (r *Registry) Untrack(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Tracking reports whether a background task in this process owns runID
func (r *Registry) Tracking(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// Handle returns the forked engine of runID, if any
func (r *Registry) Handle(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.runs[runID]
	return h, h != nil
}

// Len returns the number of tracked runs
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *Registry) attach(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[h.RunID]; ok {
		r.runs[h.RunID] = h
	}
}

// Alive reports whether pid is a live process whose command line still
// references runID. PIDs are reused, so existence alone is not enough.
func (r *Registry) Alive(pid int, runID string) bool {
	return Matches(pid, runID)
}

// Matches reports whether pid is alive and belongs to runID
func Matches(pid int, runID string) bool {
	if !processExists(pid) {
		return false
	}
	cmdline, err := commandLine(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, runID)
}
