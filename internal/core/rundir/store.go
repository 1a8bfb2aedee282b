// Package rundir implements the on-disk run directory store. The run
// directory is the authoritative record of a run; every other view of a
// run is derived from it.
package rundir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aki/wesd/internal/core/logger"
	"github.com/aki/wesd/internal/core/run/state"
	"github.com/aki/wesd/internal/filemanager"
)

const (
	// ExeDir is the engine working directory inside a run directory
	ExeDir = "exe"
	// OutputsDir receives the files produced by the engine
	OutputsDir = "outputs"

	lockFile = ".lock"

	// runDirPerm is applied with an explicit chmod so the umask cannot
	// narrow it; the engine may run as a different user.
	runDirPerm   = 0o777
	artifactPerm = 0o644
)

// Store owns the per-run directories under a base directory
type Store struct {
	baseDir string
	logger  logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store rooted at baseDir, creating the directory if needed
func New(baseDir string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	s := &Store{
		baseDir: abs,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the absolute base directory
func (s *Store) BaseDir() string {
	return s.baseDir
}

// ValidateRunID checks that runID is a canonical UUID string
func ValidateRunID(runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil || id.String() != runID {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// Resolve returns the run directory for runID: base/run_id[0:2]/run_id
func (s *Store) Resolve(runID string) string {
	prefix := runID
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.baseDir, prefix, runID)
}

// ExecDir returns the engine working directory of a run
func (s *Store) ExecDir(runID string) string {
	return filepath.Join(s.Resolve(runID), ExeDir)
}

// OutputDir returns the outputs directory of a run
func (s *Store) OutputDir(runID string) string {
	return filepath.Join(s.Resolve(runID), OutputsDir)
}

// Path returns the file path of an artifact
func (s *Store) Path(runID string, key Artifact) string {
	return filepath.Join(s.Resolve(runID), key.File())
}

// Exists reports whether the run directory exists
func (s *Store) Exists(runID string) (bool, error) {
	if err := ValidateRunID(runID); err != nil {
		return false, nil
	}
	info, err := os.Stat(s.Resolve(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat run directory: %w", err)
	}
	return info.IsDir(), nil
}

// Create makes the run directory with its exe and outputs subdirectories
func (s *Store) Create(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}

	dir := s.Resolve(runID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create fan-out directory: %w", err)
	}
	if err := os.Mkdir(dir, runDirPerm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDirectoryExists, runID)
		}
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	for _, sub := range []string{ExeDir, OutputsDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), runDirPerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	for _, d := range []string{dir, filepath.Join(dir, ExeDir), filepath.Join(dir, OutputsDir)} {
		if err := os.Chmod(d, runDirPerm); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", d, err)
		}
	}

	s.logger.Debug("created run directory", "run_id", runID, "path", dir)
	return nil
}

// Lock returns the inter-process lock guarding read-modify-write
// sequences on one run. It never spans other runs.
func (s *Store) Lock(runID string) *filemanager.Lock {
	return filemanager.NewLock(filepath.Join(s.Resolve(runID), lockFile))
}

// Has reports whether an artifact file is present
func (s *Store) Has(runID string, key Artifact) bool {
	_, err := os.Stat(s.Path(runID, key))
	return err == nil
}

// Touch sets the modification time of an artifact to now
func (s *Store) Touch(runID string, key Artifact) error {
	now := time.Now()
	if err := os.Chtimes(s.Path(runID, key), now, now); err != nil {
		return fmt.Errorf("failed to touch %s of run %s: %w", key.Name(), runID, err)
	}
	return nil
}

// Write serializes v per the key's declared type and replaces the artifact atomically
func Write[T any](s *Store, runID string, key Key[T], v T) error {
	data, err := s.encode(runID, key, func() ([]byte, error) { return key.codec.Encode(v) })
	if err != nil {
		return err
	}
	if err := filemanager.WriteAtomic(s.Path(runID, key), data, artifactPerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", key.name, err)
	}
	return nil
}

// WriteOnce writes an artifact that must never be replaced.
// A second call for the same key returns ErrArtifactExists.
func WriteOnce[T any](s *Store, runID string, key Key[T], v T) error {
	data, err := s.encode(runID, key, func() ([]byte, error) { return key.codec.Encode(v) })
	if err != nil {
		return err
	}
	if err := filemanager.WriteExclusive(s.Path(runID, key), data, artifactPerm); err != nil {
		if errors.Is(err, filemanager.ErrExists) {
			return fmt.Errorf("%w: %s", ErrArtifactExists, key.name)
		}
		return fmt.Errorf("failed to write %s: %w", key.name, err)
	}
	return nil
}

func (s *Store) encode(runID string, key Artifact, encode func() ([]byte, error)) ([]byte, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	if ok, err := s.Exists(runID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	data, err := encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key.Name(), err)
	}
	return data, nil
}

// Read returns the artifact value. The boolean is false when the
// artifact has not been produced yet, which is not an error.
func Read[T any](s *Store, runID string, key Key[T]) (T, bool, error) {
	var zero T
	if err := ValidateRunID(runID); err != nil {
		return zero, false, err
	}

	data, err := os.ReadFile(s.Path(runID, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to read %s: %w", key.name, err)
	}

	v, err := key.codec.Decode(data)
	if err != nil {
		return zero, false, &CorruptArtifactError{RunID: runID, Key: key.name, Err: err}
	}
	return v, true, nil
}

// ReadState returns the recorded state, or UNKNOWN when none is recorded
func (s *Store) ReadState(runID string) (state.Status, error) {
	st, ok, err := Read(s, runID, State)
	if err != nil {
		return state.StatusUnknown, err
	}
	if !ok {
		return state.StatusUnknown, nil
	}
	return st, nil
}

// ListAllIDs enumerates runs. A run exists when its request artifact is
// present two levels below the base directory.
func (s *Store) ListAllIDs() ([]string, error) {
	return s.glob(RunRequest.File())
}

// ListTombstoneIDs enumerates deleted runs: a state artifact without a request
func (s *Store) ListTombstoneIDs() ([]string, error) {
	withState, err := s.glob(State.File())
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range withState {
		if !s.Has(id, RunRequest) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) glob(file string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*", "*", file))
	if err != nil {
		return nil, fmt.Errorf("failed to scan run directories: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := filepath.Base(filepath.Dir(m))
		if ValidateRunID(id) != nil {
			continue
		}
		if filepath.Base(filepath.Dir(filepath.Dir(m))) != id[:2] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteContents removes every entry of the run directory except the
// preserved artifacts and the lock file. Callers must stop the engine
// before purging.
func (s *Store) DeleteContents(runID string, preserve ...Artifact) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}

	dir := s.Resolve(runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to read run directory: %w", err)
	}

	keep := map[string]bool{lockFile: true}
	for _, key := range preserve {
		keep[key.File()] = true
	}

	var errs []error
	for _, entry := range entries {
		if keep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete run contents: %w", errors.Join(errs...))
	}

	s.logger.Debug("purged run directory", "run_id", runID, "preserved", len(preserve))
	return nil
}

// OpenStream truncates or creates a stream artifact for the engine to write into
func (s *Store) OpenStream(runID string, key Key[string]) (*os.File, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.Path(runID, key), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, artifactPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key.name, err)
	}
	return f, nil
}
