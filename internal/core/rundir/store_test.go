package rundir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func newRun(t *testing.T, s *Store) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.Create(id))
	return id
}

func TestStore_Resolve(t *testing.T) {
	s := newTestStore(t)
	id := "0f1e2d3c-4b5a-4978-8695-a4b3c2d1e0f9"
	assert.Equal(t, filepath.Join(s.BaseDir(), "0f", id), s.Resolve(id))
}

func TestStore_Create(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	for _, dir := range []string{s.Resolve(id), s.ExecDir(id), s.OutputDir(id)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm(), dir)
	}

	err := s.Create(id)
	assert.True(t, errors.Is(err, ErrDirectoryExists), "got %v", err)
}

func TestStore_CreateRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../../etc", "not-a-uuid", "0F1E2D3C-4B5A-4978-8695-A4B3C2D1E0F9"} {
		err := s.Create(id)
		assert.True(t, errors.Is(err, ErrInvalidRunID), "id %q: %v", id, err)
	}
}

func TestStore_ReadAbsentArtifact(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	_, ok, err := Read(s, id, ExitCode)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.ReadState(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusUnknown, st)
}

func TestStore_WriteRead(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	req := run.Request{
		WorkflowType:        "CWL",
		WorkflowTypeVersion: "v1.2",
		WorkflowURL:         "https://example.com/wf.cwl",
		Tags:                map[string]string{"project": "demo"},
	}
	require.NoError(t, Write(s, id, RunRequest, req))
	gotReq, ok, err := Read(s, id, RunRequest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req, gotReq)

	require.NoError(t, Write(s, id, State, state.StatusRunning))
	st, err := s.ReadState(id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st)

	start := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, Write(s, id, StartTime, start))
	gotStart, ok, err := Read(s, id, StartTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, start.Equal(gotStart))
	raw, err := os.ReadFile(s.Path(id, StartTime))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:00Z\n", string(raw))

	cmd := []string{"/opt/run.sh", s.Resolve(id), "it's quoted"}
	require.NoError(t, Write(s, id, Cmd, cmd))
	gotCmd, ok, err := Read(s, id, Cmd)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cmd, gotCmd)

	require.NoError(t, Write(s, id, Username, "alice"))
	user, _, err := Read(s, id, Username)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestStore_WriteMissingRun(t *testing.T) {
	s := newTestStore(t)
	err := Write(s, uuid.NewString(), State, state.StatusQueued)
	assert.True(t, errors.Is(err, ErrRunNotFound), "got %v", err)
}

func TestStore_WriteRejectsUnknownState(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)
	assert.Error(t, Write(s, id, State, state.Status("BOGUS")))
	assert.False(t, s.Has(id, State))
}

func TestStore_CorruptArtifact(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	tests := []struct {
		name    string
		file    string
		content string
		read    func() error
	}{
		{"state", State.File(), "SLEEPING\n", func() error { _, err := s.ReadState(id); return err }},
		{"exit code", ExitCode.File(), "zero\n", func() error { _, _, err := Read(s, id, ExitCode); return err }},
		{"request", RunRequest.File(), "{not json", func() error { _, _, err := Read(s, id, RunRequest); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(s.Resolve(id), tt.file), []byte(tt.content), 0o644))
			err := tt.read()
			var corrupt *CorruptArtifactError
			require.True(t, errors.As(err, &corrupt), "got %v", err)
			assert.Equal(t, id, corrupt.RunID)
			assert.True(t, IsCorrupt(err))
		})
	}
}

func TestStore_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	require.NoError(t, WriteOnce(s, id, PID, 4242))
	err := WriteOnce(s, id, PID, 9999)
	assert.True(t, errors.Is(err, ErrArtifactExists), "got %v", err)

	pid, ok, err := Read(s, id, PID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4242, pid)
}

func TestStore_Touch(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)
	require.NoError(t, Write(s, id, State, state.StatusInitializing))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(s.Path(id, State), old, old))
	require.NoError(t, s.Touch(id, State))

	info, err := os.Stat(s.Path(id, State))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)

	assert.Error(t, s.Touch(id, PID))
}

func TestStore_ListAllIDs(t *testing.T) {
	s := newTestStore(t)

	withRequest := newRun(t, s)
	require.NoError(t, Write(s, withRequest, RunRequest, run.Request{WorkflowURL: "wf.cwl"}))

	// A directory without a request artifact is not a run
	newRun(t, s)

	// Stray directories are ignored
	require.NoError(t, os.MkdirAll(filepath.Join(s.BaseDir(), "zz", "junk"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), "zz", "junk", RunRequest.File()), []byte("{}"), 0o644))

	ids, err := s.ListAllIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{withRequest}, ids)
}

func TestStore_DeleteContentsKeepsTombstone(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(time.Hour)
	require.NoError(t, Write(s, id, RunRequest, run.Request{WorkflowURL: "wf.cwl"}))
	require.NoError(t, Write(s, id, State, state.StatusComplete))
	require.NoError(t, Write(s, id, StartTime, start))
	require.NoError(t, Write(s, id, EndTime, end))
	require.NoError(t, Write(s, id, ExitCode, 0))
	require.NoError(t, Write(s, id, Stdout, "hello"))
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir(id), "result.txt"), []byte("42"), 0o644))

	require.NoError(t, s.DeleteContents(id, Tombstone...))

	_, ok, err := Read(s, id, RunRequest)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.Has(id, ExitCode))
	assert.False(t, s.Has(id, Stdout))
	_, err = os.Stat(s.OutputDir(id))
	assert.True(t, os.IsNotExist(err))

	gotStart, ok, err := Read(s, id, StartTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, start.Equal(gotStart))
	gotEnd, ok, err := Read(s, id, EndTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, end.Equal(gotEnd))

	ids, err := s.ListAllIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	tombstones, err := s.ListTombstoneIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, tombstones)
}

func TestStore_DeleteContentsMissingRun(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteContents(uuid.NewString())
	assert.True(t, errors.Is(err, ErrRunNotFound), "got %v", err)
}

func TestStore_OpenStreamTruncates(t *testing.T) {
	s := newTestStore(t)
	id := newRun(t, s)
	require.NoError(t, Write(s, id, Stderr, "previous content"))

	f, err := s.OpenStream(id, Stderr)
	require.NoError(t, err)
	_, err = f.WriteString("new")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, _, err := Read(s, id, Stderr)
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}
