package attachment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aki/wesd/internal/core/run"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "main.cwl", want: "main.cwl"},
		{name: "nested", input: "tools/step.cwl", want: filepath.Join("tools", "step.cwl")},
		{name: "cleaned", input: "tools/../main.cwl", want: "main.cwl"},
		{name: "empty", input: "", wantErr: true},
		{name: "absolute", input: "/etc/passwd", wantErr: true},
		{name: "escaping", input: "../outside.cwl", wantErr: true},
		{name: "escaping after clean", input: "a/../../outside", wantErr: true},
		{name: "dot", input: ".", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsafeName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	src, err := parse("git+https://example.com/org/repo.git#v1.2")
	require.NoError(t, err)
	assert.True(t, src.git)
	assert.Equal(t, "https://example.com/org/repo.git", src.url)
	assert.Equal(t, "v1.2", src.ref)

	src, err = parse("git+ssh://git@example.com/org/repo.git")
	require.NoError(t, err)
	assert.Equal(t, "ssh://git@example.com/org/repo.git", src.url)
	assert.Empty(t, src.ref)

	src, err = parse("https://example.com/main.cwl")
	require.NoError(t, err)
	assert.False(t, src.git)

	for _, raw := range []string{"file:///etc/passwd", "ftp://example.com/x", "main.cwl"} {
		_, err := parse(raw)
		assert.ErrorIs(t, err, ErrUnsupportedScheme, raw)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate([]run.Attachment{
		{FileName: "a.cwl", FileURL: "https://example.com/a.cwl"},
		{FileName: "lib", FileURL: "git+https://example.com/lib.git"},
	}))

	err := Validate([]run.Attachment{
		{FileName: "a.cwl", FileURL: "https://example.com/a.cwl"},
		{FileName: "./a.cwl", FileURL: "https://example.com/b.cwl"},
	})
	assert.Error(t, err)

	err = Validate([]run.Attachment{{FileName: "../a.cwl", FileURL: "https://example.com/a.cwl"}})
	assert.ErrorIs(t, err, ErrUnsafeName)
}

func TestStage_Downloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/main.cwl":
			_, _ = w.Write([]byte("cwlVersion: v1.2\n"))
		case "/tools/step.cwl":
			_, _ = w.Write([]byte("class: CommandLineTool\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	s := New(WithHTTPClient(srv.Client()))
	err := s.Stage(t.Context(), dir, []run.Attachment{
		{FileName: "main.cwl", FileURL: srv.URL + "/main.cwl"},
		{FileName: "tools/step.cwl", FileURL: srv.URL + "/tools/step.cwl"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "main.cwl"))
	require.NoError(t, err)
	assert.Equal(t, "cwlVersion: v1.2\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "tools", "step.cwl"))
	require.NoError(t, err)
	assert.Equal(t, "class: CommandLineTool\n", string(data))
}

func TestStage_FailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	err := New(WithHTTPClient(srv.Client())).Stage(t.Context(), dir, []run.Attachment{
		{FileName: "missing.cwl", FileURL: srv.URL + "/missing.cwl"},
	})
	require.Error(t, err)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "missing.cwl", fetchErr.FileName)

	_, statErr := os.Stat(filepath.Join(dir, "missing.cwl"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files must be cleaned up")
}

func TestStage_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := New(WithHTTPClient(srv.Client())).Stage(ctx, t.TempDir(), []run.Attachment{
		{FileName: "a.cwl", FileURL: srv.URL + "/a.cwl"},
	})
	assert.Error(t, err)
}
