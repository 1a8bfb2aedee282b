package tail_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aki/wesd/internal/core/tail"
)

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTailer_Print(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "one\ntwo\nthree\n")

	tests := []struct {
		name     string
		maxLines int
		expected string
	}{
		{name: "everything", maxLines: -1, expected: "one\ntwo\nthree\n"},
		{name: "fits", maxLines: 3, expected: "one\ntwo\nthree\n"},
		{name: "truncated", maxLines: 2, expected: "... (showing last 2 lines) ...\ntwo\nthree\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			tailer := tail.New(path, nil, tail.Options{Writer: &out, MaxLines: tt.maxLines})
			require.NoError(t, tailer.Print())
			assert.Equal(t, tt.expected, out.String())
		})
	}
}

func TestTailer_PrintMissingFile(t *testing.T) {
	var out bytes.Buffer
	tailer := tail.New(filepath.Join(t.TempDir(), "absent"), nil, tail.Options{Writer: &out, MaxLines: -1})
	require.NoError(t, tailer.Print())
	assert.Empty(t, out.String())
}

func TestTailer_Follow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	appendFile(t, path, "backlog\n")

	var finished atomic.Bool
	done := func(context.Context) (bool, error) { return finished.Load(), nil }

	out := &syncBuffer{}
	tailer := tail.New(path, done, tail.Options{
		Writer:       out,
		MaxLines:     -1,
		PollInterval: 10 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- tailer.Follow(t.Context()) }()

	assert.Eventually(t, func() bool { return out.String() == "backlog\n" }, 5*time.Second, 10*time.Millisecond)
	appendFile(t, path, "live\n")
	assert.Eventually(t, func() bool { return strings.HasSuffix(out.String(), "live\n") }, 5*time.Second, 10*time.Millisecond)

	// Output written just before the end is still drained
	appendFile(t, path, "last\n")
	finished.Store(true)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after done")
	}
	assert.Equal(t, "backlog\nlive\nlast\n", out.String())
}

func TestTailer_FollowCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout")
	done := func(context.Context) (bool, error) { return false, nil }
	tailer := tail.New(path, done, tail.Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, tailer.Follow(ctx), context.Canceled)
}
