// Package tail provides log tailing for run output streams.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
)

// Options configures the tail behavior
type Options struct {
	// PollInterval is how often to check for new output
	PollInterval time.Duration
	// Writer is where to write the output
	Writer io.Writer
	// MaxLines limits the backlog printed before following.
	// 0 means the terminal height; negative means everything.
	MaxLines int
}

// DefaultOptions returns default tail options
func DefaultOptions() Options {
	return Options{
		PollInterval: 500 * time.Millisecond,
	}
}

// DoneFunc reports whether the stream's writer has finished
type DoneFunc func(ctx context.Context) (bool, error)

// Tailer streams a growing log file
type Tailer struct {
	path   string
	done   DoneFunc
	opts   Options
	offset int64
}

// New creates a Tailer for the file at path
func New(path string, done DoneFunc, opts Options) *Tailer {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.Writer == nil {
		opts.Writer = io.Discard
	}
	return &Tailer{
		path: path,
		done: done,
		opts: opts,
	}
}

// Print writes the backlog of the file and returns
func (t *Tailer) Print() error {
	data, err := t.read()
	if err != nil {
		return err
	}
	_, err = t.opts.Writer.Write(t.limit(data))
	return err
}

// Follow prints the backlog, then streams appended output until the
// context is canceled or done reports true. Output written before done
// turned true is always drained.
func (t *Tailer) Follow(ctx context.Context) error {
	if err := t.Print(); err != nil {
		return err
	}

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Check before reading so nothing written before the end is missed
		finished, err := t.done(ctx)
		if err != nil {
			return err
		}

		data, err := t.read()
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if _, err := t.opts.Writer.Write(data); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
		if finished {
			return nil
		}
	}
}

// read returns the bytes appended since the last read. A missing file
// reads as empty; a truncated one is read again from the start.
func (t *Tailer) read() ([]byte, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	t.offset += int64(len(data))
	return data, nil
}

// limit keeps the last MaxLines lines of output
func (t *Tailer) limit(output []byte) []byte {
	maxLines := t.opts.MaxLines
	if maxLines < 0 {
		return output
	}
	if maxLines == 0 {
		_, height, err := term.GetSize(os.Stdout.Fd())
		if err != nil || height < 10 {
			maxLines = 30
		} else {
			// Reserve 2 lines for the truncation marker and prompt
			maxLines = height - 2
		}
	}

	trimmed := bytes.TrimSuffix(output, []byte("\n"))
	lines := bytes.Split(trimmed, []byte("\n"))
	if len(lines) <= maxLines {
		return output
	}

	start := len(lines) - maxLines
	limited := append(bytes.Join(lines[start:], []byte("\n")), '\n')
	header := fmt.Sprintf("... (showing last %d lines) ...\n", maxLines)
	return append([]byte(header), limited...)
}
