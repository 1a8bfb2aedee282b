package rundir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

// Codec converts an artifact value to and from its file content
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// Artifact is the untyped view of a key, used where only names matter
type Artifact interface {
	Name() string
	File() string
}

// Key identifies one per-run artifact file and its declared type
type Key[T any] struct {
	name  string
	file  string
	codec Codec[T]
}

// Name returns the logical artifact name
func (k Key[T]) Name() string { return k.name }

// File returns the file name inside the run directory
func (k Key[T]) File() string { return k.file }

func newKey[T any](name, file string, codec Codec[T]) Key[T] {
	return Key[T]{name: name, file: file, codec: codec}
}

// Artifact keys. The set and the types are fixed; file names are private
// to the run directory layout.
var (
	RunRequest     = newKey("run_request", "run_request.json", jsonCodec[run.Request]())
	WorkflowParams = newKey("workflow_params", "workflow_params.json", rawCodec())
	State          = newKey("state", "state.txt", statusCodec())
	StartTime      = newKey("start_time", "start_time.txt", timeCodec())
	EndTime        = newKey("end_time", "end_time.txt", timeCodec())
	ExitCode       = newKey("exit_code", "exit_code.txt", intCodec())
	PID            = newKey("pid", "pid.txt", intCodec())
	Cmd            = newKey("cmd", "cmd.txt", cmdCodec())
	Stdout         = newKey("stdout", "stdout.log", textCodec())
	Stderr         = newKey("stderr", "stderr.log", textCodec())
	Outputs        = newKey("outputs", "outputs.json", jsonCodec[[]run.Output]())
	Username       = newKey("username", "username.txt", lineCodec())
	RoCrate        = newKey("ro_crate", "ro-crate-metadata.json", rawJSONCodec())
)

// Schema lists every artifact key
var Schema = []Artifact{
	RunRequest, WorkflowParams, State, StartTime, EndTime, ExitCode,
	PID, Cmd, Stdout, Stderr, Outputs, Username, RoCrate,
}

// Tombstone is the artifact set preserved when a run is deleted
var Tombstone = []Artifact{State, StartTime, EndTime, Username}

func jsonCodec[T any]() Codec[T] {
	return Codec[T]{
		Encode: func(v T) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		},
		Decode: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	}
}

func rawCodec() Codec[[]byte] {
	return Codec[[]byte]{
		Encode: func(v []byte) ([]byte, error) { return v, nil },
		Decode: func(data []byte) ([]byte, error) { return data, nil },
	}
}

func rawJSONCodec() Codec[json.RawMessage] {
	return Codec[json.RawMessage]{
		Encode: func(v json.RawMessage) ([]byte, error) {
			if !json.Valid(v) {
				return nil, errors.New("invalid JSON document")
			}
			return v, nil
		},
		Decode: func(data []byte) (json.RawMessage, error) {
			if !json.Valid(data) {
				return nil, errors.New("invalid JSON document")
			}
			return json.RawMessage(data), nil
		},
	}
}

func textCodec() Codec[string] {
	return Codec[string]{
		Encode: func(v string) ([]byte, error) { return []byte(v), nil },
		Decode: func(data []byte) (string, error) { return string(data), nil },
	}
}

func lineCodec() Codec[string] {
	return Codec[string]{
		Encode: func(v string) ([]byte, error) { return []byte(v + "\n"), nil },
		Decode: func(data []byte) (string, error) { return strings.TrimSpace(string(data)), nil },
	}
}

func statusCodec() Codec[state.Status] {
	return Codec[state.Status]{
		Encode: func(v state.Status) ([]byte, error) {
			if _, ok := state.Parse(string(v)); !ok {
				return nil, fmt.Errorf("unknown state %q", v)
			}
			return []byte(v.String() + "\n"), nil
		},
		Decode: func(data []byte) (state.Status, error) {
			text := string(bytes.TrimSpace(data))
			st, ok := state.Parse(text)
			if !ok {
				return state.StatusUnknown, fmt.Errorf("unknown state %q", text)
			}
			return st, nil
		},
	}
}

func timeCodec() Codec[time.Time] {
	return Codec[time.Time]{
		Encode: func(v time.Time) ([]byte, error) {
			return []byte(run.FormatTime(v) + "\n"), nil
		},
		Decode: func(data []byte) (time.Time, error) {
			return run.ParseTime(string(bytes.TrimSpace(data)))
		},
	}
}

func intCodec() Codec[int] {
	return Codec[int]{
		Encode: func(v int) ([]byte, error) {
			return []byte(strconv.Itoa(v) + "\n"), nil
		},
		Decode: func(data []byte) (int, error) {
			return strconv.Atoi(string(bytes.TrimSpace(data)))
		},
	}
}

func cmdCodec() Codec[[]string] {
	return Codec[[]string]{
		Encode: func(v []string) ([]byte, error) {
			return []byte(shellquote.Join(v...) + "\n"), nil
		},
		Decode: func(data []byte) ([]string, error) {
			return shellquote.Split(string(data))
		},
	}
}
