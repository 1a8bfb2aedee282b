package ui

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects Stdout and Stderr for the duration of a test
func captureOutput(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	oldOut, oldErr, oldFormatter := Stdout, Stderr, GlobalFormatter
	Stdout, Stderr = stdout, stderr
	t.Cleanup(func() {
		Stdout, Stderr, GlobalFormatter = oldOut, oldErr, oldFormatter
	})
	return stdout, stderr
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      OutputFormat
		wantError bool
	}{
		{name: "empty string defaults to pretty", input: "", want: FormatPretty},
		{name: "pretty format", input: "pretty", want: FormatPretty},
		{name: "json format", input: "json", want: FormatJSON},
		{name: "invalid format", input: "xml", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	stdout, stderr := captureOutput(t)
	require.NoError(t, SetGlobalFormatter(FormatJSON))
	assert.True(t, GlobalFormatter.IsJSON())

	require.NoError(t, GlobalFormatter.Output(map[string]string{"run_id": "abc"}))
	var got map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, "abc", got["run_id"])

	require.NoError(t, GlobalFormatter.OutputError(errors.New("boom")))
	assert.Equal(t, "Error: boom\n", stderr.String())
}

func TestPrettyFormatter(t *testing.T) {
	stdout, stderr := captureOutput(t)
	require.NoError(t, SetGlobalFormatter(FormatPretty))
	assert.False(t, GlobalFormatter.IsJSON())

	require.NoError(t, GlobalFormatter.Output("plain\n"))
	require.NoError(t, GlobalFormatter.Output(42))
	assert.Equal(t, "plain\n42\n", stdout.String())

	require.NoError(t, GlobalFormatter.OutputError(errors.New("boom")))
	assert.Contains(t, stderr.String(), "boom")

	assert.Error(t, SetGlobalFormatter("xml"))
}
