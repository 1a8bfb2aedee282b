//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func processExists(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

func commandLine(pid int) (string, error) { return "", ErrNotSupported }

func terminate(pid int) error { return ErrNotSupported }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	return p.Kill()
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
