// Package gitx wraps the git command line for workspace, apply and publish.
package gitx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Executor runs a command in dir. Stdin may be nil.
type Executor interface {
	Run(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) (stdout, stderr []byte, err error)
}

// CLIExecutor runs commands with os/exec.
type CLIExecutor struct {
	Env []string
}

func (e CLIExecutor) Run(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// GitError carries the failing git invocation and its output.
type GitError struct {
	Op     string
	Dir    string
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed in %s: %v", e.Op, e.Dir, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// ExitCode returns the exit status of the failed git process, or -1.
func (e *GitError) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// IsExit reports whether err is a GitError that exited with code.
func IsExit(err error, code int) bool {
	var ge *GitError
	return errors.As(err, &ge) && ge.ExitCode() == code
}
