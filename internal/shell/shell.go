// Package shell runs configured commands through /bin/sh with a timeout and
// captures their output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	// ExitTimeout is reported when the deadline kills the process.
	ExitTimeout = 124
	// ExitNotFound is the shell's status for an unknown command.
	ExitNotFound = 127

	DefaultTimeout = 10 * time.Minute
)

type Options struct {
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

type Result struct {
	Cmd      string        `json:"cmd"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	// Canceled is set when the parent context ended the command.
	Canceled bool `json:"canceled"`
}

// NotFound reports whether the shell could not find the command.
func (r Result) NotFound() bool {
	return r.ExitCode == ExitNotFound
}

// Run executes cmd with /bin/sh -c. A non-nil error means the command did not
// exit zero; the Result is filled in either way.
func Run(ctx context.Context, cmd string, opts Options) (Result, error) {
	if strings.TrimSpace(cmd) == "" {
		return Result{}, errors.New("cmd is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd)
	c.Dir = opts.Dir
	c.Stdin = opts.Stdin
	if len(opts.Env) > 0 {
		c.Env = append(c.Environ(), opts.Env...)
	}
	// Kill the whole pipeline promptly instead of waiting on inherited pipes.
	c.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	res := Result{
		Cmd:      cmd,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			res.Canceled = true
			res.ExitCode = -1
			err = errors.Join(err, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			res.ExitCode = ExitTimeout
			err = errors.Join(err, context.DeadlineExceeded)
		default:
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				res.ExitCode = ee.ExitCode()
			} else {
				res.ExitCode = 1
			}
		}
	}
	return res, err
}

// FirstWord returns the program name of a simple shell command, skipping
// leading VAR=value assignments.
func FirstWord(cmd string) string {
	for _, f := range strings.Fields(cmd) {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			continue
		}
		return f
	}
	return ""
}

// Available reports whether the program of cmd can be found. Shell builtins and
// paths are assumed available.
func Available(cmd string) bool {
	prog := FirstWord(cmd)
	if prog == "" {
		return false
	}
	if strings.ContainsAny(prog, "/$`(") || builtins[prog] {
		return true
	}
	_, err := exec.LookPath(prog)
	return err == nil
}

var builtins = map[string]bool{
	"cd": true, "echo": true, "exit": true, "export": true, "test": true, "[": true,
	"true": true, "false": true, "set": true, "exec": true, ":": true, ".": true,
	"if": true, "for": true, "while": true, "printf": true,
}
