// Package verify runs the configured verification commands against an applied
// workspace.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/logging"
	"draftline/internal/shell"
)

const DefaultTimeout = 600 * time.Second

// ErrCancelled is returned when the job was cancelled mid-verification.
var ErrCancelled = errors.New("verification cancelled")

type Command struct {
	Name    string        `json:"name"`
	Cmd     string        `json:"command"`
	Timeout time.Duration `json:"timeout"`
}

// FromConfig converts verify.commands.
func FromConfig(cmds []config.VerifyCommand) []Command {
	out := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, Command{Name: c.Name, Cmd: c.Command, Timeout: c.Timeout})
	}
	return out
}

type Verifier struct {
	Commands []Command
	Env      []string
	// Cancelled is polled every PollInterval while a command runs.
	Cancelled    func(ctx context.Context) (bool, error)
	PollInterval time.Duration
	Log          *slog.Logger
}

// Verify runs every command in order in dir. The first failure stops the run
// and the remaining commands are reported as skipped. A failed run returns
// the result together with a *domain.VerificationError.
func (v Verifier) Verify(ctx context.Context, dir string) (domain.VerifyResult, error) {
	log := logging.OrDefault(v.Log)
	res := domain.VerifyResult{Passed: true, Commands: make([]domain.CommandResult, 0, len(v.Commands))}
	var failure error
	for _, c := range v.Commands {
		if failure != nil {
			res.Commands = append(res.Commands, domain.CommandResult{Name: c.Name, Cmd: c.Cmd, Outcome: domain.OutcomeSkipped, Duration: "0s"})
			continue
		}
		cr, err := v.run(ctx, dir, c)
		res.Commands = append(res.Commands, cr)
		if err != nil {
			res.Passed = false
			res.Summary = Summary(res.Commands)
			return res, err
		}
		if cr.Outcome != domain.OutcomeSuccess {
			res.Passed = false
			failure = &domain.VerificationError{Command: c.Name, Kind: cr.Outcome, ExitCode: cr.ExitCode}
			log.Warn("verification command failed", "name", c.Name, "outcome", cr.Outcome, "exit_code", cr.ExitCode)
		} else {
			log.Info("verification command passed", "name", c.Name, "duration", cr.Duration)
		}
	}
	res.Summary = Summary(res.Commands)
	return res, failure
}

func (v Verifier) run(ctx context.Context, dir string, c Command) (domain.CommandResult, error) {
	cr := domain.CommandResult{Name: c.Name, Cmd: c.Cmd}
	if !shell.Available(c.Cmd) {
		cr.Outcome = domain.OutcomeCommandNotFound
		cr.ExitCode = shell.ExitNotFound
		cr.Stderr = fmt.Sprintf("%s: command not found", shell.FirstWord(c.Cmd))
		cr.Duration = "0s"
		return cr, nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	if v.Cancelled != nil {
		interval := v.PollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if stop, err := v.Cancelled(runCtx); err == nil && stop {
						close(stopped)
						cancel()
						return
					}
				}
			}
		}()
	}

	out, _ := shell.Run(runCtx, c.Cmd, shell.Options{Dir: dir, Env: v.Env, Timeout: timeout})
	cr.ExitCode = out.ExitCode
	cr.Stdout = out.Stdout
	cr.Stderr = out.Stderr
	cr.Duration = out.Duration.Round(time.Millisecond).String()
	select {
	case <-stopped:
		return cr, ErrCancelled
	default:
	}
	switch {
	case out.Canceled:
		return cr, errors.Join(ErrCancelled, ctx.Err())
	case out.TimedOut:
		cr.Outcome = domain.OutcomeTimeout
	case out.NotFound():
		cr.Outcome = domain.OutcomeCommandNotFound
	case out.ExitCode != 0:
		cr.Outcome = domain.OutcomeNonZeroExit
	default:
		cr.Outcome = domain.OutcomeSuccess
	}
	return cr, nil
}

// Summary renders "Tests: PASSED | Lint: FAILED (exit code 1)".
func Summary(results []domain.CommandResult) string {
	if len(results) == 0 {
		return "No verification commands configured"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		name := r.Name
		if name != "" {
			name = strings.ToUpper(name[:1]) + name[1:]
		}
		var status string
		switch r.Outcome {
		case domain.OutcomeSuccess:
			status = "PASSED"
		case domain.OutcomeSkipped:
			status = "SKIPPED"
		case domain.OutcomeTimeout:
			status = "FAILED (timeout)"
		case domain.OutcomeCommandNotFound:
			status = "FAILED (command not found)"
		default:
			status = fmt.Sprintf("FAILED (exit code %d)", r.ExitCode)
		}
		parts = append(parts, name+": "+status)
	}
	return strings.Join(parts, " | ")
}
