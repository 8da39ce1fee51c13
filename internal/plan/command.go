package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"draftline/internal/domain"
	"draftline/internal/shell"
)

// CommandEngine runs an external program as the content engine. The request is
// written to stdin as JSON ({"action":"generate"|"revise", ...}) and the program
// must print a plan body as JSON on stdout.
type CommandEngine struct {
	Command string
	Timeout time.Duration
	Env     []string
}

type commandInput struct {
	Action   string           `json:"action"`
	Generate *GenerateRequest `json:"generate,omitempty"`
	Revise   *ReviseRequest   `json:"revise,omitempty"`
}

func (c CommandEngine) Generate(ctx context.Context, req GenerateRequest) (domain.PlanBody, error) {
	return c.run(ctx, req.RepoDir, commandInput{Action: "generate", Generate: &req})
}

func (c CommandEngine) Revise(ctx context.Context, req ReviseRequest) (domain.PlanBody, error) {
	return c.run(ctx, req.RepoDir, commandInput{Action: "revise", Revise: &req})
}

func (c CommandEngine) run(ctx context.Context, dir string, in commandInput) (domain.PlanBody, error) {
	if strings.TrimSpace(c.Command) == "" {
		return domain.PlanBody{}, fmt.Errorf("plan.command is not configured")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return domain.PlanBody{}, err
	}
	env := append([]string{"DRAFTLINE_ACTION=" + in.Action}, c.Env...)
	res, err := shell.Run(ctx, c.Command, shell.Options{Dir: dir, Env: env, Stdin: bytes.NewReader(payload), Timeout: c.Timeout})
	if err != nil {
		switch {
		case res.TimedOut:
			return domain.PlanBody{}, fmt.Errorf("%s timed out after %s", in.Action, c.Timeout)
		case res.Canceled:
			return domain.PlanBody{}, ctx.Err()
		}
		return domain.PlanBody{}, fmt.Errorf("%s exited with code %d: %s", in.Action, res.ExitCode, tail(res.Stderr, 400))
	}
	dec := json.NewDecoder(strings.NewReader(res.Stdout))
	dec.DisallowUnknownFields()
	var body domain.PlanBody
	if err := dec.Decode(&body); err != nil {
		return domain.PlanBody{}, fmt.Errorf("invalid plan JSON from engine: %w", err)
	}
	return body, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
