package apply

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

// CommandEngine runs an external program in the repository with the plan
// version as JSON on stdin. Exit status zero means the edits are done.
type CommandEngine struct {
	Command string
	Timeout time.Duration
	Env     []string
}

func (c CommandEngine) Apply(ctx context.Context, dir string, pv domain.PlanVersion) error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("apply.command is not configured")
	}
	payload, err := json.Marshal(pv)
	if err != nil {
		return err
	}
	env := append([]string{
		"DRAFTLINE_JOB_ID=" + pv.JobID,
		fmt.Sprintf("DRAFTLINE_PLAN_VERSION=%d", pv.Version),
		"DRAFTLINE_PLAN_HASH=" + pv.PlanHash,
	}, c.Env...)
	res, err := shell.Run(ctx, c.Command, shell.Options{Dir: dir, Env: env, Stdin: bytes.NewReader(payload), Timeout: c.Timeout})
	if err != nil {
		switch {
		case res.TimedOut:
			return fmt.Errorf("code engine timed out after %s", res.Duration.Round(time.Second))
		case res.Canceled:
			return ctx.Err()
		}
		stderr := strings.TrimSpace(res.Stderr)
		if len(stderr) > 400 {
			stderr = "..." + stderr[len(stderr)-400:]
		}
		return fmt.Errorf("code engine exited with code %d: %s", res.ExitCode, stderr)
	}
	return nil
}
