package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/logging"
)

func TestVerifyEmptyPasses(t *testing.T) {
	res, err := Verifier{Log: logging.Discard()}.Verify(context.Background(), t.TempDir())
	if err != nil || !res.Passed {
		t.Fatalf("expected pass, got %+v %v", res, err)
	}
	if res.Summary != "No verification commands configured" {
		t.Fatalf("unexpected summary %q", res.Summary)
	}
}

func TestVerifyStopsAtFirstFailure(t *testing.T) {
	v := Verifier{Log: logging.Discard(), Commands: []Command{
		{Name: "tests", Cmd: "echo ok"},
		{Name: "lint", Cmd: "echo bad >&2; exit 1"},
		{Name: "build", Cmd: "echo never"},
	}}
	res, err := v.Verify(context.Background(), t.TempDir())
	var ve *domain.VerificationError
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrVerificationFailed) {
		t.Fatalf("expected verification error, got %v", err)
	}
	if ve.Command != "lint" || ve.Kind != domain.OutcomeNonZeroExit || ve.ExitCode != 1 {
		t.Fatalf("unexpected error %+v", ve)
	}
	if res.Passed {
		t.Fatalf("result should not pass")
	}
	want := []domain.CommandOutcome{domain.OutcomeSuccess, domain.OutcomeNonZeroExit, domain.OutcomeSkipped}
	for i, o := range want {
		if res.Commands[i].Outcome != o {
			t.Fatalf("command %d: want %s got %s", i, o, res.Commands[i].Outcome)
		}
	}
	if res.Commands[0].Stdout != "ok\n" || res.Commands[1].Stderr != "bad\n" {
		t.Fatalf("output not captured: %+v", res.Commands)
	}
	if res.Summary != "Tests: PASSED | Lint: FAILED (exit code 1) | Build: SKIPPED" {
		t.Fatalf("unexpected summary %q", res.Summary)
	}
}

func TestVerifyCommandNotFound(t *testing.T) {
	v := Verifier{Log: logging.Discard(), Commands: []Command{{Name: "tests", Cmd: "definitely-not-a-real-binary-xyz --all"}}}
	res, err := v.Verify(context.Background(), t.TempDir())
	var ve *domain.VerificationError
	if !errors.As(err, &ve) || ve.Kind != domain.OutcomeCommandNotFound {
		t.Fatalf("expected command-not-found, got %v", err)
	}
	if res.Commands[0].ExitCode != 127 {
		t.Fatalf("expected exit 127, got %d", res.Commands[0].ExitCode)
	}
}

func TestVerifyTimeout(t *testing.T) {
	v := Verifier{Log: logging.Discard(), Commands: []Command{{Name: "slow", Cmd: "sleep 5", Timeout: 100 * time.Millisecond}}}
	res, err := v.Verify(context.Background(), t.TempDir())
	var ve *domain.VerificationError
	if !errors.As(err, &ve) || ve.Kind != domain.OutcomeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Summary != "Slow: FAILED (timeout)" {
		t.Fatalf("unexpected summary %q", res.Summary)
	}
}

func TestVerifyCancelledByPoll(t *testing.T) {
	v := Verifier{
		Log:          logging.Discard(),
		Commands:     []Command{{Name: "slow", Cmd: "sleep 5"}},
		Cancelled:    func(context.Context) (bool, error) { return true, nil },
		PollInterval: 10 * time.Millisecond,
	}
	start := time.Now()
	_, err := v.Verify(context.Background(), t.TempDir())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("cancellation did not stop the command")
	}
}

func TestFromConfig(t *testing.T) {
	cmds := FromConfig([]config.VerifyCommand{{Name: "tests", Command: "go test ./...", Timeout: time.Minute}})
	if len(cmds) != 1 || cmds[0].Cmd != "go test ./..." || cmds[0].Timeout != time.Minute {
		t.Fatalf("unexpected commands %+v", cmds)
	}
}

func TestVerifyKeepsFullOutput(t *testing.T) {
	v := Verifier{Log: logging.Discard(), Commands: []Command{{Name: "tests", Cmd: "yes a | head -n 100000"}}}
	res, err := v.Verify(context.Background(), t.TempDir())
	if err != nil || !res.Passed {
		t.Fatalf("expected pass, got %+v %v", res.Summary, err)
	}
	if got := len(res.Commands[0].Stdout); got != 200000 {
		t.Fatalf("stdout should be stored in full, got %d bytes", got)
	}
}
