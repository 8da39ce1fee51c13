package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), "echo out; echo err >&2; exit 3", Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunStdinAndDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), "cat; pwd", Options{Dir: dir, Stdin: strings.NewReader("hello\n")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Stdout, "hello\n") || !strings.Contains(res.Stdout, dir) {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), "sleep 5", Options{Timeout: 100 * time.Millisecond})
	if err == nil || !res.TimedOut || res.ExitCode != ExitTimeout {
		t.Fatalf("expected timeout, got %+v %v", res, err)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := Run(ctx, "sleep 5", Options{})
	if err == nil || !res.Canceled || res.TimedOut {
		t.Fatalf("expected cancellation, got %+v %v", res, err)
	}
}

func TestNotFound(t *testing.T) {
	res, _ := Run(context.Background(), "definitely-not-a-command-xyz", Options{})
	if !res.NotFound() {
		t.Fatalf("expected exit 127, got %d", res.ExitCode)
	}
	if Available("definitely-not-a-command-xyz --flag") {
		t.Fatalf("expected unavailable")
	}
	if !Available("GOFLAGS=-mod=mod echo hi") {
		t.Fatalf("expected echo to be available")
	}
}
