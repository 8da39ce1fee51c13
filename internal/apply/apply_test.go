package apply

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
)

func newRepo(t *testing.T) (gitx.Git, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	g := gitx.New()
	dir := filepath.Join(t.TempDir(), "repo")
	ctx := context.Background()
	if err := g.Init(ctx, dir, "main"); err != nil {
		t.Fatalf("init: %v", err)
	}
	writeFile(t, dir, "README.md", "hello\n")
	writeFile(t, dir, "src/app.go", "package src\n")
	if _, err := g.CommitAll(ctx, dir, "initial"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return g, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// snapshot maps every non-.git file to its content.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func sameTree(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func planFor(paths ...string) domain.PlanVersion {
	pv := domain.PlanVersion{JobID: "job-1", Version: 2, PlanHash: strings.Repeat("b", 64)}
	pv.Body.Summary = "Add health endpoint"
	for _, p := range paths {
		pv.Body.Scope.Files = append(pv.Body.Scope.Files, domain.ScopeFile{Path: p, Change: domain.ChangeModified})
	}
	return pv
}

func newApplier(g gitx.Git, engine CodeEngine) Applier {
	return Applier{Git: g, Engine: engine, Timeout: 10 * time.Second, MaxLOCDelta: 1000, Log: logging.Discard()}
}

func TestApplyCommitsPlannedChanges(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	base, _ := g.Head(ctx, dir)
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "package src\n\nfunc Health() {}\n")
		writeFile(t, dir, "src/health.go", "package src\n")
		return nil
	}))
	diff, err := a.Apply(ctx, dir, planFor("src/app.go", "src/health.go", "docs/api.md"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if diff.BaseCommit != base || diff.HeadCommit == base {
		t.Fatalf("unexpected commits %s..%s", diff.BaseCommit, diff.HeadCommit)
	}
	if len(diff.Files) != 2 || diff.LOCDelta != 3 {
		t.Fatalf("unexpected diff %+v", diff)
	}
	if len(diff.Warnings) != 1 || !strings.Contains(diff.Warnings[0], "docs/api.md") {
		t.Fatalf("expected warning for unchanged planned file, got %v", diff.Warnings)
	}
	if !strings.Contains(diff.Patch, "func Health()") {
		t.Fatalf("patch missing change: %s", diff.Patch)
	}
	msg, _ := g.Run(ctx, dir, "log", "-1", "--format=%B")
	if !strings.HasPrefix(msg, "Apply plan v2\n\nAdd health endpoint") {
		t.Fatalf("unexpected commit message %q", msg)
	}
	if dirty, _ := g.IsDirty(ctx, dir); dirty {
		t.Fatalf("workspace left dirty")
	}
}

func TestApplyDivergenceRollsBackByteIdentical(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	writeFile(t, dir, ".gitignore", "*.log\n")
	if _, err := g.CommitAll(ctx, dir, "ignore logs"); err != nil {
		t.Fatal(err)
	}
	before := snapshot(t, dir)
	base, _ := g.Head(ctx, dir)
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "package src\n// edited\n")
		writeFile(t, dir, "debug.log", "engine trace\n")
		writeFile(t, dir, "other.go", "package main\n")
		return nil
	}))
	_, err := a.Apply(ctx, dir, planFor("src/app.go"))
	var div *domain.DivergenceError
	if !errors.As(err, &div) || !errors.Is(err, domain.ErrPlanDivergence) {
		t.Fatalf("expected divergence, got %v", err)
	}
	if strings.Join(div.Unexpected, ",") != "debug.log,other.go" {
		t.Fatalf("unexpected paths %v", div.Unexpected)
	}
	if head, _ := g.Head(ctx, dir); head != base {
		t.Fatalf("HEAD moved to %s", head)
	}
	if _, err := os.Stat(filepath.Join(dir, "debug.log")); !os.IsNotExist(err) {
		t.Fatalf("ignored file survived rollback: %v", err)
	}
	if after := snapshot(t, dir); !sameTree(before, after) {
		t.Fatalf("workspace not restored:\nbefore=%v\nafter=%v", before, after)
	}
}

func TestApplyRejectsIgnoredOutputOutsidePlan(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	writeFile(t, dir, ".gitignore", "build/\n")
	if _, err := g.CommitAll(ctx, dir, "ignore build"); err != nil {
		t.Fatal(err)
	}
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "package src\n// edited\n")
		writeFile(t, dir, "build/out/app.bin", "bin")
		return nil
	}))
	_, err := a.Apply(ctx, dir, planFor("src/app.go"))
	var div *domain.DivergenceError
	if !errors.As(err, &div) || len(div.Unexpected) != 1 || div.Unexpected[0] != "build/out/app.bin" {
		t.Fatalf("expected divergence naming the ignored file, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "build")); !os.IsNotExist(err) {
		t.Fatalf("ignored directory survived rollback: %v", err)
	}
}

func TestApplyLOCLimitRollsBack(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	base, _ := g.Head(ctx, dir)
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/big.go", strings.Repeat("x\n", 20))
		return nil
	}))
	a.MaxLOCDelta = 10
	_, err := a.Apply(ctx, dir, planFor("src/big.go"))
	var div *domain.DivergenceError
	if !errors.As(err, &div) || div.LOCDelta != 20 || div.MaxLOC != 10 {
		t.Fatalf("expected LOC divergence, got %v", err)
	}
	if head, _ := g.Head(ctx, dir); head != base {
		t.Fatalf("apply commit was not rolled back")
	}
	if _, err := os.Stat(filepath.Join(dir, "src/big.go")); !os.IsNotExist(err) {
		t.Fatalf("untracked file survived rollback: %v", err)
	}
}

func TestApplyEngineFailureRollsBack(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	before := snapshot(t, dir)
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "broken")
		return errors.New("engine crashed")
	}))
	_, err := a.Apply(ctx, dir, planFor("src/app.go"))
	if !errors.Is(err, domain.ErrApplyFailed) || !strings.Contains(err.Error(), "engine crashed") {
		t.Fatalf("expected apply failure, got %v", err)
	}
	if after := snapshot(t, dir); !sameTree(before, after) {
		t.Fatalf("workspace not restored")
	}
}

func TestApplyCancelledByPoll(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	a := newApplier(g, EngineFunc(func(ctx context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "partial")
		<-ctx.Done()
		return ctx.Err()
	}))
	a.PollInterval = 10 * time.Millisecond
	a.Cancelled = func(context.Context) (bool, error) { return true, nil }
	_, err := a.Apply(ctx, dir, planFor("src/app.go"))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if dirty, _ := g.IsDirty(ctx, dir); dirty {
		t.Fatalf("workspace dirty after cancel")
	}
}

func TestApplyDiscardsStrayWorkspaceState(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	base, _ := g.Head(ctx, dir)
	writeFile(t, dir, "local.txt", "committed after clone\n")
	if _, err := g.CommitAll(ctx, dir, "local commit"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "secrets.env", "TOKEN=s3cr3t\n")
	writeFile(t, dir, "README.md", "tampered\n")

	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "package src\n// x\n")
		return nil
	}))
	a.Base = base
	diff, err := a.Apply(ctx, dir, planFor("src/app.go"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if diff.BaseCommit != base {
		t.Fatalf("diff based on %s, want clone base %s", diff.BaseCommit, base)
	}
	if len(diff.Files) != 1 || diff.Files[0].Path != "src/app.go" {
		t.Fatalf("stray state leaked into diff: %+v", diff.Files)
	}
	tree, err := g.Run(ctx, dir, "ls-tree", "-r", "--name-only", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"secrets.env", "local.txt"} {
		if strings.Contains(tree, name) {
			t.Fatalf("%s committed:\n%s", name, tree)
		}
	}
	if parent, _ := g.Run(ctx, dir, "rev-parse", "HEAD^"); parent != base {
		t.Fatalf("apply commit parent %s, want %s", parent, base)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "README.md")); string(data) != "hello\n" {
		t.Fatalf("tracked edit survived: %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "secrets.env")); !os.IsNotExist(err) {
		t.Fatalf("untracked file survived: %v", err)
	}
}

func TestReplayRecreatesApplyCommit(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	a := newApplier(g, EngineFunc(func(_ context.Context, dir string, _ domain.PlanVersion) error {
		writeFile(t, dir, "src/app.go", "package src\n\nfunc A() {}\n")
		return nil
	}))
	diff, err := a.Apply(ctx, dir, planFor("src/app.go"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := g.ResetHard(ctx, dir, diff.BaseCommit); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "secrets.env", "TOKEN=s3cr3t\n")
	if err := Replay(ctx, g, dir, diff, "Apply plan v2"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "src/app.go"))
	if !strings.Contains(string(data), "func A()") {
		t.Fatalf("replay did not restore change: %q", data)
	}
	if tree, _ := g.Run(ctx, dir, "ls-tree", "-r", "--name-only", "HEAD"); strings.Contains(tree, "secrets.env") {
		t.Fatalf("replay committed a stray file:\n%s", tree)
	}
}

func TestCommandEngine(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	a := newApplier(g, CommandEngine{Command: `cat > /dev/null; printf 'package src\n// v%s\n' "$DRAFTLINE_PLAN_VERSION" > src/app.go`, Timeout: 10 * time.Second})
	diff, err := a.Apply(ctx, dir, planFor("src/app.go"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(diff.Patch, "// v2") {
		t.Fatalf("command output not applied: %s", diff.Patch)
	}

	a.Engine = CommandEngine{Command: "echo boom >&2; exit 3"}
	_, err = a.Apply(ctx, dir, planFor("src/app.go"))
	if !errors.Is(err, domain.ErrApplyFailed) || !strings.Contains(err.Error(), "code 3: boom") {
		t.Fatalf("expected engine exit error, got %v", err)
	}
}
