package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func newRepo(t *testing.T) (Git, string) {
	t.Helper()
	requireGit(t)
	g := New()
	dir := filepath.Join(t.TempDir(), "repo")
	ctx := context.Background()
	if err := g.Init(ctx, dir, "main"); err != nil {
		t.Fatalf("init: %v", err)
	}
	writeFile(t, dir, "README.md", "hello\n")
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

func TestStatusAndCommit(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	writeFile(t, dir, "src/a.go", "package a\n")
	writeFile(t, dir, "README.md", "hello\nworld\n")
	entries, err := g.Status(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	paths := map[string]string{}
	for _, e := range entries {
		paths[e.Path] = e.Code
	}
	if paths["src/a.go"] != "??" || paths["README.md"] != " M" {
		t.Fatalf("unexpected status %v", entries)
	}
	base, err := g.Head(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	committed, err := g.CommitAll(ctx, dir, "change")
	if err != nil || !committed {
		t.Fatalf("commit: %v %v", committed, err)
	}
	if committed, err := g.CommitAll(ctx, dir, "noop"); err != nil || committed {
		t.Fatalf("expected nothing to commit: %v %v", committed, err)
	}
	stats, err := g.DiffNumStat(ctx, dir, base, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	byPath := map[string]NumStat{}
	for _, s := range stats {
		byPath[s.Path] = s
	}
	if byPath["README.md"].Added != 1 || byPath["src/a.go"].Added != 1 {
		t.Fatalf("unexpected numstat %+v", stats)
	}
	ns, err := g.DiffNameStatus(ctx, dir, base, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]byte{}
	for _, n := range ns {
		kinds[n.Path] = n.Status
	}
	if kinds["src/a.go"] != 'A' || kinds["README.md"] != 'M' {
		t.Fatalf("unexpected name-status %+v", ns)
	}
}

func TestResetHardRestoresCheckpoint(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	head, _ := g.Head(ctx, dir)
	writeFile(t, dir, "README.md", "changed\n")
	writeFile(t, dir, "new/file.txt", "x\n")
	if err := g.ResetHard(ctx, dir, head); err != nil {
		t.Fatal(err)
	}
	dirty, err := g.IsDirty(ctx, dir)
	if err != nil || dirty {
		t.Fatalf("expected clean tree: %v %v", dirty, err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "README.md"))
	if string(data) != "hello\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestDiffRoundTripsThroughApplyPatch(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	base, _ := g.Head(ctx, dir)
	writeFile(t, dir, "src/b.txt", "b\n")
	if _, err := g.CommitAll(ctx, dir, "add b"); err != nil {
		t.Fatal(err)
	}
	patch, err := g.Diff(ctx, dir, base, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.ResetHard(ctx, dir, base); err != nil {
		t.Fatal(err)
	}
	if err := g.ApplyPatch(ctx, dir, patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src/b.txt")); err != nil {
		t.Fatalf("expected patched file: %v", err)
	}
}

func TestDetachedHeadAndDefaultBranch(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	if detached, err := g.IsDetached(ctx, dir); err != nil || detached {
		t.Fatalf("expected attached HEAD: %v %v", detached, err)
	}
	if got := g.DefaultBranch(ctx, dir, "origin"); got != "main" {
		t.Fatalf("expected main, got %s", got)
	}
	head, _ := g.Head(ctx, dir)
	if err := g.Checkout(ctx, dir, head); err != nil {
		t.Fatal(err)
	}
	if detached, err := g.IsDetached(ctx, dir); err != nil || !detached {
		t.Fatalf("expected detached HEAD: %v %v", detached, err)
	}
}

func TestRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/api.git": "api",
		"git@github.com:acme/web.git":     "web",
		"/tmp/local/repo/":                "repo",
		"":                                "repo",
	}
	for in, want := range cases {
		if got := RepoName(in); got != want {
			t.Fatalf("RepoName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestParseStatusZRename(t *testing.T) {
	entries := parseStatusZ("R  new.go\x00old.go\x00?? x.txt\x00")
	if len(entries) != 2 || entries[0].Path != "new.go" || entries[0].From != "old.go" || entries[1].Code != "??" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestChangesListIgnoredAndResetRemovesThem(t *testing.T) {
	g, dir := newRepo(t)
	ctx := context.Background()
	writeFile(t, dir, ".gitignore", "*.log\ntmp/\n")
	if _, err := g.CommitAll(ctx, dir, "ignore"); err != nil {
		t.Fatal(err)
	}
	base, _ := g.Head(ctx, dir)
	writeFile(t, dir, "debug.log", "trace\n")
	writeFile(t, dir, "tmp/cache/x", "x")
	writeFile(t, dir, "new.go", "package main\n")

	if entries, _ := g.Status(ctx, dir); len(entries) != 1 {
		t.Fatalf("status should skip ignored files: %v", entries)
	}
	entries, err := g.Changes(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	codes := map[string]string{}
	for _, e := range entries {
		codes[e.Path] = e.Code
	}
	if codes["debug.log"] != "!!" || codes["tmp/cache/x"] != "!!" || codes["new.go"] != "??" {
		t.Fatalf("unexpected changes %v", entries)
	}

	if err := g.ResetHard(ctx, dir, base); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"debug.log", "tmp", "new.go"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s survived reset: %v", name, err)
		}
	}
	if entries, _ := g.Changes(ctx, dir); len(entries) != 0 {
		t.Fatalf("tree not clean: %v", entries)
	}
}
