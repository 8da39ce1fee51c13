package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
)

func sourceRepo(t *testing.T, name string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	g := gitx.New()
	dir := filepath.Join(t.TempDir(), name)
	ctx := context.Background()
	if err := g.Init(ctx, dir, "main"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# "+name+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CommitAll(ctx, dir, "initial"); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newManager(t *testing.T) Manager {
	return Manager{Root: t.TempDir(), Git: gitx.New(), Log: logging.Discard()}
}

func TestCreateClonesAndReuses(t *testing.T) {
	api := sourceRepo(t, "api")
	web := sourceRepo(t, "web")
	m := newManager(t)
	ctx := context.Background()
	repos := []domain.RepoRef{{URL: api}, {URL: web}}
	ws, err := m.Create(ctx, "job-1", repos, []string{"src/"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ws.Repos) != 2 || ws.Primary() != filepath.Join(m.Root, "job-1", "api") {
		t.Fatalf("unexpected workspace %+v", ws)
	}
	if _, err := os.Stat(filepath.Join(ws.Primary(), "README.md")); err != nil {
		t.Fatalf("expected clone: %v", err)
	}
	if !m.Exists("job-1") {
		t.Fatalf("expected marker")
	}
	srcHead, _ := gitx.New().Head(ctx, api)
	if ws.PrimaryBase() != srcHead || ws.Repos[1].Base == "" {
		t.Fatalf("clone bases not recorded: %+v", ws.Repos)
	}
	marker := filepath.Join(ws.Primary(), "marker.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := m.Create(ctx, "job-1", repos, []string{"src/"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Fingerprint.Hash != ws.Fingerprint.Hash || again.PrimaryBase() != srcHead {
		t.Fatalf("reused workspace lost its fingerprint or base: %+v", again)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected reuse of matching workspace")
	}
	if _, err := m.Create(ctx, "job-1", repos, []string{"lib/"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("expected recreated workspace after fingerprint change")
	}
}

func TestCreateFailureCleansUp(t *testing.T) {
	good := sourceRepo(t, "good")
	m := newManager(t)
	_, err := m.Create(context.Background(), "job-2", []domain.RepoRef{{URL: good}, {URL: filepath.Join(t.TempDir(), "missing")}}, nil)
	if err == nil {
		t.Fatalf("expected clone failure")
	}
	if _, statErr := os.Stat(m.Path("job-2")); !os.IsNotExist(statErr) {
		t.Fatalf("expected workspace removed after failure")
	}
}

func TestOpenDetectsFingerprintMismatch(t *testing.T) {
	repo := sourceRepo(t, "svc")
	m := newManager(t)
	repos := []domain.RepoRef{{URL: repo}}
	if _, err := m.Create(context.Background(), "job-3", repos, nil); err != nil {
		t.Fatal(err)
	}
	other, _ := domain.NewFingerprint(repos, []string{"other"})
	if _, err := m.Open("job-3", other); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestCheckoutsAreUniqueAndSanitized(t *testing.T) {
	cos := checkouts("/ws", []domain.RepoRef{
		{URL: "https://example.com/acme/api.git"},
		{URL: "git@example.com:other/api.git"},
		{URL: "https://example.com/acme/.."},
	})
	if cos[0].Name != "api" || cos[1].Name != "api-2" || cos[2].Name != "repository" {
		t.Fatalf("unexpected names %+v", cos)
	}
}

func TestCleanupOrphans(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"live", "dead"} {
		if err := os.MkdirAll(m.Path(id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := m.CleanupOrphans(func(id string) bool { return id == "live" })
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "dead" {
		t.Fatalf("unexpected removal %v", removed)
	}
	if _, err := os.Stat(m.Path("live")); err != nil {
		t.Fatalf("live workspace removed")
	}
}

func TestFingerprintIsOrderInsensitiveForPaths(t *testing.T) {
	repos := []domain.RepoRef{{URL: "u", Ref: "main"}}
	a, _ := domain.NewFingerprint(repos, []string{"b", "a"})
	b, _ := domain.NewFingerprint(repos, []string{"a", "b"})
	c, _ := domain.NewFingerprint([]domain.RepoRef{{URL: "u", Ref: "dev"}}, []string{"a", "b"})
	if a.Hash != b.Hash || a.Hash == c.Hash || len(a.Hash) != 64 {
		t.Fatalf("unexpected hashes %s %s %s", a.Hash, b.Hash, c.Hash)
	}
}
