// Package workspace materializes per-job checkouts of the repositories a job
// references. A job owns exactly one directory under Root.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
)

const markerFile = ".draftline-workspace.json"

// Checkout is one cloned repository inside a workspace.
type Checkout struct {
	URL  string `json:"url"`
	Ref  string `json:"ref,omitempty"`
	Name string `json:"name"`
	Dir  string `json:"dir"`
	// Base is HEAD right after the clone.
	Base string `json:"base,omitempty"`
}

type Workspace struct {
	JobID       string                      `json:"job_id"`
	Dir         string                      `json:"dir"`
	Repos       []Checkout                  `json:"repos"`
	Fingerprint domain.WorkspaceFingerprint `json:"fingerprint"`
	CreatedAt   string                      `json:"created_at"`
}

// Primary returns the directory of the first repository.
func (w Workspace) Primary() string {
	if len(w.Repos) == 0 {
		return w.Dir
	}
	return w.Repos[0].Dir
}

// PrimaryBase returns the clone commit of the first repository.
func (w Workspace) PrimaryBase() string {
	if len(w.Repos) == 0 {
		return ""
	}
	return w.Repos[0].Base
}

type Manager struct {
	Root         string
	Git          gitx.Git
	CloneTimeout time.Duration
	Shallow      bool
	// Parallel bounds concurrent clones per workspace.
	Parallel int
	Log      *slog.Logger
	Now      func() time.Time
	// Remove deletes a workspace tree; nil means os.RemoveAll.
	Remove func(dir string) error
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Path returns the workspace directory for a job.
func (m Manager) Path(jobID string) string {
	return filepath.Join(m.Root, jobID)
}

// Exists reports whether the job has a workspace marker on disk.
func (m Manager) Exists(jobID string) bool {
	_, err := os.Stat(filepath.Join(m.Path(jobID), markerFile))
	return err == nil
}

// Open loads an existing workspace. It fails with ErrNotFound when the workspace
// is missing and when its fingerprint differs from fp.
func (m Manager) Open(jobID string, fp domain.WorkspaceFingerprint) (Workspace, error) {
	data, err := os.ReadFile(filepath.Join(m.Path(jobID), markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Workspace{}, fmt.Errorf("workspace %s: %w", jobID, domain.ErrNotFound)
		}
		return Workspace{}, err
	}
	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return Workspace{}, fmt.Errorf("decode workspace marker: %w", err)
	}
	if fp.Hash != "" && ws.Fingerprint.Hash != fp.Hash {
		return Workspace{}, fmt.Errorf("workspace %s fingerprint changed: %w", jobID, domain.ErrNotFound)
	}
	return ws, nil
}

// Create clones repos for the job. An existing workspace with the same
// fingerprint is reused; one with a different fingerprint is recreated.
func (m Manager) Create(ctx context.Context, jobID string, repos []domain.RepoRef, selectedPaths []string) (Workspace, error) {
	log := logging.OrDefault(m.Log).With("job_id", jobID)
	if len(repos) == 0 {
		return Workspace{}, domain.Invalid("repos", "at least one repository is required")
	}
	fp, err := domain.NewFingerprint(repos, selectedPaths)
	if err != nil {
		return Workspace{}, err
	}
	if ws, err := m.Open(jobID, fp); err == nil {
		log.Debug("reusing workspace", "dir", ws.Dir)
		return ws, nil
	}
	dir := m.Path(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return Workspace{}, fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	ws := Workspace{
		JobID:       jobID,
		Dir:         dir,
		Repos:       checkouts(dir, repos),
		Fingerprint: fp,
		CreatedAt:   m.now().UTC().Format(time.RFC3339),
	}
	g, gctx := errgroup.WithContext(ctx)
	parallel := m.Parallel
	if parallel <= 0 {
		parallel = 4
	}
	g.SetLimit(parallel)
	for i := range ws.Repos {
		co := &ws.Repos[i]
		g.Go(func() error {
			if err := m.clone(gctx, *co); err != nil {
				return err
			}
			base, err := m.Git.Head(gctx, co.Dir)
			if err != nil {
				return fmt.Errorf("resolve %s head: %w", co.URL, err)
			}
			co.Base = base
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Workspace{}, multierr.Append(err, m.Cleanup(jobID))
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return Workspace{}, multierr.Append(err, m.Cleanup(jobID))
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), data, 0o644); err != nil {
		return Workspace{}, multierr.Append(err, m.Cleanup(jobID))
	}
	log.Info("workspace created", "dir", dir, "repos", len(ws.Repos), "fingerprint", domain.ShortHash(fp.Hash))
	return ws, nil
}

func (m Manager) clone(ctx context.Context, co Checkout) error {
	timeout := m.CloneTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := m.Git.Clone(cctx, co.URL, co.Dir, gitx.CloneOptions{Ref: co.Ref, Shallow: m.Shallow})
	if err == nil {
		return nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("clone %s timed out after %s", co.URL, timeout)
	}
	return fmt.Errorf("clone %s: %w", co.URL, err)
}

// checkouts assigns a unique, sanitized directory to each repository.
func checkouts(dir string, repos []domain.RepoRef) []Checkout {
	seen := map[string]int{}
	out := make([]Checkout, 0, len(repos))
	for _, r := range repos {
		name := sanitizeName(gitx.RepoName(r.URL))
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + "-" + strconv.Itoa(n)
		}
		out = append(out, Checkout{URL: r.URL, Ref: r.Ref, Name: name, Dir: filepath.Join(dir, name)})
	}
	return out
}

func sanitizeName(name string) string {
	name = strings.Trim(name, ". ")
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_", "\x00", "_").Replace(name)
	name = strings.Trim(name, ". ")
	if name == "" || strings.HasPrefix(name, ".draftline") {
		return "repository"
	}
	return name
}

// Cleanup removes the job's workspace. A missing workspace is not an error.
func (m Manager) Cleanup(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return domain.Invalid("job_id", "invalid job id %q", jobID)
	}
	if m.Remove != nil {
		return m.Remove(m.Path(jobID))
	}
	return os.RemoveAll(m.Path(jobID))
}

// CleanupOrphans removes workspaces whose job is not kept by keep.
func (m Manager) CleanupOrphans(keep func(jobID string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	var errs error
	for _, e := range entries {
		if !e.IsDir() || (keep != nil && keep(e.Name())) {
			continue
		}
		if err := m.Cleanup(e.Name()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errs
}
