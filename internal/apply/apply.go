// Package apply mutates a repository according to an approved plan inside a
// git checkpoint, and rolls the working tree back on any failure.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
)

const (
	DefaultTimeout     = 20 * time.Minute
	DefaultMaxLOCDelta = 1000
)

// CodeEngine edits files in dir to carry out pv. It must not commit.
type CodeEngine interface {
	Apply(ctx context.Context, dir string, pv domain.PlanVersion) error
}

// EngineFunc adapts a function to CodeEngine.
type EngineFunc func(ctx context.Context, dir string, pv domain.PlanVersion) error

func (f EngineFunc) Apply(ctx context.Context, dir string, pv domain.PlanVersion) error {
	return f(ctx, dir, pv)
}

type Applier struct {
	Git    gitx.Git
	Engine CodeEngine
	// Base is the commit the checkout was cloned at. Apply resets the tree to
	// it before the engine runs; empty means HEAD.
	Base        string
	Timeout     time.Duration
	MaxLOCDelta int
	// Cancelled is polled every PollInterval while the engine runs; returning
	// true stops the engine and rolls back.
	Cancelled    func(ctx context.Context) (bool, error)
	PollInterval time.Duration
	Log          *slog.Logger
}

// ErrCancelled is returned when the Cancelled hook fired during apply.
var ErrCancelled = errors.New("apply cancelled")

// Apply runs the engine against repoDir and commits the result as
// "Apply plan vN". Every changed path must be in the plan scope.
func (a Applier) Apply(ctx context.Context, repoDir string, pv domain.PlanVersion) (domain.Diff, error) {
	log := logging.OrDefault(a.Log).With("job_id", pv.JobID, "plan_version", pv.Version)
	if a.Engine == nil {
		return domain.Diff{}, fmt.Errorf("%w: no code engine configured", domain.ErrApplyFailed)
	}
	checkpoint, err := a.checkpoint(ctx, repoDir)
	if err != nil {
		return domain.Diff{}, fmt.Errorf("%w: %v", domain.ErrApplyFailed, err)
	}
	log.Info("apply checkpoint", "commit", shortSHA(checkpoint))

	if err := a.runEngine(ctx, repoDir, pv); err != nil {
		if rbErr := a.rollback(ctx, repoDir, checkpoint); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return domain.Diff{}, errors.Join(ErrCancelled, err)
		}
		return domain.Diff{}, fmt.Errorf("%w: %w", domain.ErrApplyFailed, err)
	}

	status, err := a.Git.Changes(ctx, repoDir)
	if err != nil {
		return domain.Diff{}, a.fail(ctx, repoDir, checkpoint, fmt.Errorf("%w: %v", domain.ErrApplyFailed, err))
	}
	changed := changedPaths(status)
	planned := plannedSet(pv.Body)
	var unexpected []string
	for _, p := range changed {
		if !planned[p] {
			unexpected = append(unexpected, p)
		}
	}
	if len(unexpected) > 0 {
		log.Warn("apply diverged from plan", "unexpected", unexpected)
		return domain.Diff{}, a.fail(ctx, repoDir, checkpoint, &domain.DivergenceError{Unexpected: unexpected})
	}

	var warnings []string
	changedSet := make(map[string]bool, len(changed))
	for _, p := range changed {
		changedSet[p] = true
	}
	for _, p := range pv.Body.Paths() {
		if !changedSet[path.Clean(p)] {
			warnings = append(warnings, fmt.Sprintf("planned file not changed: %s", p))
		}
	}

	diff := domain.Diff{Files: []domain.FileChange{}, BaseCommit: checkpoint, HeadCommit: checkpoint, Warnings: warnings}
	if len(changed) == 0 {
		diff.Warnings = append(diff.Warnings, "no changes detected after apply")
		log.Warn("no changes detected after apply")
		return diff, nil
	}

	msg := fmt.Sprintf("Apply plan v%d\n\n%s", pv.Version, pv.Body.Summary)
	if _, err := a.Git.CommitAll(ctx, repoDir, msg); err != nil {
		return domain.Diff{}, a.fail(ctx, repoDir, checkpoint, fmt.Errorf("%w: commit: %v", domain.ErrApplyFailed, err))
	}
	diff, err = Describe(ctx, a.Git, repoDir, checkpoint)
	if err != nil {
		return domain.Diff{}, a.fail(ctx, repoDir, checkpoint, fmt.Errorf("%w: %v", domain.ErrApplyFailed, err))
	}
	diff.Warnings = warnings

	limit := a.MaxLOCDelta
	if limit <= 0 {
		limit = DefaultMaxLOCDelta
	}
	if abs(diff.LOCDelta) > limit {
		log.Warn("apply line delta over limit", "loc_delta", diff.LOCDelta, "limit", limit)
		return domain.Diff{}, a.fail(ctx, repoDir, checkpoint, &domain.DivergenceError{LOCDelta: diff.LOCDelta, MaxLOC: limit})
	}
	log.Info("apply committed", "commit", shortSHA(diff.HeadCommit), "files", len(diff.Files), "loc_delta", diff.LOCDelta)
	return diff, nil
}

// checkpoint refuses detached or conflicted trees, then discards every local
// commit and stray file since Base and returns the commit it reset to.
func (a Applier) checkpoint(ctx context.Context, dir string) (string, error) {
	detached, err := a.Git.IsDetached(ctx, dir)
	if err != nil {
		return "", err
	}
	if detached {
		return "", errors.New("repository is in detached HEAD state")
	}
	unmerged, err := a.Git.UnmergedPaths(ctx, dir)
	if err != nil {
		return "", err
	}
	if len(unmerged) > 0 {
		return "", fmt.Errorf("repository has unmerged paths: %s", strings.Join(unmerged, ", "))
	}
	head, err := a.Git.Head(ctx, dir)
	if err != nil {
		return "", err
	}
	base := a.Base
	if base == "" {
		base = head
	}
	stray, err := a.Git.Changes(ctx, dir)
	if err != nil {
		return "", err
	}
	if len(stray) > 0 || head != base {
		logging.OrDefault(a.Log).Warn("discarding workspace state before apply", "paths", changedPaths(stray), "head", shortSHA(head), "base", shortSHA(base))
	}
	if err := a.Git.ResetHard(ctx, dir, base); err != nil {
		return "", fmt.Errorf("reset to %s: %w", shortSHA(base), err)
	}
	return base, nil
}

func (a Applier) runEngine(ctx context.Context, dir string, pv domain.PlanVersion) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cancelled := make(chan struct{})
	if a.Cancelled != nil {
		interval := a.PollInterval
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
					if stop, err := a.Cancelled(runCtx); err == nil && stop {
						close(cancelled)
						cancel()
						return
					}
				}
			}
		}()
	}

	err := a.Engine.Apply(runCtx, dir, pv)
	select {
	case <-cancelled:
		return ErrCancelled
	default:
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("code engine timed out after %s: %w", timeout, err)
		}
		return err
	}
	return runCtx.Err()
}

// fail rolls back and returns cause, joined with any rollback error.
func (a Applier) fail(ctx context.Context, dir, checkpoint string, cause error) error {
	if err := a.rollback(ctx, dir, checkpoint); err != nil {
		return multierr.Append(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

func (a Applier) rollback(ctx context.Context, dir, checkpoint string) error {
	logging.OrDefault(a.Log).Info("rolling back workspace", "commit", shortSHA(checkpoint))
	return a.Git.ResetHard(context.WithoutCancel(ctx), dir, checkpoint)
}

// Describe builds the Diff between base and HEAD.
func Describe(ctx context.Context, g gitx.Git, dir, base string) (domain.Diff, error) {
	head, err := g.Head(ctx, dir)
	if err != nil {
		return domain.Diff{}, err
	}
	names, err := g.DiffNameStatus(ctx, dir, base, head)
	if err != nil {
		return domain.Diff{}, err
	}
	stats, err := g.DiffNumStat(ctx, dir, base, head)
	if err != nil {
		return domain.Diff{}, err
	}
	patch, err := g.Diff(ctx, dir, base, head)
	if err != nil {
		return domain.Diff{}, err
	}
	counts := make(map[string]gitx.NumStat, len(stats))
	for _, s := range stats {
		counts[s.Path] = s
	}
	d := domain.Diff{Files: make([]domain.FileChange, 0, len(names)), Patch: patch, BaseCommit: base, HeadCommit: head}
	for _, n := range names {
		fc := domain.FileChange{Path: n.Path, Change: changeKind(n.Status)}
		if s, ok := counts[n.Path]; ok {
			fc.Added, fc.Deleted = s.Added, s.Deleted
		}
		d.LOCDelta += fc.Added - fc.Deleted
		d.Files = append(d.Files, fc)
	}
	return d, nil
}

// Replay re-applies a stored diff on a fresh checkout of its base commit.
func Replay(ctx context.Context, g gitx.Git, dir string, d domain.Diff, message string) error {
	head, err := g.Head(ctx, dir)
	if err != nil {
		return err
	}
	// Files left behind since the apply commit never reach a later commit.
	if head == d.HeadCommit {
		return g.ResetHard(ctx, dir, head)
	}
	base := d.BaseCommit
	if base == "" {
		base = head
	}
	if head != base {
		if _, err := g.Run(ctx, dir, "checkout", "--quiet", "--force", "-B", "draftline-replay", base); err != nil {
			return err
		}
	}
	if err := g.ResetHard(ctx, dir, base); err != nil {
		return err
	}
	if strings.TrimSpace(d.Patch) == "" {
		return nil
	}
	if err := g.ApplyPatch(ctx, dir, d.Patch); err != nil {
		return err
	}
	_, err = g.CommitAll(ctx, dir, message)
	return err
}

func changeKind(status byte) domain.ChangeKind {
	switch status {
	case 'A', 'C':
		return domain.ChangeAdded
	case 'D':
		return domain.ChangeDeleted
	case 'R':
		return domain.ChangeRenamed
	default:
		return domain.ChangeModified
	}
}

func changedPaths(entries []gitx.StatusEntry) []string {
	set := map[string]bool{}
	for _, e := range entries {
		set[e.Path] = true
		if e.From != "" {
			set[e.From] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func plannedSet(b domain.PlanBody) map[string]bool {
	set := make(map[string]bool, len(b.Scope.Files))
	for _, f := range b.Scope.Files {
		set[path.Clean(f.Path)] = true
	}
	return set
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
