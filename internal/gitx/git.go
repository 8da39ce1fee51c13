package gitx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Git runs git commands through an Executor with a fixed committer identity.
type Git struct {
	Exec        Executor
	AuthorName  string
	AuthorEmail string
}

// New returns a Git using the os/exec executor.
func New() Git {
	return Git{Exec: CLIExecutor{}}
}

func (g Git) executor() Executor {
	if g.Exec == nil {
		return CLIExecutor{}
	}
	return g.Exec
}

func (g Git) identity() []string {
	name, email := g.AuthorName, g.AuthorEmail
	if name == "" {
		name = "draftline"
	}
	if email == "" {
		email = "draftline@localhost"
	}
	return []string{"-c", "user.name=" + name, "-c", "user.email=" + email}
}

// Run executes git args in dir and returns trimmed stdout.
func (g Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.run(ctx, dir, nil, args...)
}

func (g Git) run(ctx context.Context, dir string, stdin io.Reader, args ...string) (string, error) {
	stdout, stderr, err := g.executor().Run(ctx, dir, stdin, "git", args...)
	if err != nil {
		op := ""
		if len(args) > 0 {
			op = args[0]
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return "", &GitError{Op: op, Dir: dir, Args: args, Output: string(stderr) + string(stdout), Err: err}
	}
	return strings.TrimRight(string(stdout), "\n"), nil
}

// CloneOptions selects what Clone fetches.
type CloneOptions struct {
	Ref     string
	Shallow bool
}

// Clone clones url into dest and checks out opts.Ref when set.
func (g Git) Clone(ctx context.Context, url, dest string, opts CloneOptions) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	args := []string{"clone", "--quiet"}
	if opts.Shallow && !isLocalPath(url) {
		args = append(args, "--depth", "1", "--no-single-branch")
	}
	args = append(args, url, dest)
	if _, err := g.Run(ctx, filepath.Dir(dest), args...); err != nil {
		return err
	}
	if opts.Ref == "" {
		return nil
	}
	if _, err := g.Run(ctx, dest, "checkout", "--quiet", opts.Ref); err != nil {
		if _, ferr := g.Run(ctx, dest, "fetch", "--quiet", "--depth", "1", "origin", opts.Ref); ferr != nil {
			return err
		}
		_, err = g.Run(ctx, dest, "checkout", "--quiet", "FETCH_HEAD")
		return err
	}
	return nil
}

func isLocalPath(url string) bool {
	return strings.HasPrefix(url, "/") || strings.HasPrefix(url, "file://") || strings.HasPrefix(url, ".")
}

// Head returns the commit sha of HEAD.
func (g Git) Head(ctx context.Context, dir string) (string, error) {
	return g.Run(ctx, dir, "rev-parse", "HEAD")
}

// IsDetached reports whether HEAD does not point at a branch.
func (g Git) IsDetached(ctx context.Context, dir string) (bool, error) {
	_, err := g.Run(ctx, dir, "symbolic-ref", "-q", "HEAD")
	if err == nil {
		return false, nil
	}
	if IsExit(err, 1) {
		return true, nil
	}
	return false, err
}

// CurrentBranch returns the short name of the checked out branch.
func (g Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// UnmergedPaths lists paths with unresolved merge conflicts.
func (g Git) UnmergedPaths(ctx context.Context, dir string) ([]string, error) {
	out, err := g.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StatusEntry is one line of porcelain status.
type StatusEntry struct {
	Code string
	Path string
	From string
}

// Status returns working tree changes including untracked files.
func (g Git) Status(ctx context.Context, dir string) ([]StatusEntry, error) {
	out, err := g.Run(ctx, dir, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parseStatusZ(out), nil
}

// Changes is Status plus ignored files, listed individually with code "!!".
func (g Git) Changes(ctx context.Context, dir string) ([]StatusEntry, error) {
	out, err := g.Run(ctx, dir, "status", "--porcelain=v1", "-z", "--untracked-files=all", "--ignored")
	if err != nil {
		return nil, err
	}
	return parseStatusZ(out), nil
}

func parseStatusZ(out string) []StatusEntry {
	fields := strings.Split(out, "\x00")
	var entries []StatusEntry
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := StatusEntry{Code: f[:2], Path: f[3:]}
		if e.Code[0] == 'R' || e.Code[0] == 'C' {
			if i+1 < len(fields) {
				e.From = fields[i+1]
				i++
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// IsDirty reports whether the working tree has any change.
func (g Git) IsDirty(ctx context.Context, dir string) (bool, error) {
	entries, err := g.Status(ctx, dir)
	return len(entries) > 0, err
}

// CommitAll stages every change and commits. It returns false when there was
// nothing to commit.
func (g Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := g.Run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := g.Run(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	} else if !IsExit(err, 1) {
		return false, err
	}
	args := append(g.identity(), "commit", "--quiet", "--no-verify", "-m", message)
	if _, err := g.Run(ctx, dir, args...); err != nil {
		return false, err
	}
	return true, nil
}

// ResetHard moves HEAD and the working tree to sha and removes untracked and
// ignored files.
func (g Git) ResetHard(ctx context.Context, dir, sha string) error {
	if _, err := g.Run(ctx, dir, "reset", "--hard", "--quiet", sha); err != nil {
		return err
	}
	_, err := g.Run(ctx, dir, "clean", "-fdx", "--quiet")
	return err
}

// NameStatus is one entry of `git diff --name-status`.
type NameStatus struct {
	Status byte
	Path   string
	From   string
}

// DiffNameStatus lists changed paths between two commits with rename detection.
func (g Git) DiffNameStatus(ctx context.Context, dir, from, to string) ([]NameStatus, error) {
	out, err := g.Run(ctx, dir, "diff", "--name-status", "-M", "-z", from, to)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(out, "\x00")
	var res []NameStatus
	for i := 0; i < len(fields); i++ {
		code := fields[i]
		if code == "" {
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		ns := NameStatus{Status: code[0]}
		if ns.Status == 'R' || ns.Status == 'C' {
			if i+2 >= len(fields) {
				break
			}
			ns.From, ns.Path = fields[i+1], fields[i+2]
			i += 2
		} else {
			ns.Path = fields[i+1]
			i++
		}
		res = append(res, ns)
	}
	return res, nil
}

// NumStat holds line counts for a path. Binary files report zero.
type NumStat struct {
	Path    string
	Added   int
	Deleted int
}

// DiffNumStat returns per-file line counts between two commits.
func (g Git) DiffNumStat(ctx context.Context, dir, from, to string) ([]NumStat, error) {
	out, err := g.Run(ctx, dir, "diff", "--numstat", "-M", "-z", from, to)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(out, "\x00")
	var res []NumStat
	for i := 0; i < len(fields); i++ {
		parts := strings.SplitN(fields[i], "\t", 3)
		if len(parts) != 3 {
			continue
		}
		ns := NumStat{Added: atoiOrZero(parts[0]), Deleted: atoiOrZero(parts[1]), Path: parts[2]}
		if ns.Path == "" {
			// Renames: counts are followed by the old and new path fields.
			if i+2 >= len(fields) {
				break
			}
			ns.Path = fields[i+2]
			i += 2
		}
		res = append(res, ns)
	}
	return res, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Diff returns the unified patch between two commits, binary-safe.
func (g Git) Diff(ctx context.Context, dir, from, to string) (string, error) {
	out, err := g.Run(ctx, dir, "diff", "--binary", "-M", from, to)
	if err != nil {
		return "", err
	}
	if out != "" {
		out += "\n"
	}
	return out, nil
}

// ApplyPatch applies a unified diff from memory to the working tree.
func (g Git) ApplyPatch(ctx context.Context, dir, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return errors.New("patch is empty")
	}
	_, err := g.run(ctx, dir, strings.NewReader(patch), "apply", "--whitespace=nowarn", "-")
	return err
}

// RemoteURL returns the fetch URL of remote.
func (g Git) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	return g.Run(ctx, dir, "remote", "get-url", remote)
}

// DefaultBranch resolves the remote's default branch: the remote HEAD symref
// first, then the first existing of main, master, develop, dev, then "main".
func (g Git) DefaultBranch(ctx context.Context, dir, remote string) string {
	if out, err := g.Run(ctx, dir, "symbolic-ref", "--short", "refs/remotes/"+remote+"/HEAD"); err == nil && out != "" {
		return strings.TrimPrefix(out, remote+"/")
	}
	for _, name := range []string{"main", "master", "develop", "dev"} {
		if ok, _ := g.RemoteBranchExists(ctx, dir, remote, name); ok {
			return name
		}
		if ok, _ := g.LocalBranchExists(ctx, dir, name); ok {
			return name
		}
	}
	return "main"
}

// LocalBranchExists checks refs/heads/<name>.
func (g Git) LocalBranchExists(ctx context.Context, dir, name string) (bool, error) {
	return g.refExists(ctx, dir, "refs/heads/"+name)
}

// RemoteBranchExists checks the remote-tracking ref, then asks the remote.
func (g Git) RemoteBranchExists(ctx context.Context, dir, remote, name string) (bool, error) {
	if ok, err := g.refExists(ctx, dir, "refs/remotes/"+remote+"/"+name); ok || err != nil {
		return ok, err
	}
	_, err := g.Run(ctx, dir, "ls-remote", "--exit-code", "--heads", remote, name)
	if err == nil {
		return true, nil
	}
	if IsExit(err, 2) {
		return false, nil
	}
	return false, err
}

func (g Git) refExists(ctx context.Context, dir, ref string) (bool, error) {
	_, err := g.Run(ctx, dir, "show-ref", "--verify", "--quiet", ref)
	if err == nil {
		return true, nil
	}
	if IsExit(err, 1) {
		return false, nil
	}
	return false, err
}

// CreateBranch creates name at HEAD and checks it out.
func (g Git) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := g.Run(ctx, dir, "checkout", "--quiet", "-b", name)
	return err
}

// Checkout switches to an existing branch or commit.
func (g Git) Checkout(ctx context.Context, dir, ref string) error {
	_, err := g.Run(ctx, dir, "checkout", "--quiet", ref)
	return err
}

// DeleteBranch force-deletes a local branch.
func (g Git) DeleteBranch(ctx context.Context, dir, name string) error {
	_, err := g.Run(ctx, dir, "branch", "-D", name)
	return err
}

// Push pushes branch to remote and sets upstream.
func (g Git) Push(ctx context.Context, dir, remote, branch string) error {
	_, err := g.Run(ctx, dir, "push", "--quiet", "-u", remote, branch)
	return err
}

// RepoName derives a directory name from a clone URL.
func RepoName(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	url = strings.TrimSuffix(url, ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	if url == "" {
		return "repo"
	}
	return url
}

func splitLines(out string) []string {
	var res []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			res = append(res, line)
		}
	}
	return res
}

// Init creates a repository with an initial commit; used to bootstrap test
// fixtures and local scratch repositories.
func (g Git) Init(ctx context.Context, dir, branch string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if branch == "" {
		branch = "main"
	}
	if _, err := g.Run(ctx, dir, "init", "--quiet", "-b", branch); err != nil {
		if _, err2 := g.Run(ctx, dir, "init", "--quiet"); err2 != nil {
			return fmt.Errorf("init: %w", err)
		}
		if _, err2 := g.Run(ctx, dir, "checkout", "--quiet", "-b", branch); err2 != nil {
			return err2
		}
	}
	return nil
}
