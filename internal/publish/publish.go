// Package publish pushes an applied change to a fresh branch and opens a draft
// change request on the repository host.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
)

const (
	DefaultPrefix      = "draftline"
	DefaultMaxAttempts = 5
	DefaultRemote      = "origin"
)

// ChangeRequest is what a Host needs to open a draft change request.
type ChangeRequest struct {
	Owner  string
	Repo   string
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// Change identifies an opened change request.
type Change struct {
	ID  string
	URL string
}

// Host opens draft change requests (pull requests, merge requests).
type Host interface {
	CreateDraftChange(ctx context.Context, req ChangeRequest) (Change, error)
}

// NoHost pushes branches only; no change request is opened.
type NoHost struct{}

func (NoHost) CreateDraftChange(context.Context, ChangeRequest) (Change, error) {
	return Change{}, nil
}

type Request struct {
	JobID    string
	StoryKey string
	PlanHash string
	Metadata domain.PublishMetadata
}

type Publisher struct {
	Git         gitx.Git
	Host        Host
	Remote      string
	Prefix      string
	MaxAttempts int
	Log         *slog.Logger
}

// Publish creates a branch at HEAD of repoDir, pushes it and opens a draft
// change request. When the push succeeded but the host call failed, the
// populated result is returned with a *domain.PartialPublishError.
func (p Publisher) Publish(ctx context.Context, repoDir string, req Request) (domain.PublishResult, error) {
	log := logging.OrDefault(p.Log).With("job_id", req.JobID)
	remote := p.Remote
	if remote == "" {
		remote = DefaultRemote
	}
	var res domain.PublishResult

	var owner, name string
	if u, err := p.Git.RemoteURL(ctx, repoDir, remote); err == nil {
		if _, o, n, perr := ParseRemote(u); perr == nil {
			owner, name = o, n
			res.RepoSlug = o + "/" + n
		} else {
			log.Warn("cannot derive repository slug", "remote_url", u, "error", perr)
		}
	}
	res.BaseBranch = p.Git.DefaultBranch(ctx, repoDir, remote)

	original, err := p.Git.CurrentBranch(ctx, repoDir)
	if err != nil {
		return res, fmt.Errorf("read current branch: %w", err)
	}
	branch, err := p.createBranch(ctx, repoDir, remote, req)
	if err != nil {
		return res, err
	}
	res.Branch = branch

	if err := p.Git.Push(ctx, repoDir, remote, branch); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if cerr := p.Git.Checkout(cleanupCtx, repoDir, original); cerr == nil {
			if derr := p.Git.DeleteBranch(cleanupCtx, repoDir, branch); derr != nil {
				log.Warn("delete local branch after failed push", "branch", branch, "error", derr)
			}
		}
		return res, fmt.Errorf("push branch %s: %w", branch, err)
	}
	log.Info("branch pushed", "branch", branch, "base", res.BaseBranch)

	host := p.Host
	if host == nil {
		host = NoHost{}
	}
	change, err := host.CreateDraftChange(ctx, ChangeRequest{
		Owner:  owner,
		Repo:   name,
		Title:  req.Metadata.Title,
		Body:   req.Metadata.Description,
		Head:   branch,
		Base:   res.BaseBranch,
		Labels: req.Metadata.Labels,
	})
	if err != nil {
		log.Error("change request creation failed after push", "branch", branch, "error", err)
		return res, &domain.PartialPublishError{Branch: branch, Err: err}
	}
	res.ChangeID = change.ID
	res.URL = change.URL
	log.Info("draft change opened", "id", change.ID, "url", change.URL)
	return res, nil
}

func (p Publisher) createBranch(ctx context.Context, dir, remote string, req Request) (string, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var tried []string
	for attempt := 1; attempt <= attempts; attempt++ {
		name := BranchName(prefix, req.StoryKey, req.PlanHash, req.JobID, attempt)
		tried = append(tried, name)
		local, err := p.Git.LocalBranchExists(ctx, dir, name)
		if err != nil {
			return "", err
		}
		if local {
			continue
		}
		remoteExists, err := p.Git.RemoteBranchExists(ctx, dir, remote, name)
		if err != nil {
			return "", err
		}
		if remoteExists {
			continue
		}
		if err := p.Git.CreateBranch(ctx, dir, name); err != nil {
			return "", fmt.Errorf("create branch %s: %w", name, err)
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: tried %s", domain.ErrBranchExhausted, strings.Join(tried, ", "))
}

// BranchName builds "<prefix>/<KEY>-<hash8>" (or "<prefix>/<jobID>") with a
// "-N" suffix for attempt N > 1.
func BranchName(prefix, storyKey, planHash, jobID string, attempt int) string {
	var base string
	if key := sanitize(storyKey, "-_"); key != "" {
		base = fmt.Sprintf("%s/%s-%s", prefix, key, domain.ShortHash(planHash))
	} else {
		id := sanitize(jobID, "-")
		if id == "" {
			id = "job"
		}
		base = prefix + "/" + id
	}
	if attempt > 1 {
		return fmt.Sprintf("%s-%d", base, attempt)
	}
	return base
}

func sanitize(s, extra string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || strings.ContainsRune(extra, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var errUnsupportedRemote = errors.New("unsupported remote URL")

// ParseRemote splits an https, ssh:// or scp-style remote URL into host,
// owner and repository name. Nested groups stay in owner.
func ParseRemote(raw string) (host, owner, repo string, err error) {
	raw = strings.TrimSpace(raw)
	var p string
	switch {
	case strings.Contains(raw, "://"):
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", "", fmt.Errorf("%w: %s", errUnsupportedRemote, raw)
		}
		if u.Scheme != "https" && u.Scheme != "http" && u.Scheme != "ssh" {
			return "", "", "", fmt.Errorf("%w: %s", errUnsupportedRemote, raw)
		}
		host, p = u.Hostname(), u.Path
	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		at := strings.Index(raw, "@")
		colon := strings.Index(raw[at:], ":") + at
		host, p = raw[at+1:colon], raw[colon+1:]
	default:
		return "", "", "", fmt.Errorf("%w: %s", errUnsupportedRemote, raw)
	}
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	i := strings.LastIndex(p, "/")
	if host == "" || i <= 0 || i == len(p)-1 {
		return "", "", "", fmt.Errorf("%w: cannot find owner/repo in %s", errUnsupportedRemote, raw)
	}
	return host, p[:i], p[i+1:], nil
}
