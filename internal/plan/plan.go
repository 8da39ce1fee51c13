// Package plan produces immutable, hashed plan versions and compares them.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"draftline/internal/domain"
	"draftline/internal/gitx"
	"draftline/internal/logging"
	"draftline/internal/validate"
)

// GenerateRequest is what a content engine receives for a first plan.
type GenerateRequest struct {
	JobID        string           `json:"job_id"`
	Story        domain.Story     `json:"story"`
	Scope        domain.Scope     `json:"scope"`
	Repos        []domain.RepoRef `json:"repos"`
	WorkspaceDir string           `json:"workspace_dir"`
	RepoDir      string           `json:"repo_dir"`
}

// ReviseRequest is what a content engine receives to revise a plan.
type ReviseRequest struct {
	JobID        string              `json:"job_id"`
	Story        domain.Story        `json:"story"`
	Scope        domain.Scope        `json:"scope"`
	Repos        []domain.RepoRef    `json:"repos"`
	Previous     domain.PlanVersion  `json:"previous"`
	Feedback     domain.PlanFeedback `json:"feedback"`
	WorkspaceDir string              `json:"workspace_dir"`
	RepoDir      string              `json:"repo_dir"`
}

// ContentEngine writes plan bodies. It knows nothing about hashes or approvals.
type ContentEngine interface {
	Generate(ctx context.Context, req GenerateRequest) (domain.PlanBody, error)
	Revise(ctx context.Context, req ReviseRequest) (domain.PlanBody, error)
}

// ErrEngineFailed wraps content engine failures.
var ErrEngineFailed = errors.New("plan engine failed")

type Generator struct {
	Engine ContentEngine
	// Name is recorded as GeneratedBy on every version.
	Name string
	Now  func() time.Time
	Log  *slog.Logger
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Generate asks the engine for a plan and returns it as version 1.
func (g Generator) Generate(ctx context.Context, req GenerateRequest) (domain.PlanVersion, error) {
	if g.Engine == nil {
		return domain.PlanVersion{}, fmt.Errorf("%w: no content engine configured", ErrEngineFailed)
	}
	body, err := g.Engine.Generate(ctx, req)
	if err != nil {
		return domain.PlanVersion{}, fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	body = AddCrossRepoImpacts(Normalize(body), req.Repos)
	pv, err := g.build(req.JobID, 1, body, "", nil)
	if err != nil {
		return domain.PlanVersion{}, err
	}
	logging.OrDefault(g.Log).Info("plan generated", "job_id", req.JobID, "version", 1, "plan_hash", domain.ShortHash(pv.PlanHash), "files", len(body.Scope.Files))
	return pv, nil
}

// Revise produces version previous+1 from feedback. It refuses to revise a
// version whose hash is the approved hash.
func (g Generator) Revise(ctx context.Context, req ReviseRequest, approvedHash string) (domain.PlanVersion, error) {
	if approvedHash != "" && approvedHash == req.Previous.PlanHash {
		return domain.PlanVersion{}, fmt.Errorf("%w: plan v%d is already approved", domain.ErrRevisionNotAllowed, req.Previous.Version)
	}
	if req.Feedback.Type == "" {
		req.Feedback.Type = domain.FeedbackGeneral
	}
	if err := validate.Struct(req.Feedback); err != nil {
		return domain.PlanVersion{}, err
	}
	if req.Feedback.ProvidedAt == "" {
		req.Feedback.ProvidedAt = g.now().UTC().Format(time.RFC3339)
	}
	if g.Engine == nil {
		return domain.PlanVersion{}, fmt.Errorf("%w: no content engine configured", ErrEngineFailed)
	}
	body, err := g.Engine.Revise(ctx, req)
	if err != nil {
		return domain.PlanVersion{}, fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	body = AddCrossRepoImpacts(Normalize(body), req.Repos)
	fb := req.Feedback
	pv, err := g.build(req.JobID, req.Previous.Version+1, body, req.Previous.PlanHash, &fb)
	if err != nil {
		return domain.PlanVersion{}, err
	}
	logging.OrDefault(g.Log).Info("plan revised", "job_id", req.JobID, "version", pv.Version, "plan_hash", domain.ShortHash(pv.PlanHash))
	return pv, nil
}

func (g Generator) build(jobID string, version int, body domain.PlanBody, prevHash string, fb *domain.PlanFeedback) (domain.PlanVersion, error) {
	if err := Validate(body); err != nil {
		return domain.PlanVersion{}, err
	}
	h, err := Hash(body)
	if err != nil {
		return domain.PlanVersion{}, err
	}
	name := g.Name
	if name == "" {
		name = "draftline"
	}
	return domain.PlanVersion{
		JobID:               jobID,
		Version:             version,
		Body:                body,
		PlanHash:            h,
		PreviousVersionHash: prevHash,
		Feedback:            fb,
		GeneratedBy:         name,
		CreatedAt:           g.now().UTC().Format(time.RFC3339),
	}, nil
}

// Normalize replaces nil slices with empty ones so equal plans hash equally.
func Normalize(b domain.PlanBody) domain.PlanBody {
	b.Summary = strings.TrimSpace(b.Summary)
	files := make([]domain.ScopeFile, len(b.Scope.Files))
	for i, f := range b.Scope.Files {
		f.Path = path.Clean(strings.TrimSpace(f.Path))
		files[i] = f
	}
	b.Scope.Files = files
	nonNil := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	b.HappyPaths = nonNil(b.HappyPaths)
	b.EdgeCases = nonNil(b.EdgeCases)
	b.Assumptions = nonNil(b.Assumptions)
	b.Unknowns = nonNil(b.Unknowns)
	b.Rollback = nonNil(b.Rollback)
	if b.FailureModes == nil {
		b.FailureModes = []domain.FailureMode{}
	}
	if b.Tests == nil {
		b.Tests = []domain.TestSpec{}
	}
	if b.CrossRepoImpacts == nil {
		b.CrossRepoImpacts = []domain.CrossRepoImpact{}
	}
	return b
}

// Hash is the sha256 of the canonical JSON encoding of the normalized body.
func Hash(b domain.PlanBody) (string, error) {
	return domain.HashJSON(Normalize(b))
}

// Validate checks the plan sections. Empty required sections are failures.
func Validate(b domain.PlanBody) error {
	if err := validate.Struct(b); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, f := range b.Scope.Files {
		field := fmt.Sprintf("scope.files[%d].path", i)
		p := f.Path
		if path.IsAbs(p) || p == "." || p == ".." || strings.HasPrefix(p, "../") {
			return domain.Invalid(field, "must be a relative path inside the repository, got %q", p)
		}
		if p == ".git" || strings.HasPrefix(p, ".git/") {
			return domain.Invalid(field, "must not touch .git")
		}
		if seen[p] {
			return domain.Invalid(field, "duplicate path %q", p)
		}
		seen[p] = true
	}
	return nil
}

// Verify recomputes the hash of a stored version.
func Verify(pv domain.PlanVersion) error {
	h, err := Hash(pv.Body)
	if err != nil {
		return err
	}
	if h != pv.PlanHash {
		return fmt.Errorf("%w: plan v%d of job %s hash mismatch on read", domain.ErrArtifactStore, pv.Version, pv.JobID)
	}
	return nil
}

// AddCrossRepoImpacts records an impact for every secondary repository the plan
// mentions without already declaring it.
func AddCrossRepoImpacts(b domain.PlanBody, repos []domain.RepoRef) domain.PlanBody {
	if len(repos) < 2 {
		return b
	}
	declared := map[string]bool{}
	for _, c := range b.CrossRepoImpacts {
		declared[strings.ToLower(gitx.RepoName(c.Repo))] = true
	}
	text := strings.ToLower(strings.Join(append(append([]string{b.Summary}, b.Assumptions...), b.Paths()...), "\n"))
	for _, r := range repos[1:] {
		name := strings.ToLower(gitx.RepoName(r.URL))
		if name == "" || declared[name] || !strings.Contains(text, name) {
			continue
		}
		b.CrossRepoImpacts = append(b.CrossRepoImpacts, domain.CrossRepoImpact{
			Repo:   gitx.RepoName(r.URL),
			Reason: fmt.Sprintf("plan references %s, which is cloned as context only", gitx.RepoName(r.URL)),
		})
		declared[name] = true
	}
	return b
}
