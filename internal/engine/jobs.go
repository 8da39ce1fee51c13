package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/repo"
	"draftline/internal/story"
	"draftline/internal/validate"
)

const (
	MaxBulkCreate = 20
	MaxBulkCancel = 50
)

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	StoryKey string           `json:"story_key" validate:"required"`
	Summary  string           `json:"summary,omitempty"`
	Details  string           `json:"description,omitempty"`
	Repos    []domain.RepoRef `json:"repos" validate:"required,min=1,dive"`
	Scope    domain.Scope     `json:"scope"`
	Mode     string           `json:"mode,omitempty"`
	ActorID  string           `json:"-"`
}

// CreateJob validates the request, resolves the story and enqueues the job.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	opts.StoryKey = strings.TrimSpace(opts.StoryKey)
	if err := validate.Struct(opts); err != nil {
		return domain.Job{}, err
	}
	if !story.ValidKey(opts.StoryKey) {
		return domain.Job{}, domain.Invalid("story_key", "invalid story key %q", opts.StoryKey)
	}
	if limit := e.Config.Workspaces.MaxRepos; limit > 0 && len(opts.Repos) > limit {
		return domain.Job{}, domain.Invalid("repos", "at most %d repositories per job", limit)
	}
	mode, ok := domain.ParseMode(opts.Mode)
	if !ok {
		return domain.Job{}, domain.Invalid("mode", "unknown mode %q", opts.Mode)
	}
	st, err := e.resolveStory(ctx, opts)
	if err != nil {
		return domain.Job{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	ts := e.stamp()
	job := domain.Job{
		ID:             uuid.NewString(),
		StoryKey:       opts.StoryKey,
		Story:          st,
		Repos:          opts.Repos,
		Scope:          opts.Scope,
		Mode:           mode,
		Stage:          domain.StageCreated,
		CreatedBy:      actor,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		StageStartedAt: ts,
	}
	if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactInputSpec, 1, map[string]any{
		"story_key": job.StoryKey,
		"story":     job.Story,
		"repos":     job.Repos,
		"scope":     job.Scope,
		"mode":      job.Mode,
	}, nil); err != nil {
		return domain.Job{}, err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.JobCreated, job.ID, "job", job.ID, actor, events.EventPayload{
		"story_key": job.StoryKey,
		"mode":      job.Mode,
		"repos":     len(job.Repos),
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.log().Info("job created", "job_id", job.ID, "story_key", job.StoryKey, "mode", job.Mode)
	e.start(job.ID)
	return job, nil
}

func (e Engine) resolveStory(ctx context.Context, opts JobCreateOptions) (domain.Story, error) {
	if strings.TrimSpace(opts.Summary) != "" {
		return story.StaticSource{opts.StoryKey: {Summary: strings.TrimSpace(opts.Summary), Description: strings.TrimSpace(opts.Details)}}.Fetch(ctx, opts.StoryKey)
	}
	if e.Stories == nil {
		return domain.Story{}, domain.Invalid("summary", "no story source configured; provide a summary")
	}
	st, err := e.Stories.Fetch(ctx, opts.StoryKey)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Story{}, domain.Invalid("story_key", "story %s not found and no summary given", opts.StoryKey)
	}
	return st, err
}

// BulkResult is the per-item outcome of a bulk operation.
type BulkResult struct {
	Index int         `json:"index"`
	JobID string      `json:"job_id,omitempty"`
	Job   *domain.Job `json:"job,omitempty"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
}

// BulkCreate creates up to MaxBulkCreate jobs. Items fail independently.
func (e Engine) BulkCreate(ctx context.Context, items []JobCreateOptions) ([]BulkResult, error) {
	if len(items) == 0 {
		return nil, domain.Invalid("jobs", "at least one job is required")
	}
	if len(items) > MaxBulkCreate {
		return nil, domain.Invalid("jobs", "at most %d jobs per request", MaxBulkCreate)
	}
	out := make([]BulkResult, 0, len(items))
	for i, item := range items {
		job, err := e.CreateJob(ctx, item)
		res := BulkResult{Index: i}
		if err != nil {
			res.Error = err.Error()
			res.Code = domain.ErrorCode(err)
		} else {
			res.JobID = job.ID
			res.Job = &job
		}
		out = append(out, res)
	}
	return out, nil
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return e.Repo.GetJob(ctx, id)
}

// JobListOptions filter ListJobs. Cursor is the opaque value returned by the
// previous page.
type JobListOptions struct {
	Stages []domain.Stage
	Limit  int
	Cursor string
}

// ListJobs returns one page of jobs, newest first, and the cursor of the next
// page ("" when exhausted).
func (e Engine) ListJobs(ctx context.Context, opts JobListOptions) ([]domain.Job, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	f := repo.JobFilters{Stages: opts.Stages, Limit: limit + 1}
	if opts.Cursor != "" {
		ts, id, err := ParseCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		f.CursorCreatedAt, f.CursorID = ts, id
	}
	jobs, err := e.Repo.ListJobs(ctx, f)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = ComposeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

// ComposeCursor encodes a (created_at, id) position.
func ComposeCursor(ts, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ts + "|" + id))
}

func ParseCursor(cursor string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", domain.Invalid("cursor", "malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || ts == "" || id == "" {
		return "", "", domain.Invalid("cursor", "malformed cursor")
	}
	return ts, id, nil
}

// Cancel flags the job as cancelled. A running worker is interrupted and ends
// the job in CANCELLED; an idle job is cancelled immediately.
func (e Engine) Cancel(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Cancelled || job.Stage == domain.StageCancelled {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrAlreadyCancelled)
	}
	if job.Stage.Terminal() {
		return domain.Job{}, &domain.WrongStageError{JobID: jobID, Current: job.Stage, Expected: nonTerminal}
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetCancelled(ctx, tx, jobID, e.stamp()); err != nil {
		return domain.Job{}, err
	}
	if err := e.events().Append(ctx, tx, "job.cancel_requested", jobID, "job", jobID, actorID, events.EventPayload{"stage": job.Stage}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.log().Info("job cancel requested", "job_id", jobID, "stage", job.Stage, "actor", actorID)
	e.interrupt(jobID)
	if !job.Stage.Executing() {
		e.finishCancelled(ctx, jobID)
	}
	return e.Repo.GetJob(ctx, jobID)
}

var nonTerminal = []domain.Stage{
	domain.StageCreated, domain.StagePlanning, domain.StageWaitingForApproval, domain.StageRevising,
	domain.StageApplying, domain.StageVerifying, domain.StagePackaging, domain.StagePublishing,
}

// BulkCancel cancels up to MaxBulkCancel jobs. Items fail independently.
func (e Engine) BulkCancel(ctx context.Context, ids []string, actorID string) ([]BulkResult, error) {
	if len(ids) == 0 {
		return nil, domain.Invalid("job_ids", "at least one job id is required")
	}
	if len(ids) > MaxBulkCancel {
		return nil, domain.Invalid("job_ids", "at most %d jobs per request", MaxBulkCancel)
	}
	out := make([]BulkResult, 0, len(ids))
	for i, id := range ids {
		res := BulkResult{Index: i, JobID: id}
		job, err := e.Cancel(ctx, id, actorID)
		if err != nil {
			res.Error = err.Error()
			res.Code = domain.ErrorCode(err)
		} else {
			res.Job = &job
		}
		out = append(out, res)
	}
	return out, nil
}

// RetryableStages are the stages a job may be restarted from.
var RetryableStages = []domain.Stage{
	domain.StagePlanning, domain.StageApplying, domain.StageVerifying, domain.StagePackaging, domain.StagePublishing,
}

// stagePrerequisites are the artifacts a stage reads from earlier stages.
var stagePrerequisites = map[domain.Stage][]domain.ArtifactType{
	domain.StageApplying:   {domain.ArtifactPlan, domain.ArtifactApproval},
	domain.StageVerifying:  {domain.ArtifactPlan, domain.ArtifactApproval, domain.ArtifactDiff},
	domain.StagePackaging:  {domain.ArtifactPlan, domain.ArtifactApproval, domain.ArtifactDiff, domain.ArtifactValidationLogs},
	domain.StagePublishing: {domain.ArtifactPlan, domain.ArtifactApproval, domain.ArtifactDiff, domain.ArtifactValidationLogs, domain.ArtifactPRMetadata},
}

type RetryOptions struct {
	JobID string
	// Stage defaults to the stage the job failed in.
	Stage   domain.Stage
	Force   bool
	ActorID string
}

// RetryJob restarts a failed job from a stage. Cancelled and completed jobs
// need Force.
func (e Engine) RetryJob(ctx context.Context, opts RetryOptions) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, opts.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	switch job.Stage {
	case domain.StageFailed:
	case domain.StageCancelled, domain.StageCompleted:
		if !opts.Force {
			return domain.Job{}, domain.Invalid("force", "job %s is %s; use force to retry", job.ID, job.Stage)
		}
	default:
		return domain.Job{}, &domain.WrongStageError{JobID: job.ID, Current: job.Stage, Expected: []domain.Stage{domain.StageFailed, domain.StageCancelled, domain.StageCompleted}}
	}
	if _, busy := e.isRunning(job.ID); busy {
		return domain.Job{}, fmt.Errorf("job %s is still winding down: %w", job.ID, domain.ErrWrongStage)
	}
	stage := opts.Stage
	if stage == "" {
		failed, _ := job.Result["failed_stage"].(string)
		stage = domain.Stage(failed)
	}
	if stage == "" || !retryable(stage) {
		stage = domain.StagePlanning
		if opts.Stage != "" {
			return domain.Job{}, domain.Invalid("stage", "cannot retry from %s", opts.Stage)
		}
	}
	if ok, err := e.Artifacts.Has(job.ID, domain.ArtifactInputSpec); err != nil {
		return domain.Job{}, err
	} else if !ok {
		return domain.Job{}, fmt.Errorf("input spec for job %s: %w", job.ID, domain.ErrNotFound)
	}
	if stage != domain.StagePlanning && job.ApprovedPlanHash == nil {
		return domain.Job{}, domain.Invalid("stage", "job has no approved plan; retry from PLANNING")
	}
	for _, typ := range stagePrerequisites[stage] {
		ok, err := e.Artifacts.Has(job.ID, typ)
		if err != nil {
			return domain.Job{}, err
		}
		if !ok {
			return domain.Job{}, domain.Invalid("stage", "cannot retry from %s: missing %s artifact", stage, typ)
		}
	}
	if stage == domain.StagePackaging || stage == domain.StagePublishing {
		if _, err := e.verified(ctx, job.ID, *job.ApprovedPlanHash); errors.Is(err, domain.ErrVerificationFailed) {
			return domain.Job{}, domain.Invalid("stage", "cannot retry from %s: %v; retry from %s", stage, err, domain.StageVerifying)
		} else if err != nil {
			return domain.Job{}, err
		}
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetJobTx(ctx, tx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if cur.Stage != job.Stage {
		return domain.Job{}, &domain.WrongStageError{JobID: job.ID, Current: cur.Stage, Expected: []domain.Stage{job.Stage}}
	}
	ts := e.stamp()
	from := cur.Stage
	cur.Stage = stage
	cur.Cancelled = false
	cur.Error = ""
	cur.Result = map[string]any{"retry_from": string(stage)}
	cur.CompletedAt = nil
	cur.ExpiresAt = nil
	cur.UpdatedAt = ts
	cur.StageStartedAt = ts
	if stage == domain.StagePlanning {
		cur.Result["replan"] = true
		cur.ApprovedPlanHash = nil
	}
	if err := e.Repo.UpdateJobFrom(ctx, tx, cur, from); err != nil {
		return domain.Job{}, err
	}
	if err := e.events().Append(ctx, tx, events.JobRetried, cur.ID, "job", cur.ID, opts.ActorID, events.EventPayload{
		"from": from, "to": stage, "force": opts.Force,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.log().Info("job retried", "job_id", cur.ID, "from", from, "stage", stage)
	e.start(cur.ID)
	return cur, nil
}

func retryable(s domain.Stage) bool {
	for _, r := range RetryableStages {
		if r == s {
			return true
		}
	}
	return false
}

// Wait blocks until the job is no longer being executed: it ended, waits for
// approval, or ctx is done.
func (e Engine) Wait(ctx context.Context, jobID string) (domain.Job, error) {
	for {
		if done, ok := e.isRunning(jobID); ok {
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return domain.Job{}, ctx.Err()
			}
		}
		job, err := e.Repo.GetJob(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if !job.Stage.Executing() && job.Stage != domain.StageCreated {
			return job, nil
		}
		if e.shuttingDown() {
			return job, nil
		}
		// Executing without a local worker: another process owns the job.
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
	}
}

// Recover restarts jobs left in CREATED or an executing stage by a previous
// process. Flagged jobs are finished as cancelled.
func (e Engine) Recover(ctx context.Context) (int, error) {
	stages := append([]domain.Stage{domain.StageCreated}, RetryableStages...)
	stages = append(stages, domain.StageRevising)
	jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{Stages: stages})
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if job.Cancelled {
			e.finishCancelled(ctx, job.ID)
			continue
		}
		e.log().Info("resuming job", "job_id", job.ID, "stage", job.Stage)
		e.start(job.ID)
	}
	return len(jobs), nil
}
