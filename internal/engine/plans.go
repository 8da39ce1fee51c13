package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/plan"
	"draftline/internal/validate"
)

func (e Engine) latestPlan(ctx context.Context, jobID string) (domain.PlanVersion, error) {
	return e.planVersion(ctx, jobID, 0)
}

// planVersion loads and re-verifies a stored plan. Version 0 is the latest.
func (e Engine) planVersion(ctx context.Context, jobID string, version int) (domain.PlanVersion, error) {
	var pv domain.PlanVersion
	if _, err := e.Artifacts.GetJSON(ctx, jobID, domain.ArtifactPlan, version, &pv); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if version == 0 {
				return pv, fmt.Errorf("no plans for job %s: %w", jobID, domain.ErrNotFound)
			}
			return pv, fmt.Errorf("plan v%d for job %s: %w", version, jobID, domain.ErrNotFound)
		}
		return pv, err
	}
	if err := plan.Verify(pv); err != nil {
		return pv, err
	}
	return pv, nil
}

// GetPlan returns one plan version of a job; version 0 means the latest.
func (e Engine) GetPlan(ctx context.Context, jobID string, version int) (domain.PlanVersion, error) {
	if version < 0 {
		return domain.PlanVersion{}, domain.Invalid("version", "must be positive")
	}
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return domain.PlanVersion{}, err
	}
	return e.planVersion(ctx, jobID, version)
}

// ListPlans returns every plan version of a job in version order.
func (e Engine) ListPlans(ctx context.Context, jobID string) ([]domain.PlanVersion, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	versions, err := e.Artifacts.Versions(jobID, domain.ArtifactPlan)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PlanVersion, 0, len(versions))
	for _, v := range versions {
		pv, err := e.planVersion(ctx, jobID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, nil
}

// PlanComparison is a structural comparison plus a unified text diff.
type PlanComparison struct {
	plan.Comparison
	Unified string `json:"unified_diff"`
}

// ComparePlans compares two versions. Zero values default to the previous
// and the latest version.
func (e Engine) ComparePlans(ctx context.Context, jobID string, from, to int) (PlanComparison, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return PlanComparison{}, err
	}
	latest, err := e.latestPlan(ctx, jobID)
	if err != nil {
		return PlanComparison{}, err
	}
	if to == 0 {
		to = latest.Version
	}
	if from == 0 {
		from = to - 1
	}
	if from < 1 || to < 1 {
		return PlanComparison{}, domain.Invalid("from", "job %s has only one plan version", jobID)
	}
	a, err := e.planVersion(ctx, jobID, from)
	if err != nil {
		return PlanComparison{}, err
	}
	b, err := e.planVersion(ctx, jobID, to)
	if err != nil {
		return PlanComparison{}, err
	}
	return PlanComparison{Comparison: plan.Compare(a, b), Unified: plan.Unified(a, b)}, nil
}

type ApproveOptions struct {
	JobID    string
	PlanHash string
	ActorID  string
	Notes    string
}

// Approve binds the actor's approval to PlanHash and resumes the pipeline.
// applied is false when the same hash had already been approved.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (domain.Approval, bool, error) {
	a, applied, err := e.gate().Approve(ctx, opts.JobID, opts.PlanHash, opts.ActorID, opts.Notes)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if job, err := e.Repo.GetJob(ctx, opts.JobID); err == nil && job.Stage.Executing() {
		e.start(opts.JobID)
	}
	return a, applied, nil
}

type ReviseOptions struct {
	JobID    string
	Feedback domain.PlanFeedback
	ActorID  string
}

// RevisePlan records feedback on the latest plan and schedules a revision.
// Revising voids an approval bound to an earlier plan.
func (e Engine) RevisePlan(ctx context.Context, opts ReviseOptions) (domain.Job, error) {
	fb := opts.Feedback
	fb.Text = strings.TrimSpace(fb.Text)
	if fb.Type == "" {
		fb.Type = domain.FeedbackGeneral
	}
	if err := validate.Struct(fb); err != nil {
		return domain.Job{}, err
	}
	job, err := e.Repo.GetJob(ctx, opts.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	// Approval and revision of one job share the approval lock.
	release, err := e.gate().Hold(ctx, job.ID, opts.ActorID)
	if err != nil {
		return domain.Job{}, err
	}
	defer release()
	if job, err = e.Repo.GetJob(ctx, opts.JobID); err != nil {
		return domain.Job{}, err
	}
	if job.Cancelled || job.Stage == domain.StageCancelled {
		return domain.Job{}, fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyCancelled)
	}
	latest, err := e.latestPlan(ctx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.ApprovedPlanHash != nil && *job.ApprovedPlanHash == latest.PlanHash {
		return domain.Job{}, fmt.Errorf("%w: plan v%d (%s) is already approved", domain.ErrRevisionNotAllowed, latest.Version, domain.ShortHash(latest.PlanHash))
	}
	if job.Stage != domain.StageWaitingForApproval {
		return domain.Job{}, &domain.WrongStageError{JobID: job.ID, Current: job.Stage, Expected: []domain.Stage{domain.StageWaitingForApproval}}
	}
	fb.ProvidedBy = opts.ActorID
	fb.ProvidedAt = e.stamp()
	if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactPlanFeedback, 0, fb, map[string]string{
		"plan_version": fmt.Sprint(latest.Version),
		"plan_hash":    latest.PlanHash,
	}); err != nil {
		return domain.Job{}, err
	}
	var extra []pendingEvent
	if job.ApprovedPlanHash != nil {
		extra = append(extra, pendingEvent{
			Type:       events.PlanInvalidated,
			EntityKind: "plan",
			EntityID:   *job.ApprovedPlanHash,
			Payload:    events.EventPayload{"reason": "plan revised"},
		})
	}
	extra = append(extra, pendingEvent{
		Type:       "plan.feedback",
		EntityKind: "plan",
		EntityID:   latest.PlanHash,
		Payload:    events.EventPayload{"version": latest.Version, "feedback_type": fb.Type, "provided_by": opts.ActorID},
	})
	updated, err := e.transition(ctx, job.ID, domain.StageWaitingForApproval, domain.StageRevising, func(j *domain.Job) {
		j.ApprovedPlanHash = nil
		j.Error = ""
	}, extra...)
	if err != nil {
		if errors.Is(err, errJobCancelled) {
			return domain.Job{}, fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyCancelled)
		}
		return domain.Job{}, err
	}
	e.start(job.ID)
	return updated, nil
}

// LatestApproval returns the newest approval of a job.
func (e Engine) LatestApproval(ctx context.Context, jobID string) (domain.Approval, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return domain.Approval{}, err
	}
	return e.gate().Latest(ctx, jobID)
}

// ListArtifacts lists a job's artifacts, optionally of one type.
func (e Engine) ListArtifacts(ctx context.Context, jobID string, typ domain.ArtifactType) ([]domain.ArtifactRef, error) {
	if typ != "" && !typ.Valid() {
		return nil, domain.Invalid("type", "unknown artifact type %q", typ)
	}
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Artifacts.List(ctx, jobID, typ)
}

// GetArtifact returns one artifact's content; version 0 means the latest.
func (e Engine) GetArtifact(ctx context.Context, jobID string, typ domain.ArtifactType, version int) ([]byte, domain.ArtifactRef, error) {
	if !typ.Valid() {
		return nil, domain.ArtifactRef{}, domain.Invalid("type", "unknown artifact type %q", typ)
	}
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, domain.ArtifactRef{}, err
	}
	return e.Artifacts.Get(ctx, jobID, typ, version)
}
