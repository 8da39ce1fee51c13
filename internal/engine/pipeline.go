package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"draftline/internal/apply"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/packager"
	"draftline/internal/plan"
	"draftline/internal/policy"
	"draftline/internal/publish"
	"draftline/internal/verify"
	"draftline/internal/workspace"
)

// errJobCancelled stops a transition when the cancel flag was set meanwhile.
var errJobCancelled = errors.New("job cancelled")

type pendingEvent struct {
	Type       string
	EntityKind string
	EntityID   string
	Payload    events.EventPayload
}

// transition moves jobID from one stage to the next in a single transaction,
// appending a job.stage event plus extra.
func (e Engine) transition(ctx context.Context, jobID string, from, to domain.Stage, mutate func(*domain.Job), extra ...pendingEvent) (domain.Job, error) {
	if err := ensureTransition(from, to); err != nil {
		return domain.Job{}, err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Stage != from {
		return domain.Job{}, &domain.WrongStageError{JobID: jobID, Current: job.Stage, Expected: []domain.Stage{from}}
	}
	if job.Cancelled && to != domain.StageCancelled {
		return domain.Job{}, errJobCancelled
	}
	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	job.Stage = to
	job.UpdatedAt = ts
	job.StageStartedAt = ts
	if to.Terminal() {
		exp := now.Add(e.Config.Jobs.TTL).UTC().Format(time.RFC3339)
		job.CompletedAt = &ts
		job.ExpiresAt = &exp
	}
	if mutate != nil {
		mutate(&job)
	}
	if err := e.Repo.UpdateJobFrom(ctx, tx, job, from); err != nil {
		return domain.Job{}, err
	}
	w := e.events()
	if err := w.Append(ctx, tx, events.JobStage, jobID, "job", jobID, "", events.EventPayload{"from": from, "to": to}); err != nil {
		return domain.Job{}, err
	}
	for _, ev := range extra {
		if err := w.Append(ctx, tx, ev.Type, jobID, ev.EntityKind, ev.EntityID, "", ev.Payload); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.log().Info("job stage changed", "job_id", jobID, "from", from, "to", to)
	return job, nil
}

// appendEvent records a standalone event in its own transaction.
func (e Engine) appendEvent(ctx context.Context, evtType, jobID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, evtType, jobID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// run advances the job until it waits for approval, ends, or ctx is done.
func (e Engine) run(ctx context.Context, jobID string) {
	store := context.WithoutCancel(ctx)
	log := e.log().With("job_id", jobID)
	for {
		job, err := e.Repo.GetJob(store, jobID)
		if err != nil {
			log.Error("load job", "error", err)
			return
		}
		if job.Stage.Terminal() {
			return
		}
		if job.Cancelled {
			e.finishCancelled(store, jobID)
			return
		}
		if job.Stage != domain.StageCreated && !job.Stage.Executing() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := e.step(ctx, job); err != nil {
			if !e.handleStageError(ctx, job, err) {
				return
			}
		}
	}
}

// step executes the work of the job's current stage, including the
// transition out of it.
func (e Engine) step(ctx context.Context, job domain.Job) error {
	if job.Stage == domain.StageCreated {
		_, err := e.transition(ctx, job.ID, domain.StageCreated, domain.StagePlanning, nil)
		return err
	}
	release, err := e.acquire(ctx, job.Stage)
	if err != nil {
		return err
	}
	defer release()
	// The job may have been cancelled while queued for capacity.
	cancelled, err := e.Repo.IsCancelled(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return errJobCancelled
	}
	var stageErr error
	switch job.Stage {
	case domain.StagePlanning:
		stageErr = e.stagePlan(ctx, job)
	case domain.StageRevising:
		stageErr = e.stageRevise(ctx, job)
	case domain.StageApplying:
		stageErr = e.stageApply(ctx, job)
	case domain.StageVerifying:
		stageErr = e.stageVerify(ctx, job)
	case domain.StagePackaging:
		stageErr = e.stagePackage(ctx, job)
	case domain.StagePublishing:
		stageErr = e.stagePublish(ctx, job)
	}
	if stageErr != nil {
		return &domain.StageError{Stage: job.Stage, Err: stageErr}
	}
	return nil
}

// handleStageError settles a failed step. It reports whether the run loop
// should continue.
func (e Engine) handleStageError(ctx context.Context, job domain.Job, err error) bool {
	store := context.WithoutCancel(ctx)
	log := e.log().With("job_id", job.ID, "stage", job.Stage)
	cancelled, cerr := e.Repo.IsCancelled(store, job.ID)
	if cerr != nil {
		log.Error("read cancel flag", "error", cerr)
		return false
	}
	if cancelled || errors.Is(err, errJobCancelled) || errors.Is(err, apply.ErrCancelled) || errors.Is(err, verify.ErrCancelled) {
		e.finishCancelled(store, job.ID)
		return false
	}
	if ctx.Err() != nil {
		// Interrupted by shutdown; Recover resumes the stage.
		log.Warn("stage interrupted", "error", err)
		return false
	}
	if errors.Is(err, domain.ErrWrongStage) {
		// Another actor moved the job; continue from its new stage.
		if cur, gerr := e.Repo.GetJob(store, job.ID); gerr == nil && cur.Stage != job.Stage {
			log.Debug("stage changed concurrently", "error", err, "now", cur.Stage)
			return true
		}
	}
	e.failJob(store, job, err)
	return false
}

func (e Engine) workspace(ctx context.Context, job domain.Job) (workspace.Workspace, error) {
	return e.Workspaces.Create(ctx, job.ID, job.Repos, job.Scope.Paths)
}

// cleanupWorkspace removes the job's workspace ahead of its terminal
// transition. The error is returned so the transition can record it.
func (e Engine) cleanupWorkspace(ctx context.Context, jobID string) error {
	if err := e.Workspaces.Cleanup(jobID); err != nil {
		e.log().Warn("workspace cleanup failed", "job_id", jobID, "error", err)
		return err
	}
	if err := e.appendEvent(ctx, events.WorkspaceCleaned, jobID, "workspace", jobID, "", nil); err != nil {
		e.log().Warn("record workspace cleanup", "job_id", jobID, "error", err)
	}
	return nil
}

func recordCleanup(j *domain.Job, err error) {
	if err == nil {
		return
	}
	if j.Result == nil {
		j.Result = map[string]any{}
	}
	j.Result["cleanup_error"] = err.Error()
}

// retrying reports whether RetryJob asked stage to redo its work instead of
// reusing stored outputs.
func retrying(job domain.Job, stage domain.Stage) bool {
	v, _ := job.Result["retry_from"].(string)
	return v == string(stage)
}

func clearRetry(j *domain.Job) {
	delete(j.Result, "retry_from")
	delete(j.Result, "replan")
}

func (e Engine) stagePlan(ctx context.Context, job domain.Job) error {
	ws, err := e.workspace(ctx, job)
	if err != nil {
		return err
	}
	if ok, err := e.Artifacts.Has(job.ID, domain.ArtifactFingerprint); err != nil {
		return err
	} else if !ok {
		if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactFingerprint, 1, ws.Fingerprint, nil); err != nil && !errors.Is(err, domain.ErrArtifactExists) {
			return err
		}
	}
	replan, _ := job.Result["replan"].(bool)
	latest, err := e.latestPlan(ctx, job.ID)
	found := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var extra []pendingEvent
	if !found || replan {
		pv, err := e.generator().Generate(ctx, plan.GenerateRequest{
			JobID:        job.ID,
			Story:        job.Story,
			Scope:        job.Scope,
			Repos:        job.Repos,
			WorkspaceDir: ws.Dir,
			RepoDir:      ws.Primary(),
		})
		if err != nil {
			return err
		}
		if found {
			pv.Version = latest.Version + 1
			pv.PreviousVersionHash = latest.PlanHash
		}
		if err := e.storePlan(ctx, pv); err != nil {
			return err
		}
		extra = append(extra, planCreated(pv))
	}
	if _, err := e.transition(ctx, job.ID, domain.StagePlanning, domain.StageWaitingForApproval, func(j *domain.Job) {
		clearRetry(j)
		j.ApprovedPlanHash = nil
	}, extra...); err != nil {
		return err
	}
	if job.Mode == domain.ModeAutoApprove {
		e.autoApprove(ctx, job.ID)
	}
	return nil
}

func planCreated(pv domain.PlanVersion) pendingEvent {
	return pendingEvent{
		Type:       events.PlanCreated,
		EntityKind: "plan",
		EntityID:   fmt.Sprintf("%s/v%d", pv.JobID, pv.Version),
		Payload:    events.EventPayload{"version": pv.Version, "plan_hash": pv.PlanHash},
	}
}

func (e Engine) storePlan(ctx context.Context, pv domain.PlanVersion) error {
	_, err := e.Artifacts.PutJSON(ctx, pv.JobID, domain.ArtifactPlan, pv.Version, pv, map[string]string{
		"plan_hash": pv.PlanHash,
	})
	return err
}

// autoApprove evaluates the latest plan against policy and approves it when
// compliant. Non-compliant plans wait for a human.
func (e Engine) autoApprove(ctx context.Context, jobID string) {
	log := e.log().With("job_id", jobID)
	latest, err := e.latestPlan(ctx, jobID)
	if err != nil {
		log.Error("auto-approve: load plan", "error", err)
		return
	}
	res := policy.Evaluate(latest, policy.FromConfig(e.Config.Policy))
	if _, err := e.Artifacts.PutJSON(ctx, jobID, domain.ArtifactPolicy, 0, res, map[string]string{
		"plan_hash": latest.PlanHash,
		"compliant": fmt.Sprint(res.Compliant),
	}); err != nil {
		log.Error("auto-approve: store policy result", "error", err)
		return
	}
	if err := e.appendEvent(ctx, events.PolicyEvaluated, jobID, "plan", latest.PlanHash, domain.PolicyApprover, events.EventPayload{
		"compliant": res.Compliant,
		"reasons":   res.Reasons,
		"version":   latest.Version,
	}); err != nil {
		log.Error("auto-approve: record policy event", "error", err)
	}
	if !res.Compliant {
		log.Info("plan requires human approval", "reasons", res.Reasons)
		return
	}
	if _, _, err := e.gate().Approve(ctx, jobID, latest.PlanHash, domain.PolicyApprover, "auto-approved by policy"); err != nil {
		log.Warn("auto-approve failed", "error", err)
	}
}

func (e Engine) stageRevise(ctx context.Context, job domain.Job) error {
	prev, err := e.latestPlan(ctx, job.ID)
	if err != nil {
		return err
	}
	var fb domain.PlanFeedback
	if _, err := e.Artifacts.GetJSON(ctx, job.ID, domain.ArtifactPlanFeedback, 0, &fb); err != nil {
		return err
	}
	ws, err := e.workspace(ctx, job)
	if err != nil {
		return err
	}
	approved := ""
	if job.ApprovedPlanHash != nil {
		approved = *job.ApprovedPlanHash
	}
	pv, err := e.generator().Revise(ctx, plan.ReviseRequest{
		JobID:        job.ID,
		Story:        job.Story,
		Scope:        job.Scope,
		Repos:        job.Repos,
		Previous:     prev,
		Feedback:     fb,
		WorkspaceDir: ws.Dir,
		RepoDir:      ws.Primary(),
	}, approved)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The previous plan stays approvable.
		e.log().Warn("plan revision failed", "job_id", job.ID, "error", err)
		_, terr := e.transition(ctx, job.ID, domain.StageRevising, domain.StageWaitingForApproval, func(j *domain.Job) {
			j.Error = "revision failed: " + err.Error()
		})
		return terr
	}
	if err := e.storePlan(ctx, pv); err != nil {
		return err
	}
	if _, err := e.transition(ctx, job.ID, domain.StageRevising, domain.StageWaitingForApproval, func(j *domain.Job) {
		j.Error = ""
	}, planCreated(pv)); err != nil {
		return err
	}
	if job.Mode == domain.ModeAutoApprove {
		e.autoApprove(ctx, job.ID)
	}
	return nil
}

func (e Engine) stageApply(ctx context.Context, job domain.Job) error {
	pv, err := e.gate().Valid(ctx, job)
	if errors.Is(err, domain.ErrHashMismatch) {
		return e.invalidateApproval(ctx, job, err)
	}
	if err != nil {
		return err
	}
	if retrying(job, domain.StageApplying) {
		if err := e.Workspaces.Cleanup(job.ID); err != nil {
			return err
		}
	}
	ws, err := e.workspace(ctx, job)
	if err != nil {
		return err
	}
	dir := ws.Primary()
	if d, ok := e.storedDiff(ctx, job, pv.PlanHash); ok && !retrying(job, domain.StageApplying) {
		if err := apply.Replay(ctx, e.Git, dir, d, applyMessage(pv)); err != nil {
			return fmt.Errorf("%w: replay stored diff: %v", domain.ErrApplyFailed, err)
		}
	} else {
		ap := e.applier(job.ID)
		ap.Base = ws.PrimaryBase()
		diff, err := ap.Apply(ctx, dir, pv)
		if err != nil {
			return err
		}
		if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactDiff, 0, diff, map[string]string{
			"plan_hash":    pv.PlanHash,
			"plan_version": fmt.Sprint(pv.Version),
		}); err != nil {
			return err
		}
	}
	_, err = e.transition(ctx, job.ID, domain.StageApplying, domain.StageVerifying, clearRetry)
	return err
}

func applyMessage(pv domain.PlanVersion) string {
	return fmt.Sprintf("Apply plan v%d\n\n%s", pv.Version, pv.Body.Summary)
}

// invalidateApproval sends the job back for approval when the approved hash
// no longer names the latest plan.
func (e Engine) invalidateApproval(ctx context.Context, job domain.Job, cause error) error {
	e.log().Warn("approval no longer valid", "job_id", job.ID, "error", cause)
	prev := ""
	if job.ApprovedPlanHash != nil {
		prev = *job.ApprovedPlanHash
	}
	_, err := e.transition(ctx, job.ID, domain.StageApplying, domain.StageWaitingForApproval, func(j *domain.Job) {
		j.ApprovedPlanHash = nil
		j.Error = cause.Error()
	}, pendingEvent{
		Type:       events.PlanInvalidated,
		EntityKind: "plan",
		EntityID:   prev,
		Payload:    events.EventPayload{"reason": cause.Error()},
	})
	return err
}

// storedDiff returns the newest git_diff recorded for planHash.
func (e Engine) storedDiff(ctx context.Context, job domain.Job, planHash string) (domain.Diff, bool) {
	var d domain.Diff
	ref, err := e.Artifacts.GetJSON(ctx, job.ID, domain.ArtifactDiff, 0, &d)
	if err != nil || ref.Metadata["plan_hash"] != planHash {
		return domain.Diff{}, false
	}
	return d, true
}

// ensureApplied brings a fresh or reused workspace to the applied commit.
func (e Engine) ensureApplied(ctx context.Context, job domain.Job) (string, domain.PlanVersion, error) {
	pv, err := e.gate().Valid(ctx, job)
	if err != nil {
		return "", domain.PlanVersion{}, err
	}
	d, ok := e.storedDiff(ctx, job, pv.PlanHash)
	if !ok {
		return "", domain.PlanVersion{}, fmt.Errorf("no applied diff for plan %s: %w", domain.ShortHash(pv.PlanHash), domain.ErrNotFound)
	}
	ws, err := e.workspace(ctx, job)
	if err != nil {
		return "", domain.PlanVersion{}, err
	}
	if err := apply.Replay(ctx, e.Git, ws.Primary(), d, applyMessage(pv)); err != nil {
		return "", domain.PlanVersion{}, fmt.Errorf("%w: replay stored diff: %v", domain.ErrApplyFailed, err)
	}
	return ws.Primary(), pv, nil
}

func (e Engine) stageVerify(ctx context.Context, job domain.Job) error {
	dir, pv, err := e.ensureApplied(ctx, job)
	if err != nil {
		return err
	}
	res, verr := e.verifier(job.ID).Verify(ctx, dir)
	if errors.Is(verr, verify.ErrCancelled) {
		return verr
	}
	if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactValidationLogs, 0, res, map[string]string{
		"passed":    fmt.Sprint(res.Passed),
		"plan_hash": pv.PlanHash,
	}); err != nil {
		return err
	}
	if verr != nil {
		return verr
	}
	_, err = e.transition(ctx, job.ID, domain.StageVerifying, domain.StagePackaging, clearRetry)
	return err
}

// verified returns the latest verification result of planHash. It fails
// unless that run passed.
func (e Engine) verified(ctx context.Context, jobID, planHash string) (domain.VerifyResult, error) {
	var vr domain.VerifyResult
	ref, err := e.Artifacts.GetJSON(ctx, jobID, domain.ArtifactValidationLogs, 0, &vr)
	if err != nil {
		return vr, err
	}
	if h := ref.Metadata["plan_hash"]; h != "" && h != planHash {
		return vr, fmt.Errorf("%w: latest run verified plan %s, not %s", domain.ErrVerificationFailed, domain.ShortHash(h), domain.ShortHash(planHash))
	}
	if !vr.Passed {
		return vr, failedVerification(vr)
	}
	return vr, nil
}

func failedVerification(vr domain.VerifyResult) error {
	for _, c := range vr.Commands {
		if c.Outcome != domain.OutcomeSuccess && c.Outcome != domain.OutcomeSkipped {
			return &domain.VerificationError{Command: c.Name, Kind: c.Outcome, ExitCode: c.ExitCode}
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrVerificationFailed, vr.Summary)
}

func (e Engine) stagePackage(ctx context.Context, job domain.Job) error {
	pv, err := e.gate().Valid(ctx, job)
	if err != nil {
		return err
	}
	diff, ok := e.storedDiff(ctx, job, pv.PlanHash)
	if !ok {
		return fmt.Errorf("no applied diff for plan %s: %w", domain.ShortHash(pv.PlanHash), domain.ErrNotFound)
	}
	vr, err := e.verified(ctx, job.ID, pv.PlanHash)
	if err != nil {
		return err
	}
	md := packager.Package(pv, diff, vr, packager.Options{StoryKey: job.StoryKey, Labels: e.Config.Publish.Labels})
	if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactPRMetadata, 0, md, map[string]string{
		"plan_hash": pv.PlanHash,
	}); err != nil {
		return err
	}
	_, err = e.transition(ctx, job.ID, domain.StagePackaging, domain.StagePublishing, clearRetry)
	return err
}

func (e Engine) stagePublish(ctx context.Context, job domain.Job) error {
	var res domain.PublishResult
	_, err := e.Artifacts.GetJSON(ctx, job.ID, domain.ArtifactPublishResult, 0, &res)
	switch {
	case err == nil && !retrying(job, domain.StagePublishing):
		return e.complete(ctx, job, res)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return err
	}
	dir, pv, err := e.ensureApplied(ctx, job)
	if err != nil {
		return err
	}
	if _, err := e.verified(ctx, job.ID, pv.PlanHash); err != nil {
		return err
	}
	var md domain.PublishMetadata
	if _, err := e.Artifacts.GetJSON(ctx, job.ID, domain.ArtifactPRMetadata, 0, &md); err != nil {
		return err
	}
	res, err = e.publisher().Publish(ctx, dir, publish.Request{
		JobID:    job.ID,
		StoryKey: job.StoryKey,
		PlanHash: pv.PlanHash,
		Metadata: md,
	})
	var partial *domain.PartialPublishError
	if errors.As(err, &partial) {
		store := context.WithoutCancel(ctx)
		failure := domain.PartialPublishFailure{
			Branch:     res.Branch,
			BaseBranch: res.BaseBranch,
			RepoSlug:   res.RepoSlug,
			Workspace:  dir,
			StoryKey:   job.StoryKey,
			Metadata:   md,
			Error:      partial.Err.Error(),
			RecordedAt: e.stamp(),
		}
		ref, perr := e.Artifacts.PutJSON(store, job.ID, domain.ArtifactPartialFailure, 0, failure, map[string]string{"branch_name": res.Branch})
		if perr != nil {
			return errors.Join(err, perr)
		}
		if eerr := e.appendEvent(store, events.PublishPartial, job.ID, "branch", res.Branch, "", events.EventPayload{
			"branch_name":      res.Branch,
			"artifact_version": ref.Version,
			"error":            failure.Error,
		}); eerr != nil {
			e.log().Warn("record partial publish", "job_id", job.ID, "error", eerr)
		}
		return err
	}
	if err != nil {
		return err
	}
	if _, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactPublishResult, 0, res, map[string]string{
		"branch_name": res.Branch,
	}); err != nil {
		return err
	}
	return e.complete(ctx, job, res)
}

func (e Engine) complete(ctx context.Context, job domain.Job, res domain.PublishResult) error {
	cleanupErr := e.cleanupWorkspace(context.WithoutCancel(ctx), job.ID)
	_, err := e.transition(ctx, job.ID, domain.StagePublishing, domain.StageCompleted, func(j *domain.Job) {
		j.Error = ""
		j.Result = map[string]any{
			"publish_result": res,
			"plan_hash":      derefString(j.ApprovedPlanHash),
		}
		recordCleanup(j, cleanupErr)
	}, pendingEvent{
		Type:       events.JobCompleted,
		EntityKind: "job",
		EntityID:   job.ID,
		Payload:    events.EventPayload{"branch_name": res.Branch, "pr_url": res.URL},
	})
	return err
}

// packageArtifacts lists the durable PACKAGE outputs a failed job keeps.
var packageArtifacts = []domain.ArtifactType{domain.ArtifactDiff, domain.ArtifactValidationLogs, domain.ArtifactPRMetadata}

// failJob stores an error artifact and moves the job to FAILED.
func (e Engine) failJob(ctx context.Context, job domain.Job, cause error) {
	log := e.log().With("job_id", job.ID, "stage", job.Stage)
	code := domain.ErrorCode(cause)
	record := map[string]any{
		"stage":     job.Stage,
		"code":      code,
		"message":   cause.Error(),
		"failed_at": e.stamp(),
	}
	var div *domain.DivergenceError
	if errors.As(cause, &div) {
		record["unexpected_paths"] = div.Unexpected
		record["loc_delta"] = div.LOCDelta
	}
	result := map[string]any{
		"error_code":   code,
		"failed_stage": string(job.Stage),
	}
	if ref, err := e.Artifacts.PutJSON(ctx, job.ID, domain.ArtifactError, 0, record, map[string]string{"code": code}); err != nil {
		log.Error("store error artifact", "error", err)
	} else {
		result["error_artifact_version"] = ref.Version
	}
	var kept []string
	for _, typ := range packageArtifacts {
		if ok, _ := e.Artifacts.Has(job.ID, typ); ok {
			kept = append(kept, string(typ))
		}
	}
	if len(kept) > 0 {
		result["package_artifacts"] = kept
	}
	if errors.Is(cause, domain.ErrPartialPublish) {
		if versions, err := e.Artifacts.Versions(job.ID, domain.ArtifactPartialFailure); err == nil && len(versions) > 0 {
			result["partial_failure_artifact_version"] = versions[len(versions)-1]
		}
	}
	cleanupErr := e.cleanupWorkspace(ctx, job.ID)
	_, err := e.transition(ctx, job.ID, job.Stage, domain.StageFailed, func(j *domain.Job) {
		j.Error = cause.Error()
		j.Result = result
		recordCleanup(j, cleanupErr)
	}, pendingEvent{
		Type:       events.JobFailed,
		EntityKind: "job",
		EntityID:   job.ID,
		Payload:    events.EventPayload{"stage": job.Stage, "error_code": code, "error": cause.Error()},
	})
	if err != nil {
		log.Error("mark job failed", "error", err, "cause", cause)
		return
	}
	log.Warn("job failed", "error_code", code, "error", cause)
}

// finishCancelled removes a flagged job's workspace and ends it in CANCELLED.
func (e Engine) finishCancelled(ctx context.Context, jobID string) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil || job.Stage.Terminal() {
		return
	}
	cleanupErr := e.cleanupWorkspace(ctx, jobID)
	if _, err := e.transition(ctx, jobID, job.Stage, domain.StageCancelled, func(j *domain.Job) {
		recordCleanup(j, cleanupErr)
	}, pendingEvent{
		Type:       events.JobCancelled,
		EntityKind: "job",
		EntityID:   jobID,
		Payload:    events.EventPayload{"stage": job.Stage},
	}); err != nil {
		if !errors.Is(err, domain.ErrWrongStage) {
			e.log().Error("mark job cancelled", "job_id", jobID, "error", err)
		}
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
