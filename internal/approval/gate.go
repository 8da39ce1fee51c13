// Package approval binds human (or policy) approval to an exact plan hash.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"draftline/internal/artifact"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/logging"
	"draftline/internal/plan"
	"draftline/internal/repo"
)

const (
	DefaultLockTTL  = 60 * time.Second
	DefaultLockWait = 2 * time.Second
	lockPoll        = 100 * time.Millisecond
)

type Gate struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Events    events.Writer
	Artifacts *artifact.Store
	LockTTL   time.Duration
	LockWait  time.Duration
	Now       func() time.Time
	Log       *slog.Logger
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// LockKey is the coordination-store key serializing approvals of one job.
func LockKey(jobID string) string {
	return "approval:" + jobID
}

// Approve records approver's approval of planHash and moves the job to
// APPLYING. Approving a hash the job is already bound to returns the existing
// approval with applied=false; a different hash fails with ErrAlreadyApproved.
func (g Gate) Approve(ctx context.Context, jobID, planHash, approver, notes string) (domain.Approval, bool, error) {
	planHash = strings.ToLower(strings.TrimSpace(planHash))
	if !domain.IsPlanHash(planHash) {
		return domain.Approval{}, false, domain.Invalid("plan_hash", "invalid plan_hash format (expected 64-character hex string)")
	}
	if strings.TrimSpace(approver) == "" {
		return domain.Approval{}, false, domain.Invalid("approver", "approver is required")
	}
	job, err := g.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if done, a, err := g.bound(ctx, job, planHash, false); done {
		return a, false, err
	}
	if job.Stage != domain.StageWaitingForApproval {
		return domain.Approval{}, false, &domain.WrongStageError{JobID: jobID, Current: job.Stage, Expected: []domain.Stage{domain.StageWaitingForApproval}}
	}

	release, err := g.Hold(ctx, jobID, approver)
	if err != nil {
		return domain.Approval{}, false, err
	}
	defer release()

	latest, err := g.latestPlan(ctx, jobID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if latest.PlanHash != planHash {
		return domain.Approval{}, false, &domain.HashMismatchError{Requested: planHash, Latest: latest.PlanHash}
	}

	a := domain.Approval{
		JobID:       jobID,
		PlanHash:    planHash,
		PlanVersion: latest.Version,
		Approver:    approver,
		ApprovedAt:  g.now().UTC().Format(time.RFC3339),
		Notes:       notes,
	}

	tx, err := g.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Approval{}, false, err
	}
	defer tx.Rollback()

	current, err := g.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if done, existing, err := g.bound(ctx, current, planHash, true); done {
		return existing, false, err
	}
	if current.Stage != domain.StageWaitingForApproval {
		return domain.Approval{}, false, &domain.WrongStageError{JobID: jobID, Current: current.Stage, Expected: []domain.Stage{domain.StageWaitingForApproval}}
	}
	recheck, err := g.latestPlan(ctx, jobID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	if recheck.PlanHash != planHash {
		return domain.Approval{}, false, &domain.HashMismatchError{Requested: planHash, Latest: recheck.PlanHash}
	}

	now := a.ApprovedAt
	current.ApprovedPlanHash = &planHash
	current.Stage = domain.StageApplying
	current.StageStartedAt = now
	current.UpdatedAt = now
	current.Error = ""
	if err := g.Repo.UpdateJobFrom(ctx, tx, current, domain.StageWaitingForApproval); err != nil {
		return domain.Approval{}, false, err
	}
	if err := g.Events.Append(ctx, tx, events.PlanApproved, jobID, "plan", planHash, approver, events.EventPayload{
		"plan_version": latest.Version,
		"notes":        notes,
	}); err != nil {
		return domain.Approval{}, false, err
	}
	if err := g.Events.Append(ctx, tx, events.JobStage, jobID, "job", jobID, approver, events.EventPayload{
		"from": string(domain.StageWaitingForApproval),
		"to":   string(domain.StageApplying),
	}); err != nil {
		return domain.Approval{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, false, err
	}
	// The artifact is evidence of a committed approval; a failed write here is
	// repaired by the next Approve of the same hash.
	if err := g.record(ctx, a); err != nil {
		return domain.Approval{}, false, err
	}
	logging.OrDefault(g.Log).Info("plan approved", "job", jobID, "plan_hash", domain.ShortHash(planHash), "approver", approver)
	return a, true, nil
}

// bound reports whether job already carries an approval, returning the stored
// approval for planHash or ErrAlreadyApproved for any other hash. A missing
// artifact is rewritten under the approval lock; locked says the caller holds it.
func (g Gate) bound(ctx context.Context, job domain.Job, planHash string, locked bool) (bool, domain.Approval, error) {
	if job.Cancelled || job.Stage == domain.StageCancelled {
		return true, domain.Approval{}, fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyCancelled)
	}
	if job.ApprovedPlanHash == nil {
		return false, domain.Approval{}, nil
	}
	if *job.ApprovedPlanHash != planHash {
		return true, domain.Approval{}, fmt.Errorf("job %s is bound to plan %s: %w", job.ID, domain.ShortHash(*job.ApprovedPlanHash), domain.ErrAlreadyApproved)
	}
	a, err := g.existing(ctx, job.ID, planHash)
	if !errors.Is(err, domain.ErrNotFound) {
		return true, a, err
	}
	if !locked {
		release, err := g.Hold(ctx, job.ID, "repair")
		if err != nil {
			return true, domain.Approval{}, err
		}
		defer release()
		if a, err := g.existing(ctx, job.ID, planHash); !errors.Is(err, domain.ErrNotFound) {
			return true, a, err
		}
	}
	a, err = g.repair(ctx, job, planHash)
	return true, a, err
}

// repair rewrites the approval artifact of a job whose approval committed but
// whose artifact write did not.
func (g Gate) repair(ctx context.Context, job domain.Job, planHash string) (domain.Approval, error) {
	pv, err := g.planByHash(ctx, job.ID, planHash)
	if err != nil {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		JobID:       job.ID,
		PlanHash:    planHash,
		PlanVersion: pv.Version,
		Approver:    "unknown",
		ApprovedAt:  job.StageStartedAt,
	}
	if evs, err := g.Repo.LatestEvents(ctx, 1, 0, job.ID, events.PlanApproved); err == nil && len(evs) == 1 && evs[0].EntityID == planHash {
		a.Approver = evs[0].ActorID
		a.ApprovedAt = evs[0].TS
	}
	if err := g.record(ctx, a); err != nil {
		return domain.Approval{}, err
	}
	logging.OrDefault(g.Log).Warn("approval artifact rewritten", "job", job.ID, "plan_hash", domain.ShortHash(planHash))
	return a, nil
}

func (g Gate) record(ctx context.Context, a domain.Approval) error {
	_, err := g.Artifacts.PutJSON(ctx, a.JobID, domain.ArtifactApproval, 0, a, map[string]string{
		"plan_hash":    a.PlanHash,
		"plan_version": fmt.Sprint(a.PlanVersion),
		"approver":     a.Approver,
	})
	return err
}

// Hold takes the job's approval lock for actor, returning its release func.
// The release survives a cancelled ctx.
func (g Gate) Hold(ctx context.Context, jobID, actor string) (func(), error) {
	owner := actor + "/" + uuid.NewString()
	if err := g.lock(ctx, jobID, owner); err != nil {
		return nil, err
	}
	return func() {
		if err := g.Repo.Unlock(context.WithoutCancel(ctx), LockKey(jobID), owner); err != nil {
			logging.OrDefault(g.Log).Warn("release approval lock", "job", jobID, "err", err)
		}
	}, nil
}

// lock polls TryLock until LockWait elapses.
func (g Gate) lock(ctx context.Context, jobID, owner string) error {
	ttl := g.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	wait := g.LockWait
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := g.Repo.TryLock(ctx, LockKey(jobID), owner, g.now(), ttl)
		if err != nil {
			return fmt.Errorf("acquire approval lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			holder, _ := g.Repo.LockOwner(ctx, LockKey(jobID), g.now())
			if holder == "" {
				holder = "unknown"
			}
			return fmt.Errorf("job %s (lock held by %s): %w", jobID, holder, domain.ErrConcurrentApproval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func (g Gate) latestPlan(ctx context.Context, jobID string) (domain.PlanVersion, error) {
	var pv domain.PlanVersion
	if _, err := g.Artifacts.GetJSON(ctx, jobID, domain.ArtifactPlan, 0, &pv); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return pv, fmt.Errorf("no plans for job %s: %w", jobID, domain.ErrNotFound)
		}
		return pv, err
	}
	if err := plan.Verify(pv); err != nil {
		return pv, err
	}
	return pv, nil
}

// planByHash finds the stored plan version whose hash is planHash.
func (g Gate) planByHash(ctx context.Context, jobID, planHash string) (domain.PlanVersion, error) {
	versions, err := g.Artifacts.Versions(jobID, domain.ArtifactPlan)
	if err != nil {
		return domain.PlanVersion{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		var pv domain.PlanVersion
		if _, err := g.Artifacts.GetJSON(ctx, jobID, domain.ArtifactPlan, versions[i], &pv); err != nil {
			return domain.PlanVersion{}, err
		}
		if pv.PlanHash == planHash {
			return pv, nil
		}
	}
	return domain.PlanVersion{}, fmt.Errorf("plan %s: %w", domain.ShortHash(planHash), domain.ErrNotFound)
}

// existing returns the newest approval artifact bound to planHash.
func (g Gate) existing(ctx context.Context, jobID, planHash string) (domain.Approval, error) {
	versions, err := g.Artifacts.Versions(jobID, domain.ArtifactApproval)
	if err != nil {
		return domain.Approval{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		var a domain.Approval
		if _, err := g.Artifacts.GetJSON(ctx, jobID, domain.ArtifactApproval, versions[i], &a); err != nil {
			return domain.Approval{}, err
		}
		if a.PlanHash == planHash {
			return a, nil
		}
	}
	return domain.Approval{}, fmt.Errorf("approval for plan %s: %w", domain.ShortHash(planHash), domain.ErrNotFound)
}

// Latest returns the newest approval artifact of a job.
func (g Gate) Latest(ctx context.Context, jobID string) (domain.Approval, error) {
	var a domain.Approval
	_, err := g.Artifacts.GetJSON(ctx, jobID, domain.ArtifactApproval, 0, &a)
	return a, err
}

// Valid reports whether the job's approval still binds the latest plan.
func (g Gate) Valid(ctx context.Context, job domain.Job) (domain.PlanVersion, error) {
	if job.ApprovedPlanHash == nil {
		return domain.PlanVersion{}, fmt.Errorf("job %s has no approved plan: %w", job.ID, domain.ErrHashMismatch)
	}
	latest, err := g.latestPlan(ctx, job.ID)
	if err != nil {
		return domain.PlanVersion{}, err
	}
	if latest.PlanHash != *job.ApprovedPlanHash {
		return domain.PlanVersion{}, &domain.HashMismatchError{Requested: *job.ApprovedPlanHash, Latest: latest.PlanHash}
	}
	return latest, nil
}
