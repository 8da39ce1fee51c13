package engine

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"draftline/internal/domain"
	"draftline/internal/events"
)

type stageInfo struct {
	percent  int
	step     string
	index    int
	estimate time.Duration
}

// stageProgress drives Progress. index counts completed steps out of
// totalSteps; estimate is the typical stage duration.
var stageProgress = map[domain.Stage]stageInfo{
	domain.StageCreated:            {0, "Job created, waiting to start", 0, 0},
	domain.StagePlanning:           {10, "Generating implementation plan", 1, 300 * time.Second},
	domain.StageWaitingForApproval: {30, "Waiting for plan approval", 2, 0},
	domain.StageRevising:           {25, "Revising plan based on feedback", 2, 300 * time.Second},
	domain.StageApplying:           {50, "Applying code changes", 3, 600 * time.Second},
	domain.StageVerifying:          {70, "Running verification commands", 4, 180 * time.Second},
	domain.StagePackaging:          {85, "Packaging change request metadata", 5, 60 * time.Second},
	domain.StagePublishing:         {95, "Creating draft change request", 6, 120 * time.Second},
	domain.StageCompleted:          {100, "Completed", 7, 0},
	domain.StageFailed:             {0, "Failed", 0, 0},
	domain.StageCancelled:          {0, "Cancelled", 0, 0},
}

const totalSteps = 8

// Progress reports how far a job has advanced and, for executing stages, an
// estimate of the time left in the current stage.
func (e Engine) Progress(ctx context.Context, jobID string) (domain.Progress, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Progress{}, err
	}
	info := stageProgress[job.Stage]
	p := domain.Progress{
		JobID:          job.ID,
		Stage:          job.Stage,
		Percentage:     info.percent,
		CurrentStep:    info.step,
		TotalSteps:     totalSteps,
		StepsCompleted: info.index,
		StageStartedAt: job.StageStartedAt,
	}
	if job.Stage == domain.StageFailed && job.Error != "" {
		p.CurrentStep = "Failed: " + job.Error
	}
	started, err := time.Parse(time.RFC3339, job.StageStartedAt)
	if err != nil {
		return p, nil
	}
	end := e.now()
	if job.CompletedAt != nil {
		if t, err := time.Parse(time.RFC3339, *job.CompletedAt); err == nil {
			end = t
		}
	}
	d := int(end.Sub(started).Seconds())
	if d < 0 {
		d = 0
	}
	p.StageDurationSeconds = &d
	if info.estimate > 0 {
		left := int(info.estimate.Seconds()) - d
		if left < 0 {
			left = 0
		}
		p.EstimatedRemainingSecs = &left
	}
	return p, nil
}

// JanitorReport summarizes one janitor pass.
type JanitorReport struct {
	ExpiredJobs       []string `json:"expired_jobs"`
	PurgedArtifacts   []string `json:"purged_artifacts"`
	RemovedWorkspaces []string `json:"removed_workspaces"`
	ReleasedLocks     int64    `json:"released_locks"`
}

// Janitor deletes terminal jobs past their TTL together with their artifacts
// and workspaces, releases expired locks, applies artifact retention and
// removes workspaces that no active job owns.
func (e Engine) Janitor(ctx context.Context) (JanitorReport, error) {
	var report JanitorReport
	var errs error
	now := e.now()
	ids, err := e.Repo.ExpiredJobIDs(ctx, now.UTC().Format(time.RFC3339))
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if err := e.expireJob(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.ExpiredJobs = append(report.ExpiredJobs, id)
	}
	released, err := e.Repo.PurgeExpiredLocks(ctx, now)
	errs = multierr.Append(errs, err)
	report.ReleasedLocks = released

	active := func(jobID string) bool {
		job, err := e.Repo.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		return !job.Stage.Terminal()
	}
	if retention := e.Config.Artifacts.Retention; retention > 0 {
		purged, err := e.Artifacts.PurgeOlderThan(now.Add(-retention), active)
		errs = multierr.Append(errs, err)
		report.PurgedArtifacts = purged
		if len(purged) > 0 {
			if err := e.appendEvent(ctx, events.ArtifactsPurged, "", "artifact", "", "", events.EventPayload{"jobs": purged}); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	removed, err := e.Workspaces.CleanupOrphans(func(jobID string) bool {
		if _, running := e.isRunning(jobID); running {
			return true
		}
		return active(jobID)
	})
	errs = multierr.Append(errs, err)
	report.RemovedWorkspaces = removed
	e.log().Info("janitor pass",
		"expired_jobs", len(report.ExpiredJobs),
		"purged_artifacts", len(report.PurgedArtifacts),
		"removed_workspaces", len(report.RemovedWorkspaces),
		"released_locks", report.ReleasedLocks)
	return report, errs
}

func (e Engine) expireJob(ctx context.Context, jobID string) error {
	if err := multierr.Combine(e.Artifacts.DeleteJob(jobID), e.Workspaces.Cleanup(jobID)); err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteJob(ctx, tx, jobID); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.JobExpired, jobID, "job", jobID, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RunJanitor runs Janitor every interval until ctx is done.
func (e Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Janitor(ctx); err != nil {
				e.log().Warn("janitor pass failed", slog.Any("error", err))
			}
		}
	}
}
