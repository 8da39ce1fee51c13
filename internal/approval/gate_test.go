package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/afero"

	"draftline/internal/artifact"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/logging"
	"draftline/internal/migrate"
	"draftline/internal/plan"
	"draftline/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Gate Gate
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := artifact.New(afero.NewMemMapFs(), artifact.Options{Root: "/artifacts", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	now := func() time.Time { return fixedNow }
	return testEnv{
		Gate: Gate{
			DB:        conn,
			Repo:      repo.Repo{DB: conn},
			Events:    events.Writer{Now: now},
			Artifacts: store,
			LockTTL:   time.Minute,
			LockWait:  2 * time.Second,
			Now:       now,
			Log:       logging.Discard(),
		},
		Ctx: context.Background(),
	}
}

func (env testEnv) seedJob(t *testing.T, id string, stage domain.Stage) {
	t.Helper()
	ts := fixedNow.Format(time.RFC3339)
	job := domain.Job{
		ID:             id,
		StoryKey:       "PROJ-1",
		Story:          domain.Story{Key: "PROJ-1", Summary: "Add health endpoint"},
		Repos:          []domain.RepoRef{{URL: "https://github.com/acme/api.git"}},
		Mode:           domain.ModeNormal,
		Stage:          stage,
		CreatedBy:      "alice",
		CreatedAt:      ts,
		UpdatedAt:      ts,
		StageStartedAt: ts,
	}
	withTx(t, env.Gate.DB, func(tx *sqlx.Tx) error { return env.Gate.Repo.InsertJob(env.Ctx, tx, job) })
}

func withTx(t *testing.T, conn *sqlx.DB, fn func(tx *sqlx.Tx) error) {
	t.Helper()
	tx, err := conn.Beginx()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) seedPlan(t *testing.T, jobID string, version int, summary string) domain.PlanVersion {
	t.Helper()
	body := plan.Normalize(domain.PlanBody{
		Summary:      summary,
		Scope:        domain.PlanScope{Files: []domain.ScopeFile{{Path: "src/health.go", Change: domain.ChangeAdded}}},
		HappyPaths:   []string{"returns 200"},
		EdgeCases:    []string{"db down"},
		FailureModes: []domain.FailureMode{{Trigger: "t", Impact: "i", Mitigation: "m"}},
		Assumptions:  []string{"router exists"},
		Tests:        []domain.TestSpec{{Type: "unit", Target: "src/health_test.go"}},
	})
	h, err := plan.Hash(body)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	pv := domain.PlanVersion{JobID: jobID, Version: version, Body: body, PlanHash: h, CreatedAt: fixedNow.Format(time.RFC3339)}
	if _, err := env.Gate.Artifacts.PutJSON(env.Ctx, jobID, domain.ArtifactPlan, version, pv, nil); err != nil {
		t.Fatalf("put plan: %v", err)
	}
	return pv
}

func TestApproveMovesJobToApplying(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")

	a, applied, err := env.Gate.Approve(env.Ctx, "job-1", strings.ToUpper(pv.PlanHash), "bob", "lgtm")
	if err != nil || !applied {
		t.Fatalf("approve: applied=%v err=%v", applied, err)
	}
	if a.PlanHash != pv.PlanHash || a.PlanVersion != 1 || a.Approver != "bob" {
		t.Fatalf("unexpected approval %+v", a)
	}
	job, err := env.Gate.Repo.GetJob(env.Ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Stage != domain.StageApplying || job.ApprovedPlanHash == nil || *job.ApprovedPlanHash != pv.PlanHash {
		t.Fatalf("job not advanced: %+v", job)
	}
	if _, err := env.Gate.Repo.LockOwner(env.Ctx, LockKey("job-1"), fixedNow); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected lock released, got %v", err)
	}
	if _, err := env.Gate.Valid(env.Ctx, job); err != nil {
		t.Fatalf("approval should bind latest plan: %v", err)
	}
}

func TestApproveIsIdempotentUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")

	const n = 2
	var wg sync.WaitGroup
	results := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i], errs[i] = env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", "")
		}(i)
	}
	wg.Wait()
	appliedCount := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("approve %d: %v", i, errs[i])
		}
		if results[i] {
			appliedCount++
		}
	}
	if appliedCount != 1 {
		t.Fatalf("expected exactly one applied approval, got %d", appliedCount)
	}
	versions, err := env.Gate.Artifacts.Versions("job-1", domain.ArtifactApproval)
	if err != nil || len(versions) != 1 {
		t.Fatalf("expected one approval artifact, got %v %v", versions, err)
	}
}

func TestApproveRejectsStaleHash(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	v1 := env.seedPlan(t, "job-1", 1, "Add a health endpoint")
	v2 := env.seedPlan(t, "job-1", 2, "Add a health endpoint with db check")

	_, _, err := env.Gate.Approve(env.Ctx, "job-1", v1.PlanHash, "bob", "")
	var mismatch *domain.HashMismatchError
	if !errors.As(err, &mismatch) || mismatch.Latest != v2.PlanHash {
		t.Fatalf("expected hash mismatch naming v2, got %v", err)
	}
	job, _ := env.Gate.Repo.GetJob(env.Ctx, "job-1")
	if job.Stage != domain.StageWaitingForApproval || job.ApprovedPlanHash != nil {
		t.Fatalf("job mutated on rejected approval: %+v", job)
	}
	if ok, _ := env.Gate.Artifacts.Has("job-1", domain.ArtifactApproval); ok {
		t.Fatalf("approval artifact written for stale hash")
	}
}

func TestApprovePreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StagePlanning)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")

	if _, _, err := env.Gate.Approve(env.Ctx, "job-1", "abc", "bob", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, _, err := env.Gate.Approve(env.Ctx, "missing", pv.PlanHash, "bob", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", ""); !errors.Is(err, domain.ErrWrongStage) {
		t.Fatalf("expected wrong stage, got %v", err)
	}

	env.seedJob(t, "job-2", domain.StageWaitingForApproval)
	pv2 := env.seedPlan(t, "job-2", 1, "Add a health endpoint")
	withTx(t, env.Gate.DB, func(tx *sqlx.Tx) error {
		return env.Gate.Repo.SetCancelled(env.Ctx, tx, "job-2", fixedNow.Format(time.RFC3339))
	})
	if _, _, err := env.Gate.Approve(env.Ctx, "job-2", pv2.PlanHash, "bob", ""); !errors.Is(err, domain.ErrAlreadyCancelled) {
		t.Fatalf("expected already cancelled, got %v", err)
	}
}

func TestApproveConcurrentLockHeld(t *testing.T) {
	env := newTestEnv(t)
	env.Gate.LockWait = 0
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")

	ok, err := env.Gate.Repo.TryLock(env.Ctx, LockKey("job-1"), "someone-else", fixedNow, time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}
	_, _, err = env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", "")
	if !errors.Is(err, domain.ErrConcurrentApproval) || !strings.Contains(err.Error(), "someone-else") {
		t.Fatalf("expected concurrent approval naming holder, got %v", err)
	}
}

func TestApproveRejectsDifferentHashOnceBound(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	v1 := env.seedPlan(t, "job-1", 1, "Add a health endpoint")
	if _, applied, err := env.Gate.Approve(env.Ctx, "job-1", v1.PlanHash, "bob", ""); err != nil || !applied {
		t.Fatalf("approve v1: applied=%v err=%v", applied, err)
	}
	v2 := env.seedPlan(t, "job-1", 2, "Add a health endpoint with db check")

	_, applied, err := env.Gate.Approve(env.Ctx, "job-1", v2.PlanHash, "carol", "")
	if !errors.Is(err, domain.ErrAlreadyApproved) || applied {
		t.Fatalf("expected already approved, got applied=%v err=%v", applied, err)
	}
	if domain.ErrorCode(err) != "already_approved" {
		t.Fatalf("unexpected code %q", domain.ErrorCode(err))
	}
	job, _ := env.Gate.Repo.GetJob(env.Ctx, "job-1")
	if job.ApprovedPlanHash == nil || *job.ApprovedPlanHash != v1.PlanHash {
		t.Fatalf("binding changed: %+v", job)
	}
	versions, _ := env.Gate.Artifacts.Versions("job-1", domain.ArtifactApproval)
	if len(versions) != 1 {
		t.Fatalf("expected one approval artifact, got %v", versions)
	}
}

func TestApproveWritesNoArtifactWhenCommitFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")
	if _, err := env.Gate.DB.Exec(`CREATE TRIGGER block_apply BEFORE UPDATE OF stage ON jobs
		WHEN NEW.stage = 'APPLYING' BEGIN SELECT RAISE(ABORT, 'blocked'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if _, applied, err := env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", ""); err == nil || applied {
		t.Fatalf("expected approval to fail, got applied=%v err=%v", applied, err)
	}
	if ok, _ := env.Gate.Artifacts.Has("job-1", domain.ArtifactApproval); ok {
		t.Fatalf("approval artifact written for an uncommitted approval")
	}
	job, _ := env.Gate.Repo.GetJob(env.Ctx, "job-1")
	if job.Stage != domain.StageWaitingForApproval || job.ApprovedPlanHash != nil {
		t.Fatalf("job mutated: %+v", job)
	}

	if _, err := env.Gate.DB.Exec(`DROP TRIGGER block_apply`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, applied, err := env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", ""); err != nil || !applied {
		t.Fatalf("approve: applied=%v err=%v", applied, err)
	}
	versions, _ := env.Gate.Artifacts.Versions("job-1", domain.ArtifactApproval)
	if len(versions) != 1 {
		t.Fatalf("expected one approval artifact, got %v", versions)
	}
}

func TestApproveRewritesMissingArtifactOfBoundJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	pv := env.seedPlan(t, "job-1", 1, "Add a health endpoint")
	withTx(t, env.Gate.DB, func(tx *sqlx.Tx) error {
		job, err := env.Gate.Repo.GetJobTx(env.Ctx, tx, "job-1")
		if err != nil {
			return err
		}
		job.Stage = domain.StageApplying
		job.ApprovedPlanHash = &pv.PlanHash
		return env.Gate.Repo.UpdateJob(env.Ctx, tx, job)
	})

	for i := 0; i < 2; i++ {
		a, applied, err := env.Gate.Approve(env.Ctx, "job-1", pv.PlanHash, "bob", "")
		if err != nil || applied {
			t.Fatalf("approve %d: applied=%v err=%v", i, applied, err)
		}
		if a.PlanHash != pv.PlanHash || a.PlanVersion != 1 {
			t.Fatalf("unexpected approval %+v", a)
		}
	}
	versions, _ := env.Gate.Artifacts.Versions("job-1", domain.ArtifactApproval)
	if len(versions) != 1 {
		t.Fatalf("expected the artifact rewritten once, got %v", versions)
	}
}

func TestConditionalUpdateDetectsStageChange(t *testing.T) {
	env := newTestEnv(t)
	env.seedJob(t, "job-1", domain.StageWaitingForApproval)
	stale, err := env.Gate.Repo.GetJob(env.Ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	withTx(t, env.Gate.DB, func(tx *sqlx.Tx) error {
		moved := stale
		moved.Stage = domain.StageApplying
		return env.Gate.Repo.UpdateJobFrom(env.Ctx, tx, moved, domain.StageWaitingForApproval)
	})

	tx, err := env.Gate.DB.Beginx()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.Stage = domain.StageRevising
	err = env.Gate.Repo.UpdateJobFrom(env.Ctx, tx, stale, domain.StageWaitingForApproval)
	var wrong *domain.WrongStageError
	if !errors.As(err, &wrong) || wrong.Current != domain.StageApplying {
		t.Fatalf("expected wrong stage naming APPLYING, got %v", err)
	}
	if err := env.Gate.Repo.UpdateJobFrom(env.Ctx, tx, domain.Job{ID: "missing"}, domain.StagePlanning); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
