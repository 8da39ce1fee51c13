// Package engine drives jobs through the draft pipeline:
// PLAN, APPROVAL, APPLY, VERIFY, PACKAGE and PUBLISH.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"draftline/internal/apply"
	"draftline/internal/approval"
	"draftline/internal/artifact"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/engine/auth"
	"draftline/internal/events"
	"draftline/internal/gitx"
	"draftline/internal/logging"
	"draftline/internal/plan"
	"draftline/internal/publish"
	"draftline/internal/repo"
	"draftline/internal/story"
	"draftline/internal/verify"
	"draftline/internal/workspace"
)

type Engine struct {
	DB         *sqlx.DB
	Repo       repo.Repo
	Config     *config.Config
	Artifacts  *artifact.Store
	Workspaces workspace.Manager
	Git        gitx.Git
	Stories    story.Source
	PlanEngine plan.ContentEngine
	CodeEngine apply.CodeEngine
	Host       publish.Host
	Auth       auth.Service
	Log        *slog.Logger
	Now        func() time.Time

	rt *runtime
}

// New wires an Engine from config. Engines and the repository host default to
// the command and GitHub implementations; tests replace them after New.
func New(db *sqlx.DB, cfg *config.Config, store *artifact.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	git := gitx.New()
	r := repo.Repo{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Artifacts: store,
		Workspaces: workspace.Manager{
			Root:         cfg.Workspaces.Root,
			Git:          git,
			CloneTimeout: cfg.Workspaces.CloneTimeout,
			Shallow:      cfg.Workspaces.Shallow,
		},
		Git:        git,
		Stories:    story.FileSource{Dir: cfg.Stories.Dir},
		PlanEngine: plan.CommandEngine{Command: cfg.Plan.Command, Timeout: cfg.Plan.Timeout},
		CodeEngine: apply.CommandEngine{Command: cfg.Apply.Command, Timeout: cfg.Apply.Timeout},
		Host:       hostFromConfig(cfg.Publish),
		Auth:       auth.Service{Repo: r, Roles: cfg.RBAC.Roles},
		Now:        time.Now,
	}
	e.rt = newRuntime(cfg)
	return e
}

func hostFromConfig(p config.PublishConfig) publish.Host {
	if p.Host != "github" {
		return publish.NoHost{}
	}
	return publish.NewGitHubHost(context.Background(), p.APIURL, os.Getenv(p.TokenEnv))
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	return logging.OrDefault(e.Log)
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) gate() approval.Gate {
	return approval.Gate{
		DB:        e.DB,
		Repo:      e.Repo,
		Events:    e.events(),
		Artifacts: e.Artifacts,
		LockTTL:   e.Config.Approval.LockTTL,
		LockWait:  e.Config.Approval.LockWait,
		Now:       e.now,
		Log:       e.Log,
	}
}

func (e Engine) generator() plan.Generator {
	return plan.Generator{Engine: e.PlanEngine, Now: e.now, Log: e.Log}
}

func (e Engine) cancelPoll(jobID string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		return e.Repo.IsCancelled(ctx, jobID)
	}
}

func (e Engine) applier(jobID string) apply.Applier {
	return apply.Applier{
		Git:          e.Git,
		Engine:       e.CodeEngine,
		Timeout:      e.Config.Apply.Timeout,
		MaxLOCDelta:  e.Config.Apply.MaxLOCDelta,
		Cancelled:    e.cancelPoll(jobID),
		PollInterval: e.Config.Jobs.CancelPollInterval,
		Log:          e.Log,
	}
}

func (e Engine) verifier(jobID string) verify.Verifier {
	return verify.Verifier{
		Commands:     verify.FromConfig(e.Config.Verify.Commands),
		Env:          []string{"DRAFTLINE_JOB_ID=" + jobID},
		Cancelled:    e.cancelPoll(jobID),
		PollInterval: e.Config.Jobs.CancelPollInterval,
		Log:          e.Log,
	}
}

func (e Engine) publisher() publish.Publisher {
	return publish.Publisher{
		Git:         e.Git,
		Host:        e.Host,
		Remote:      e.Config.Publish.Remote,
		Prefix:      e.Config.Publish.BranchPrefix,
		MaxAttempts: e.Config.Publish.MaxBranchAttempts,
		Log:         e.Log,
	}
}

// transitions lists the allowed forward moves. FAILED and CANCELLED are
// reachable from every non-terminal stage.
var transitions = map[domain.Stage][]domain.Stage{
	domain.StageCreated:            {domain.StagePlanning},
	domain.StagePlanning:           {domain.StageWaitingForApproval},
	domain.StageWaitingForApproval: {domain.StageRevising, domain.StageApplying},
	domain.StageRevising:           {domain.StageWaitingForApproval},
	domain.StageApplying:           {domain.StageVerifying, domain.StageWaitingForApproval},
	domain.StageVerifying:          {domain.StagePackaging},
	domain.StagePackaging:          {domain.StagePublishing},
	domain.StagePublishing:         {domain.StageCompleted},
}

func ensureTransition(from, to domain.Stage) error {
	if from.Terminal() {
		return fmt.Errorf("job in terminal stage %s: %w", from, domain.ErrWrongStage)
	}
	if to == domain.StageFailed || to == domain.StageCancelled {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s: %w", from, to, domain.ErrWrongStage)
}

// capacityKey maps an executing stage to its semaphore.
func capacityKey(s domain.Stage) string {
	switch s {
	case domain.StagePlanning, domain.StageRevising:
		return "plan"
	case domain.StageApplying:
		return "apply"
	case domain.StageVerifying:
		return "verify"
	case domain.StagePackaging:
		return "package"
	case domain.StagePublishing:
		return "publish"
	}
	return ""
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	// again is set when start is called while the worker is winding down.
	again bool
}

type runtime struct {
	base   context.Context
	stop   context.CancelFunc
	sems   map[string]*semaphore.Weighted
	wg     conc.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*running
	closed bool
}

func newRuntime(cfg *config.Config) *runtime {
	base, stop := context.WithCancel(context.Background())
	sems := make(map[string]*semaphore.Weighted, len(config.StageNames))
	for _, name := range config.StageNames {
		sems[name] = semaphore.NewWeighted(int64(cfg.Capacity(name)))
	}
	return &runtime{base: base, stop: stop, sems: sems, jobs: map[string]*running{}}
}

// start runs the job's pipeline in a background goroutine unless one is
// already running for it.
func (e Engine) start(jobID string) {
	rt := e.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	if r, ok := rt.jobs[jobID]; ok {
		r.again = true
		return
	}
	ctx, cancel := context.WithCancel(rt.base)
	r := &running{cancel: cancel, done: make(chan struct{})}
	rt.jobs[jobID] = r
	rt.wg.Go(func() {
		defer close(r.done)
		defer cancel()
		for {
			e.run(ctx, jobID)
			rt.mu.Lock()
			if r.again && ctx.Err() == nil {
				r.again = false
				rt.mu.Unlock()
				continue
			}
			delete(rt.jobs, jobID)
			rt.mu.Unlock()
			return
		}
	})
}

// interrupt cancels the in-process worker of jobID. It reports whether one
// was running.
func (e Engine) interrupt(jobID string) bool {
	rt := e.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.jobs[jobID]
	if ok {
		r.cancel()
	}
	return ok
}

func (e Engine) isRunning(jobID string) (chan struct{}, bool) {
	rt := e.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.jobs[jobID]
	if !ok {
		return nil, false
	}
	return r.done, true
}

func (e Engine) acquire(ctx context.Context, s domain.Stage) (func(), error) {
	sem := e.rt.sems[capacityKey(s)]
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// Shutdown stops accepting work, interrupts running stages and waits for the
// workers to return. Interrupted jobs keep their stage and are resumed by
// Recover on the next start.
func (e Engine) Shutdown(ctx context.Context) error {
	rt := e.rt
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()
	rt.stop()
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e Engine) shuttingDown() bool {
	return e.rt.base.Err() != nil
}
