package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/engine/auth"
)

var jobErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type jobBody struct {
	Body JobResponse `json:"body"`
}

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		Description:   "Creates a draft job for a story and starts planning.",
		DefaultStatus: http.StatusCreated,
		Errors:        jobErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*jobBody, error) {
		actorID, err := requirePermission(ctx, e, auth.PermJobCreate)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.CreateJob(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bulk-create-jobs",
		Method:        http.MethodPost,
		Path:          "/jobs/bulk",
		Summary:       "Create up to 20 jobs",
		DefaultStatus: http.StatusCreated,
		Errors:        jobErrors,
	}, func(ctx context.Context, input *struct {
		Body BulkCreateRequest `json:"body"`
	}) (*struct {
		Body BulkResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermJobCreate)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]engine.JobCreateOptions, 0, len(input.Body.Jobs))
		for _, j := range input.Body.Jobs {
			items = append(items, j.options(actorID))
		}
		res, err := e.BulkCreate(ctx, items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BulkResponse `json:"body"`
		}{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		Stage  string `query:"stage" doc:"comma-separated stages"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		stages, err := parseStages(input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		items, next, err := e.ListJobs(ctx, engine.JobListOptions{
			Stages: stages,
			Limit:  normalizeLimit(input.Limit),
			Cursor: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: mapJobs(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-progress",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/progress",
		Summary:     "Job progress",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Progress(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel job",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		actorID, err := requirePermission(ctx, e, auth.PermJobCancel)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.Cancel(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-cancel-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/cancel",
		Summary:     "Cancel up to 50 jobs",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		Body BulkCancelRequest `json:"body"`
	}) (*struct {
		Body BulkResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermJobCancel)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.BulkCancel(ctx, input.Body.JobIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BulkResponse `json:"body"`
		}{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Retry job from a stage",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID string       `path:"job_id"`
		Body  RetryRequest `json:"body" required:"false"`
	}) (*jobBody, error) {
		actorID, err := requirePermission(ctx, e, auth.PermJobRetry)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.RetryJob(ctx, engine.RetryOptions{
			JobID:   input.JobID,
			Stage:   domain.Stage(input.Body.Stage),
			Force:   input.Body.Force,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: jobResponse(job)}, nil
	})
}

func parseStages(raw string) ([]domain.Stage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.Stage
	for _, part := range strings.Split(raw, ",") {
		s := domain.Stage(strings.ToUpper(strings.TrimSpace(part)))
		if s == "" {
			continue
		}
		if !knownStage(s) {
			return nil, domain.Invalid("stage", "unknown stage %q", part)
		}
		out = append(out, s)
	}
	return out, nil
}

func knownStage(s domain.Stage) bool {
	switch s {
	case domain.StageCreated, domain.StagePlanning, domain.StageWaitingForApproval, domain.StageRevising,
		domain.StageApplying, domain.StageVerifying, domain.StagePackaging, domain.StagePublishing,
		domain.StageCompleted, domain.StageFailed, domain.StageCancelled:
		return true
	}
	return false
}
