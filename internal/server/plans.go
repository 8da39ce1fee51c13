package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/engine/auth"
)

type planBody struct {
	Body domain.PlanVersion `json:"body"`
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-latest-plan",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/plans",
		Summary:     "Latest plan version",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *jobPath) (*planBody, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		pv, err := e.GetPlan(ctx, input.JobID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &planBody{Body: pv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/plans/history",
		Summary:     "All plan versions",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body struct {
			Items []domain.PlanVersion `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPlans(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.PlanVersion `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-plans",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/plans/compare",
		Summary:     "Compare two plan versions",
		Description: "Defaults to the previous and the latest version.",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		From  int    `query:"from" minimum:"0"`
		To    int    `query:"to" minimum:"0"`
	}) (*struct {
		Body engine.PlanComparison `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		cmp, err := e.ComparePlans(ctx, input.JobID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PlanComparison `json:"body"`
		}{Body: cmp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan-version",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/plans/{version}",
		Summary:     "Plan version",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID   string `path:"job_id"`
		Version int    `path:"version" minimum:"1"`
	}) (*planBody, error) {
		if _, err := requirePermission(ctx, e, auth.PermJobRead); err != nil {
			return nil, handleError(err)
		}
		pv, err := e.GetPlan(ctx, input.JobID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &planBody{Body: pv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-plan",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/plans/revise",
		Summary:     "Request a plan revision",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID string            `path:"job_id"`
		Body  RevisePlanRequest `json:"body"`
	}) (*jobBody, error) {
		actorID, err := requirePermission(ctx, e, auth.PermPlanRevise)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.RevisePlan(ctx, engine.ReviseOptions{
			JobID: input.JobID,
			Feedback: domain.PlanFeedback{
				Text:             input.Body.FeedbackText,
				Concerns:         input.Body.SpecificConcerns,
				RequestedChanges: stringOrEmpty(input.Body.RequestedChanges),
				Type:             domain.FeedbackType(input.Body.FeedbackType),
			},
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/approve",
		Summary:     "Approve a plan version by hash",
		Description: "Idempotent for the same hash; a stale hash is rejected with hash_mismatch.",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  ApproveRequest `json:"body"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermPlanApprove)
		if err != nil {
			return nil, handleError(err)
		}
		a, applied, err := e.Approve(ctx, engine.ApproveOptions{
			JobID:    input.JobID,
			PlanHash: strings.TrimSpace(input.Body.PlanHash),
			ActorID:  actorID,
			Notes:    stringOrEmpty(input.Body.Notes),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := ApproveResponse{Approval: a, NewlyRecorded: applied}
		if job, err := e.GetJob(ctx, input.JobID); err == nil {
			res.Stage = string(job.Stage)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/artifacts",
		Summary:     "List job artifacts",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Type  string `query:"type"`
	}) (*struct {
		Body struct {
			Items []domain.ArtifactRef `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermArtifactRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListArtifacts(ctx, input.JobID, domain.ArtifactType(input.Type))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.ArtifactRef `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/artifacts/{type}",
		Summary:     "Artifact content",
		Description: "Returns the raw artifact; version 0 or absent means the latest.",
		Errors:      jobErrors,
	}, func(ctx context.Context, input *struct {
		JobID   string `path:"job_id"`
		Type    string `path:"type"`
		Version int    `query:"version" minimum:"0"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Version     string `header:"X-Artifact-Version"`
		SHA256      string `header:"X-Artifact-Sha256"`
		Body        []byte
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermArtifactRead); err != nil {
			return nil, handleError(err)
		}
		data, ref, err := e.GetArtifact(ctx, input.JobID, domain.ArtifactType(input.Type), input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		ct := ref.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Version     string `header:"X-Artifact-Version"`
			SHA256      string `header:"X-Artifact-Sha256"`
			Body        []byte
		}{ContentType: ct, Version: fmt.Sprint(ref.Version), SHA256: ref.SHA256, Body: data}, nil
	})
}
