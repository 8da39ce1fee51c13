package server

import (
	"encoding/json"
	"strings"

	"draftline/internal/domain"
	"draftline/internal/engine"
)

// Request payloads

type RepoRequest struct {
	URL string `json:"url" example:"https://github.com/acme/api.git"`
	Ref string `json:"ref,omitempty" example:"main"`
}

type CreateJobRequest struct {
	StoryKey    string        `json:"story_key" example:"PROJ-123"`
	Summary     *string       `json:"summary,omitempty"`
	Description *string       `json:"description,omitempty"`
	Repos       []RepoRequest `json:"repos" minItems:"1"`
	ScopePaths  []string      `json:"scope_paths,omitempty"`
	Mode        string        `json:"mode,omitempty" enum:"normal,auto-approve,yolo"`
}

type BulkCreateRequest struct {
	Jobs []CreateJobRequest `json:"jobs" minItems:"1" maxItems:"20"`
}

type BulkCancelRequest struct {
	JobIDs []string `json:"job_ids" minItems:"1" maxItems:"50"`
}

type ApproveRequest struct {
	PlanHash string  `json:"plan_hash" example:"9f2c..."`
	Notes    *string `json:"notes,omitempty"`
}

type RevisePlanRequest struct {
	FeedbackText     string   `json:"feedback_text"`
	SpecificConcerns []string `json:"specific_concerns,omitempty"`
	RequestedChanges *string  `json:"requested_changes,omitempty"`
	FeedbackType     string   `json:"feedback_type,omitempty" enum:"general,scope,tests,safety,other"`
}

type RetryRequest struct {
	Stage string `json:"stage,omitempty" enum:"PLANNING,APPLYING,VERIFYING,PACKAGING,PUBLISHING"`
	Force bool   `json:"force,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID *string `json:"actor_id,omitempty"`
	Name    string  `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type JobResponse struct {
	ID               string           `json:"id"`
	StoryKey         string           `json:"story_key"`
	Summary          string           `json:"summary"`
	Repos            []domain.RepoRef `json:"repos"`
	ScopePaths       []string         `json:"scope_paths"`
	Mode             string           `json:"mode"`
	Stage            string           `json:"stage"`
	Cancelled        bool             `json:"cancelled"`
	ApprovedPlanHash *string          `json:"approved_plan_hash"`
	Result           map[string]any   `json:"result,omitempty"`
	Error            *string          `json:"error"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	StageStartedAt   string           `json:"stage_started_at" format:"date-time"`
	CompletedAt      *string          `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt        *string          `json:"expires_at,omitempty" format:"date-time"`
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type BulkItemResponse struct {
	Index int          `json:"index"`
	JobID string       `json:"job_id,omitempty"`
	Job   *JobResponse `json:"job,omitempty"`
	Error string       `json:"error,omitempty"`
	Code  string       `json:"code,omitempty"`
}

type BulkResponse struct {
	Results   []BulkItemResponse `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

type ApproveResponse struct {
	Approval      domain.Approval `json:"approval"`
	NewlyRecorded bool            `json:"newly_recorded"`
	Stage         string          `json:"stage"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func (r CreateJobRequest) options(actorID string) engine.JobCreateOptions {
	repos := make([]domain.RepoRef, 0, len(r.Repos))
	for _, rp := range r.Repos {
		repos = append(repos, domain.RepoRef{URL: strings.TrimSpace(rp.URL), Ref: strings.TrimSpace(rp.Ref)})
	}
	return engine.JobCreateOptions{
		StoryKey: r.StoryKey,
		Summary:  stringOrEmpty(r.Summary),
		Details:  stringOrEmpty(r.Description),
		Repos:    repos,
		Scope:    domain.Scope{Paths: r.ScopePaths},
		Mode:     r.Mode,
		ActorID:  actorID,
	}
}

func jobResponse(j domain.Job) JobResponse {
	res := JobResponse{
		ID:               j.ID,
		StoryKey:         j.StoryKey,
		Summary:          j.Story.Summary,
		Repos:            nonNilSlice(j.Repos),
		ScopePaths:       nonNilSlice(j.Scope.Paths),
		Mode:             string(j.Mode),
		Stage:            string(j.Stage),
		Cancelled:        j.Cancelled,
		ApprovedPlanHash: j.ApprovedPlanHash,
		Result:           j.Result,
		CreatedBy:        j.CreatedBy,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StageStartedAt:   j.StageStartedAt,
		CompletedAt:      j.CompletedAt,
		ExpiresAt:        j.ExpiresAt,
	}
	if j.Error != "" {
		res.Error = strPtr(j.Error)
	}
	return res
}

func mapJobs(items []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

func bulkResponse(items []engine.BulkResult) BulkResponse {
	res := BulkResponse{Results: make([]BulkItemResponse, 0, len(items))}
	for _, it := range items {
		item := BulkItemResponse{Index: it.Index, JobID: it.JobID, Error: it.Error, Code: it.Code}
		if it.Job != nil {
			jr := jobResponse(*it.Job)
			item.Job = &jr
		}
		if it.Error == "" {
			res.Succeeded++
		} else {
			res.Failed++
		}
		res.Results = append(res.Results, item)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		JobID:      e.JobID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func strPtr(in string) *string {
	return &in
}
