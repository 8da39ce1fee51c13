package draftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal draftline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Repo struct {
	URL string `json:"url"`
	Ref string `json:"ref,omitempty"`
}

// CreateJobRequest is the payload of CreateJob.
type CreateJobRequest struct {
	StoryKey    string   `json:"story_key"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Repos       []Repo   `json:"repos"`
	ScopePaths  []string `json:"scope_paths,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}

// Job represents the API job model.
type Job struct {
	ID               string         `json:"id"`
	StoryKey         string         `json:"story_key"`
	Summary          string         `json:"summary"`
	Repos            []Repo         `json:"repos"`
	Mode             string         `json:"mode"`
	Stage            string         `json:"stage"`
	Cancelled        bool           `json:"cancelled"`
	ApprovedPlanHash *string        `json:"approved_plan_hash"`
	Result           map[string]any `json:"result,omitempty"`
	Error            *string        `json:"error"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// Terminal reports whether the job can no longer change stage.
func (j Job) Terminal() bool {
	return j.Stage == "COMPLETED" || j.Stage == "FAILED" || j.Stage == "CANCELLED"
}

// Plan is one immutable plan version. Spec is kept raw.
type Plan struct {
	JobID               string          `json:"job_id"`
	Version             int             `json:"version"`
	PlanHash            string          `json:"plan_hash"`
	PreviousVersionHash string          `json:"previous_version_hash,omitempty"`
	Spec                json.RawMessage `json:"plan_spec"`
	CreatedAt           string          `json:"created_at"`
}

type Approval struct {
	JobID       string `json:"job_id"`
	PlanHash    string `json:"plan_hash"`
	PlanVersion int    `json:"plan_version"`
	Approver    string `json:"approver"`
	ApprovedAt  string `json:"approved_at"`
	Notes       string `json:"notes,omitempty"`
}

type ApproveResult struct {
	Approval      Approval `json:"approval"`
	NewlyRecorded bool     `json:"newly_recorded"`
	Stage         string   `json:"stage"`
}

type Progress struct {
	JobID          string `json:"job_id"`
	Stage          string `json:"stage"`
	Percentage     int    `json:"percentage"`
	CurrentStep    string `json:"current_step"`
	TotalSteps     int    `json:"total_steps"`
	StepsCompleted int    `json:"steps_completed"`
}

type Artifact struct {
	JobID       string            `json:"job_id"`
	Type        string            `json:"type"`
	Version     int               `json:"version"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the server's stable error code.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// JobPage wraps list responses with cursors.
type JobPage struct {
	Items      []Job  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", req, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListJobs returns one page of jobs; stages filters by stage names.
func (c *Client) ListJobs(ctx context.Context, limit int, cursor string, stages ...string) (JobPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(stages) > 0 {
		q.Set("stage", strings.Join(stages, ","))
	}
	var resp JobPage
	err := c.do(ctx, http.MethodGet, withQuery("jobs", q), nil, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, id string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id)+"/progress", nil, &resp)
	return resp, err
}

// Plan fetches a plan version; version 0 fetches the latest.
func (c *Client) Plan(ctx context.Context, jobID string, version int) (Plan, error) {
	endpoint := "jobs/" + url.PathEscape(jobID) + "/plans"
	if version > 0 {
		endpoint = fmt.Sprintf("%s/%d", endpoint, version)
	}
	var resp Plan
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ComparePlans returns the raw comparison document.
func (c *Client) ComparePlans(ctx context.Context, jobID string, from, to int) (map[string]any, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", fmt.Sprint(from))
	}
	if to > 0 {
		q.Set("to", fmt.Sprint(to))
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, withQuery("jobs/"+url.PathEscape(jobID)+"/plans/compare", q), nil, &resp)
	return resp, err
}

func (c *Client) RevisePlan(ctx context.Context, jobID, feedback, feedbackType string) (Job, error) {
	body := map[string]any{"feedback_text": feedback}
	if feedbackType != "" {
		body["feedback_type"] = feedbackType
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/plans/revise", body, &resp)
	return resp, err
}

// Approve binds an approval to planHash.
func (c *Client) Approve(ctx context.Context, jobID, planHash, notes string) (ApproveResult, error) {
	body := map[string]any{"plan_hash": planHash}
	if notes != "" {
		body["notes"] = notes
	}
	var resp ApproveResult
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/approve", body, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp)
	return resp, err
}

// Retry restarts a job; an empty stage retries the failed stage.
func (c *Client) Retry(ctx context.Context, jobID, stage string, force bool) (Job, error) {
	body := map[string]any{"force": force}
	if stage != "" {
		body["stage"] = stage
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/retry", body, &resp)
	return resp, err
}

func (c *Client) Artifacts(ctx context.Context, jobID, typ string) ([]Artifact, error) {
	q := url.Values{}
	if typ != "" {
		q.Set("type", typ)
	}
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("jobs/"+url.PathEscape(jobID)+"/artifacts", q), nil, &resp)
	return resp.Items, err
}

// ArtifactContent returns the raw artifact bytes; version 0 is the latest.
func (c *Client) ArtifactContent(ctx context.Context, jobID, typ string, version int) ([]byte, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", fmt.Sprint(version))
	}
	var raw []byte
	err := c.do(ctx, http.MethodGet, withQuery("jobs/"+url.PathEscape(jobID)+"/artifacts/"+url.PathEscape(typ), q), nil, &raw)
	return raw, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally for one job.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, jobID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if jobID != "" {
		q.Set("job_id", jobID)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// WaitForStage polls until the job reaches one of stages or a terminal stage.
func (c *Client) WaitForStage(ctx context.Context, jobID string, interval time.Duration, stages ...string) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		for _, s := range stages {
			if job.Stage == s {
				return job, nil
			}
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		b, err := io.ReadAll(resp.Body)
		*v = b
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func decodeError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
