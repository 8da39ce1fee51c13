package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Event types appended by the pipeline.
const (
	JobCreated       = "job.created"
	JobStage         = "job.stage"
	JobCancelled     = "job.cancelled"
	JobFailed        = "job.failed"
	JobCompleted     = "job.completed"
	JobRetried       = "job.retried"
	JobExpired       = "job.expired"
	PlanCreated      = "plan.created"
	PlanApproved     = "plan.approved"
	PlanInvalidated  = "plan.approval_invalidated"
	PolicyEvaluated  = "policy.evaluated"
	PublishPartial   = "publish.partial_failure"
	ArtifactsPurged  = "artifacts.purged"
	WorkspaceCleaned = "workspace.cleaned"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, jobID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events(ts,type,job_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(jobID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
