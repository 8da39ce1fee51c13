package repo

import (
	"context"
	"fmt"
	"strings"

	"draftline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(job_id,'') AS job_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json`

// LatestEvents returns newest events first, optionally before cursor.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, jobID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	var res []domain.Event
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	var res []domain.Event
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), cursor, limit); err != nil {
		return nil, err
	}
	return res, nil
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id),0) FROM events`); err != nil {
		return 0, err
	}
	return id, nil
}
