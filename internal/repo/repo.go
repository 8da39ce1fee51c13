package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"draftline/internal/domain"
)

type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = domain.ErrNotFound

const jobColumns = `id,story_key,story_json,repos_json,scope_json,mode,stage,cancelled,approved_plan_hash,result_json,error,created_by,created_at,updated_at,stage_started_at,completed_at,expires_at`

type jobRow struct {
	ID               string         `db:"id"`
	StoryKey         string         `db:"story_key"`
	StoryJSON        string         `db:"story_json"`
	ReposJSON        string         `db:"repos_json"`
	ScopeJSON        string         `db:"scope_json"`
	Mode             string         `db:"mode"`
	Stage            string         `db:"stage"`
	Cancelled        int            `db:"cancelled"`
	ApprovedPlanHash sql.NullString `db:"approved_plan_hash"`
	ResultJSON       sql.NullString `db:"result_json"`
	Error            sql.NullString `db:"error"`
	CreatedBy        string         `db:"created_by"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
	StageStartedAt   string         `db:"stage_started_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	ExpiresAt        sql.NullString `db:"expires_at"`
}

func (r jobRow) toDomain() (domain.Job, error) {
	j := domain.Job{
		ID:             r.ID,
		StoryKey:       r.StoryKey,
		Mode:           domain.Mode(r.Mode),
		Stage:          domain.Stage(r.Stage),
		Cancelled:      r.Cancelled != 0,
		Error:          r.Error.String,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StageStartedAt: r.StageStartedAt,
	}
	if err := json.Unmarshal([]byte(r.StoryJSON), &j.Story); err != nil {
		return j, fmt.Errorf("decode job %s story: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ReposJSON), &j.Repos); err != nil {
		return j, fmt.Errorf("decode job %s repos: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ScopeJSON), &j.Scope); err != nil {
		return j, fmt.Errorf("decode job %s scope: %w", r.ID, err)
	}
	if r.ResultJSON.Valid && r.ResultJSON.String != "" {
		if err := json.Unmarshal([]byte(r.ResultJSON.String), &j.Result); err != nil {
			return j, fmt.Errorf("decode job %s result: %w", r.ID, err)
		}
	}
	j.ApprovedPlanHash = nullStringPtr(r.ApprovedPlanHash)
	j.CompletedAt = nullStringPtr(r.CompletedAt)
	j.ExpiresAt = nullStringPtr(r.ExpiresAt)
	return j, nil
}

func jobArgs(j domain.Job) ([]any, error) {
	story, err := json.Marshal(j.Story)
	if err != nil {
		return nil, err
	}
	repos, err := json.Marshal(j.Repos)
	if err != nil {
		return nil, err
	}
	scope, err := json.Marshal(j.Scope)
	if err != nil {
		return nil, err
	}
	var result any
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, err
		}
		result = string(b)
	}
	cancelled := 0
	if j.Cancelled {
		cancelled = 1
	}
	return []any{
		j.ID, j.StoryKey, string(story), string(repos), string(scope), string(j.Mode), string(j.Stage), cancelled,
		nullableStringPtr(j.ApprovedPlanHash), result, nullable(j.Error), j.CreatedBy, j.CreatedAt, j.UpdatedAt,
		j.StageStartedAt, nullableStringPtr(j.CompletedAt), nullableStringPtr(j.ExpiresAt),
	}, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sqlx.Tx, j domain.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`), args...)
	return err
}

// UpdateJob writes every mutable column of j.
func (r Repo) UpdateJob(ctx context.Context, tx *sqlx.Tx, j domain.Job) error {
	return r.updateJob(ctx, tx, j, "")
}

// UpdateJobFrom is UpdateJob guarded on the stage the caller read. It returns
// a WrongStageError when another writer moved the job off from first.
func (r Repo) UpdateJobFrom(ctx context.Context, tx *sqlx.Tx, j domain.Job, from domain.Stage) error {
	return r.updateJob(ctx, tx, j, from)
}

func (r Repo) updateJob(ctx context.Context, tx *sqlx.Tx, j domain.Job, from domain.Stage) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	// stage..expires_at, skipping immutable identity columns.
	set := []any{args[6], args[7], args[8], args[9], args[10], args[13], args[14], args[15], args[16], j.ID}
	query := `UPDATE jobs SET stage=?,cancelled=?,approved_plan_hash=?,result_json=?,error=?,updated_at=?,stage_started_at=?,completed_at=?,expires_at=? WHERE id=?`
	if from != "" {
		query += ` AND stage=?`
		set = append(set, string(from))
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), set...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	if from == "" {
		return ErrNotFound
	}
	var current string
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT stage FROM jobs WHERE id=?`), j.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &domain.WrongStageError{JobID: j.ID, Current: domain.Stage(current), Expected: []domain.Stage{from}}
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return getJob(ctx, r.DB, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Job, error) {
	return getJob(ctx, tx, id)
}

func getJob(ctx context.Context, q sqlx.ExtContext, id string) (domain.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, err
	}
	return row.toDomain()
}

type JobFilters struct {
	Stages          []domain.Stage
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListJobs returns jobs newest first.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Stages) > 0 {
		marks := make([]string, 0, len(f.Stages))
		for _, s := range f.Stages {
			marks = append(marks, "?")
			args = append(args, string(s))
		}
		clauses = append(clauses, "stage IN ("+strings.Join(marks, ",")+")")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC`, jobColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []jobRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

// IsCancelled reads only the cancellation flag.
func (r Repo) IsCancelled(ctx context.Context, id string) (bool, error) {
	var flag int
	err := r.DB.GetContext(ctx, &flag, r.DB.Rebind(`SELECT cancelled FROM jobs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag != 0, err
}

func (r Repo) SetCancelled(ctx context.Context, tx *sqlx.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET cancelled=1, updated_at=? WHERE id=?`), now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredJobIDs returns terminal jobs whose expires_at is before now.
func (r Repo) ExpiredJobIDs(ctx context.Context, now string) ([]string, error) {
	var ids []string
	err := r.DB.SelectContext(ctx, &ids, r.DB.Rebind(`SELECT id FROM jobs WHERE expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at`), now)
	return ids, err
}

func (r Repo) DeleteJob(ctx context.Context, tx *sqlx.Tx, id string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id=?`), id)
	return err
}

// CountJobsByStage groups all jobs by stage.
func (r Repo) CountJobsByStage(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Stage string `db:"stage"`
		Count int    `db:"n"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `SELECT stage, COUNT(*) AS n FROM jobs GROUP BY stage`); err != nil {
		return nil, err
	}
	res := make(map[string]int, len(rows))
	for _, row := range rows {
		res[row.Stage] = row.Count
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
