package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"igpilot/internal/model"
)

const jobCols = `id, parent_id, retry_of, tenant_id, account_id, kind, payload, scheduled_time, repeat_type,
	anchor_time, occurrence, attempt, status, results, error_class, error_message, retryable,
	started_at, completed_at, created_at, updated_at`

func (s *sqlStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j == nil || j.ID == "" {
		return errors.New("storage: job id is required")
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("storage: encode payload: %w", err)
	}
	now := s.now()
	if j.State == "" {
		j.State = model.JobPending
	}
	if j.Repeat == "" {
		j.Repeat = model.RepeatNone
	}
	if j.Anchor.IsZero() {
		j.Anchor = j.ScheduledAt
	}
	j.CreatedAt, j.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO jobs(`+jobCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		j.ID, nullStr(j.ParentID), nullStr(j.RetryOf), j.TenantID, j.AccountID, string(j.Kind), string(payload),
		j.ScheduledAt.UnixMilli(), string(j.Repeat), j.Anchor.UnixMilli(), j.Occurrence, j.Attempt,
		string(j.State), nullRaw(j.Result), nullStr(j.ErrorClass), nullStr(j.Error), j.Retryable,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: create job: %w", err)
	}
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// UpdateJob writes the mutable columns of j.
func (s *sqlStore) UpdateJob(ctx context.Context, j *model.Job) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET scheduled_time = ?, status = ?, results = ?, error_class = ?, error_message = ?,
			retryable = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`),
		j.ScheduledAt.UnixMilli(), string(j.State), nullRaw(j.Result), nullStr(j.ErrorClass), nullStr(j.Error),
		j.Retryable, nullTime(j.StartedAt), nullTime(j.CompletedAt), now.UnixMilli(), j.ID,
	)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	j.UpdatedAt = now
	return nil
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.State))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.AccountID != 0 {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "scheduled_time <= ?")
		args = append(args, f.DueBefore.UnixMilli())
	}

	query := `SELECT ` + jobCols + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_time, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeJobs(ctx context.Context, states []model.JobState, before time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	marks := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		if !st.Terminal() {
			return 0, fmt.Errorf("storage: refusing to purge non-terminal state %q", st)
		}
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, before.UnixMilli())

	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM jobs WHERE status IN (`+strings.Join(marks, ",")+`)
		 AND completed_at IS NOT NULL AND completed_at < ?`), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j         model.Job
		parent    sql.NullString
		retryOf   sql.NullString
		kind      string
		payload   string
		sched     int64
		repeat    string
		anchor    int64
		state     string
		results   sql.NullString
		errClass  sql.NullString
		errMsg    sql.NullString
		started   sql.NullInt64
		completed sql.NullInt64
		created   int64
		updated   int64
	)
	if err := r.Scan(&j.ID, &parent, &retryOf, &j.TenantID, &j.AccountID, &kind, &payload, &sched, &repeat,
		&anchor, &j.Occurrence, &j.Attempt, &state, &results, &errClass, &errMsg, &j.Retryable,
		&started, &completed, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("storage: decode payload of job %s: %w", j.ID, err)
	}
	j.ParentID = parent.String
	j.RetryOf = retryOf.String
	j.Kind = model.JobKind(kind)
	j.ScheduledAt = unixMilli(sched)
	j.Repeat = model.RepeatType(repeat)
	j.Anchor = unixMilli(anchor)
	j.State = model.JobState(state)
	if results.Valid && results.String != "" {
		j.Result = json.RawMessage(results.String)
	}
	j.ErrorClass = errClass.String
	j.Error = errMsg.String
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(completed)
	j.CreatedAt = unixMilli(created)
	j.UpdatedAt = unixMilli(updated)
	return &j, nil
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func unixMilli(ms int64) time.Time { return time.UnixMilli(ms) }
