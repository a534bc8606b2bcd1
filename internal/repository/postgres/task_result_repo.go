package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const recordCols = `tenant, id, status, status_info, created_at, last_open_date, user_index, change_id, callback, baseurl, password, additional`

// randomKeyAttempts bounds retries of AddRandomKeyTask on key collision.
const randomKeyAttempts = 3

// TaskResultRepo implements TaskResultRepository using PostgreSQL.
type TaskResultRepo struct{ db *DB }

// NewTaskResultRepo constructs a status store repository.
func NewTaskResultRepo(db *DB) *TaskResultRepo { return &TaskResultRepo{db: db} }

// Select returns a single row by key.
func (r *TaskResultRepo) Select(ctx context.Context, tenant, key string) (*model.DocumentRecord, error) {
	const q = `SELECT ` + recordCols + ` FROM task_result WHERE tenant=$1 AND id=$2`
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx, q, tenant, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Upsert inserts the row or registers one more opener of an existing row.
func (r *TaskResultRepo) Upsert(ctx context.Context, rec model.DocumentRecord) (model.UpsertResult, error) {
	const q = `
INSERT INTO task_result (tenant, id, status, status_info, last_open_date, user_index, change_id, callback, baseurl, additional)
VALUES ($1, $2, $3, $4, $5, 1, $6,
  CASE WHEN $7::text = '' THEN '[]'::jsonb ELSE jsonb_build_array(jsonb_build_object('userIndex', 1, 'callback', $7::text)) END,
  $8, $9)
ON CONFLICT (tenant, id) DO UPDATE SET
  last_open_date = EXCLUDED.last_open_date,
  user_index = task_result.user_index + 1,
  callback = CASE WHEN $7::text = '' THEN task_result.callback
    ELSE task_result.callback || jsonb_build_array(jsonb_build_object('userIndex', task_result.user_index + 1, 'callback', $7::text)) END,
  baseurl = CASE WHEN $8 = '' THEN task_result.baseurl ELSE EXCLUDED.baseurl END
RETURNING (xmax = 0) AS inserted, user_index`

	lastOpen := rec.LastOpenDate
	if lastOpen.IsZero() {
		lastOpen = time.Now().UTC()
	}
	var res model.UpsertResult
	err := r.db.Pool.QueryRow(ctx, q,
		rec.Tenant, rec.Key, int(rec.Status), rec.StatusInfo, lastOpen, rec.ChangeID,
		rec.Callback.ByUserIndex(0), rec.BaseURL, rec.Additional,
	).Scan(&res.Inserted, &res.UserIndex)
	if err != nil {
		return model.UpsertResult{}, err
	}
	return res, nil
}

// UpdateIf is the compare-and-set primitive of the status store.
func (r *TaskResultRepo) UpdateIf(ctx context.Context, upd model.TaskUpdate, mask model.TaskMask) (int64, error) {
	set, args := setClause(upd)
	if set == "" {
		return 0, errors.New("validation: empty update")
	}
	where, args := whereClause(mask, args)
	tag, err := r.db.Pool.Exec(ctx, `UPDATE task_result SET `+set+` WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Update applies upd to the row without checking its state.
func (r *TaskResultRepo) Update(ctx context.Context, tenant, key string, upd model.TaskUpdate) (int64, error) {
	return r.UpdateIf(ctx, upd, model.TaskMask{Tenant: tenant, Key: key})
}

// Remove deletes a row by key.
func (r *TaskResultRepo) Remove(ctx context.Context, tenant, key string) (int64, error) {
	return r.RemoveIf(ctx, model.TaskMask{Tenant: tenant, Key: key})
}

// RemoveIf deletes a row only when it still matches mask.
func (r *TaskResultRepo) RemoveIf(ctx context.Context, mask model.TaskMask) (int64, error) {
	where, args := whereClause(mask, nil)
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM task_result WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AddRandomKeyTask creates a save-key row in WaitQueue.
func (r *TaskResultRepo) AddRandomKeyTask(ctx context.Context, tenant, docID string) (string, error) {
	const q = `INSERT INTO task_result (tenant, id, status, status_info, last_open_date) VALUES ($1, $2, $3, $4, now())`
	for i := 0; i < randomKeyAttempts; i++ {
		key := docID + "_" + uuid.Must(uuid.NewV4()).String()
		_, err := r.db.Pool.Exec(ctx, q, tenant, key, int(model.StatusWaitQueue), model.NoError)
		if err == nil {
			return key, nil
		}
		if !isUniqueViolation(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("random key for %s: %w", docID, errs.ErrAlreadyExists)
}

// GetExpired returns rows whose last open is older than maxAge, oldest first.
func (r *TaskResultRepo) GetExpired(ctx context.Context, limit int, maxAge time.Duration) ([]model.DocumentRecord, error) {
	const q = `SELECT ` + recordCols + ` FROM task_result
WHERE last_open_date <= now() - $1 * interval '1 second'
ORDER BY last_open_date ASC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, int64(maxAge/time.Second), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DocumentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*model.DocumentRecord, error) {
	var (
		rec    model.DocumentRecord
		status int
		cb     []byte
	)
	err := row.Scan(&rec.Tenant, &rec.Key, &status, &rec.StatusInfo, &rec.CreatedAt, &rec.LastOpenDate,
		&rec.UserIndex, &rec.ChangeID, &cb, &rec.BaseURL, &rec.Password, &rec.Additional)
	if err != nil {
		return nil, err
	}
	rec.Status = model.FileStatus(status)
	rec.Callback = model.ParseUserCallbacks(cb)
	return &rec, nil
}

// setClause renders the SET list of upd with positional args starting at $1.
func setClause(upd model.TaskUpdate) (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		parts = append(parts, col+"=$"+strconv.Itoa(len(args)))
	}
	if upd.Status != nil {
		add("status", int(*upd.Status))
	}
	if upd.StatusInfo != nil {
		add("status_info", *upd.StatusInfo)
	}
	if upd.Password != nil {
		add("password", *upd.Password)
	}
	if upd.LastOpenDate != nil {
		add("last_open_date", *upd.LastOpenDate)
	}
	return strings.Join(parts, ", "), args
}

// whereClause renders the row condition of mask, continuing the numbering of args.
func whereClause(mask model.TaskMask, args []any) (string, []any) {
	args = append(args, mask.Tenant, mask.Key)
	n := len(args)
	where := "tenant=$" + strconv.Itoa(n-1) + " AND id=$" + strconv.Itoa(n)
	if mask.Status != nil {
		args = append(args, int(*mask.Status))
		where += " AND status=$" + strconv.Itoa(len(args))
	}
	if mask.StatusInfo != nil {
		args = append(args, *mask.StatusInfo)
		where += " AND status_info=$" + strconv.Itoa(len(args))
	}
	return where, args
}
