// Package memory contains in-process implementations of repository interfaces.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/gofrs/uuid/v5"
)

type rowKey struct{ tenant, key string }

// TaskResultRepo is a status store held in a map. Every operation runs under
// one mutex, so UpdateIf has the same all-or-nothing outcome as the SQL version.
type TaskResultRepo struct {
	mu   sync.Mutex
	rows map[rowKey]*model.DocumentRecord
	now  func() time.Time
}

// NewTaskResultRepo constructs an empty store. now may be nil.
func NewTaskResultRepo(now func() time.Time) *TaskResultRepo {
	if now == nil {
		now = time.Now
	}
	return &TaskResultRepo{rows: make(map[rowKey]*model.DocumentRecord), now: now}
}

// Select returns a copy of the row.
func (r *TaskResultRepo) Select(_ context.Context, tenant, key string) (*model.DocumentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[rowKey{tenant, key}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneRecord(row), nil
}

// Upsert inserts rec or registers one more opener of the existing row.
func (r *TaskResultRepo) Upsert(_ context.Context, rec model.DocumentRecord) (model.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if rec.LastOpenDate.IsZero() {
		rec.LastOpenDate = now
	}
	cb := rec.Callback.ByUserIndex(0)
	k := rowKey{rec.Tenant, rec.Key}
	row, ok := r.rows[k]
	if !ok {
		row = cloneRecord(&rec)
		row.CreatedAt = now
		row.UserIndex = 1
		row.Callback = nil
		if cb != "" {
			row.Callback = model.UserCallbacks{{UserIndex: 1, Callback: cb}}
		}
		r.rows[k] = row
		return model.UpsertResult{Inserted: true, UserIndex: 1}, nil
	}
	row.LastOpenDate = rec.LastOpenDate
	row.UserIndex++
	if cb != "" {
		row.Callback = append(row.Callback, model.UserCallback{UserIndex: row.UserIndex, Callback: cb})
	}
	if rec.BaseURL != "" {
		row.BaseURL = rec.BaseURL
	}
	return model.UpsertResult{UserIndex: row.UserIndex}, nil
}

// UpdateIf applies upd when the row matches mask.
func (r *TaskResultRepo) UpdateIf(_ context.Context, upd model.TaskUpdate, mask model.TaskMask) (int64, error) {
	if upd.Status == nil && upd.StatusInfo == nil && upd.Password == nil && upd.LastOpenDate == nil {
		return 0, errors.New("validation: empty update")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.match(mask)
	if !ok {
		return 0, nil
	}
	if upd.Status != nil {
		row.Status = *upd.Status
	}
	if upd.StatusInfo != nil {
		row.StatusInfo = *upd.StatusInfo
	}
	if upd.Password != nil {
		row.Password = *upd.Password
	}
	if upd.LastOpenDate != nil {
		row.LastOpenDate = *upd.LastOpenDate
	}
	return 1, nil
}

// Update applies upd to the row without checking its state.
func (r *TaskResultRepo) Update(ctx context.Context, tenant, key string, upd model.TaskUpdate) (int64, error) {
	return r.UpdateIf(ctx, upd, model.TaskMask{Tenant: tenant, Key: key})
}

// Remove deletes the row.
func (r *TaskResultRepo) Remove(ctx context.Context, tenant, key string) (int64, error) {
	return r.RemoveIf(ctx, model.TaskMask{Tenant: tenant, Key: key})
}

// RemoveIf deletes the row when it matches mask.
func (r *TaskResultRepo) RemoveIf(_ context.Context, mask model.TaskMask) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.match(mask); !ok {
		return 0, nil
	}
	delete(r.rows, rowKey{mask.Tenant, mask.Key})
	return 1, nil
}

// AddRandomKeyTask creates a WaitQueue row under a fresh random key.
func (r *TaskResultRepo) AddRandomKeyTask(_ context.Context, tenant, docID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := docID + "_" + uuid.Must(uuid.NewV4()).String()
	k := rowKey{tenant, key}
	if _, ok := r.rows[k]; ok {
		return "", fmt.Errorf("random key for %s: %w", docID, errs.ErrAlreadyExists)
	}
	now := r.now()
	r.rows[k] = &model.DocumentRecord{
		Tenant: tenant, Key: key, Status: model.StatusWaitQueue,
		CreatedAt: now, LastOpenDate: now, UserIndex: 1,
	}
	return key, nil
}

// GetExpired returns up to limit rows not opened within maxAge, oldest first.
func (r *TaskResultRepo) GetExpired(_ context.Context, limit int, maxAge time.Duration) ([]model.DocumentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edge := r.now().Add(-maxAge)
	var out []model.DocumentRecord
	for _, row := range r.rows {
		if !row.LastOpenDate.After(edge) {
			out = append(out, *cloneRecord(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastOpenDate.Before(out[j].LastOpenDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TaskResultRepo) match(mask model.TaskMask) (*model.DocumentRecord, bool) {
	row, ok := r.rows[rowKey{mask.Tenant, mask.Key}]
	if !ok {
		return nil, false
	}
	if mask.Status != nil && row.Status != *mask.Status {
		return nil, false
	}
	if mask.StatusInfo != nil && row.StatusInfo != *mask.StatusInfo {
		return nil, false
	}
	return row, true
}

func cloneRecord(rec *model.DocumentRecord) *model.DocumentRecord {
	c := *rec
	c.Callback = append(model.UserCallbacks(nil), rec.Callback...)
	return &c
}
