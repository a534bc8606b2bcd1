// Package repository declares storage contracts used by services.
package repository

import (
	"context"
	"time"

	"github.com/and161185/docservice/internal/model"
)

// TaskResultRepository is the status store: one row per document key.
// UpdateIf is the only primitive allowed to change a row's status.
type TaskResultRepository interface {
	// Select returns the row for key or errs.ErrNotFound.
	Select(ctx context.Context, tenant, key string) (*model.DocumentRecord, error)

	// Upsert inserts rec, or touches last_open_date, bumps user_index and
	// appends the latest callback of rec when the row already exists.
	Upsert(ctx context.Context, rec model.DocumentRecord) (model.UpsertResult, error)

	// UpdateIf applies upd only when the row matches mask and returns the affected count.
	// Zero means the caller lost a race; it is not an error.
	UpdateIf(ctx context.Context, upd model.TaskUpdate, mask model.TaskMask) (int64, error)

	// Update applies upd to the row unconditionally.
	Update(ctx context.Context, tenant, key string, upd model.TaskUpdate) (int64, error)

	// Remove deletes the row.
	Remove(ctx context.Context, tenant, key string) (int64, error)

	// RemoveIf deletes the row only when it matches mask.
	RemoveIf(ctx context.Context, mask model.TaskMask) (int64, error)

	// AddRandomKeyTask creates a WaitQueue row keyed docID_<random> and returns its key.
	AddRandomKeyTask(ctx context.Context, tenant, docID string) (string, error)

	// GetExpired returns up to limit rows not opened for longer than maxAge.
	GetExpired(ctx context.Context, limit int, maxAge time.Duration) ([]model.DocumentRecord, error)
}
