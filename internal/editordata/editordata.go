// Package editordata keeps short-lived per-document editing state: who is
// connected, force-save progress, change markers and save generations.
package editordata

import (
	"context"
	"strings"
	"time"

	"github.com/and161185/docservice/internal/model"
)

// Presence describes one connection editing a document.
type Presence struct {
	ConnID    string `json:"connId"`
	UserID    string `json:"userId"`
	UserIndex int    `json:"userIndex"`
	View      bool   `json:"view,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// DocRef names a document across tenants.
type DocRef struct {
	Tenant string
	DocID  string
}

func (d DocRef) member() string { return d.Tenant + "|" + d.DocID }

func parseMember(s string) DocRef {
	t, id, _ := strings.Cut(s, "|")
	return DocRef{Tenant: t, DocID: id}
}

// Store is the editor data contract.
type Store interface {
	// AddPresence records or refreshes a connection; the document expires ttl after its latest refresh.
	AddPresence(ctx context.Context, ref DocRef, p Presence, ttl time.Duration) error
	// RemovePresence forgets a connection.
	RemovePresence(ctx context.Context, ref DocRef, connID string) error
	// EditorsCount returns the number of connections that may edit.
	EditorsCount(ctx context.Context, ref DocRef) (int, error)
	// Presence lists current connections.
	Presence(ctx context.Context, ref DocRef) ([]Presence, error)

	// GetForceSave returns the latest force-save record or nil.
	GetForceSave(ctx context.Context, ref DocRef) (*model.ForceSave, error)
	// StartForceSave stores fs unless an unfinished force-save exists. It returns the current record.
	StartForceSave(ctx context.Context, ref DocRef, fs model.ForceSave) (bool, *model.ForceSave, error)
	// EndForceSave marks the force-save started at startedAt as ended.
	EndForceSave(ctx context.Context, ref DocRef, startedAt int64) (bool, error)

	// GetDelSaved reads and clears the owner's saved flag; nil means it was never set.
	GetDelSaved(ctx context.Context, ref DocRef) (*string, error)
	// SetSaved sets the owner's saved flag.
	SetSaved(ctx context.Context, ref DocRef, val string) error

	// MarkChanged records that the document has unsaved changes.
	MarkChanged(ctx context.Context, ref DocRef) error
	// HasChanges reports whether MarkChanged was called since the last cleanup.
	HasChanges(ctx context.Context, ref DocRef) (bool, error)
	// NextGeneration returns a new save generation, increasing per document.
	NextGeneration(ctx context.Context, ref DocRef) (int, error)
	// CleanDocumentOnExit drops every per-document key.
	CleanDocumentOnExit(ctx context.Context, ref DocRef) error

	// AddShutdown marks a document as being saved during shutdown.
	AddShutdown(ctx context.Context, ref DocRef) error
	// RemoveShutdown clears the shutdown mark.
	RemoveShutdown(ctx context.Context, ref DocRef) error
	// ShutdownCount returns the number of documents still being saved for shutdown.
	ShutdownCount(ctx context.Context) (int, error)

	// PresenceExpired pops up to limit documents whose presence expired before now.
	PresenceExpired(ctx context.Context, now time.Time, limit int) ([]DocRef, error)
	// SetForceSaveTimer schedules a timeout force-save at. An existing timer is kept.
	SetForceSaveTimer(ctx context.Context, ref DocRef, at time.Time) error
	// ForceSaveTimers pops up to limit documents whose timer fired before now.
	ForceSaveTimers(ctx context.Context, now time.Time, limit int) ([]DocRef, error)
}
