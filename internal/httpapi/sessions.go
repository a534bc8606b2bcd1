package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/scheduler"
	"github.com/and161185/docservice/internal/service"
)

// Session event outputs published to the document's output box.
const (
	OutputSessionIdle     = "sessionIdle"
	OutputSessionAbsolute = "sessionAbsolute"
	StatusWarning         = "warning"
	StatusClosed          = "closed"
)

type registerRequest struct {
	DocID      string        `json:"docId"`
	Connection connectionDTO `json:"connection"`
	IdleMs     int64         `json:"idleMs"`
	AbsoluteMs int64         `json:"absoluteMs"`
}

type configureRequest struct {
	IdleMs     *int64 `json:"idleMs,omitempty"`
	AbsoluteMs *int64 `json:"absoluteMs,omitempty"`
}

func msOrKeep(v *int64) time.Duration {
	if v == nil || *v < 0 {
		return -1
	}
	return time.Duration(*v) * time.Millisecond
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) bool {
	if a.d.Sessions == nil {
		a.fail(w, r, "", fmt.Errorf("sessions: %w", errs.ErrNotFound))
		return false
	}
	return true
}

func (a *api) registerSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions(w, r) {
		return
	}
	var req registerRequest
	if err := a.decode(r, &req); err != nil || req.DocID == "" {
		a.fail(w, r, "", fmt.Errorf("%w: bad session", errs.ErrInvalidCommand))
		return
	}
	req.Connection.ID = chi.URLParam(r, "connId")
	conn, _ := a.connection(r.Context(), req.Connection, req.DocID)
	a.d.Sessions.RegisterConnection(conn, scheduler.Timeouts{
		Idle:     time.Duration(max(req.IdleMs, 0)) * time.Millisecond,
		Absolute: time.Duration(max(req.AbsoluteMs, 0)) * time.Millisecond,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) configureSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions(w, r) {
		return
	}
	connID := chi.URLParam(r, "connId")
	var req configureRequest
	if err := a.decode(r, &req); err != nil {
		a.fail(w, r, "", fmt.Errorf("%w: %v", errs.ErrInvalidCommand, err))
		return
	}
	if _, ok := a.d.Sessions.Lookup(connID); !ok {
		a.fail(w, r, "", fmt.Errorf("session %s: %w", connID, errs.ErrNotFound))
		return
	}
	a.d.Sessions.ConfigureConnection(connID, scheduler.Timeouts{Idle: msOrKeep(req.IdleMs), Absolute: msOrKeep(req.AbsoluteMs)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) activity(w http.ResponseWriter, r *http.Request) {
	if !a.sessions(w, r) {
		return
	}
	connID := chi.URLParam(r, "connId")
	if _, ok := a.d.Sessions.Lookup(connID); !ok {
		a.fail(w, r, "", fmt.Errorf("session %s: %w", connID, errs.ErrNotFound))
		return
	}
	a.d.Sessions.RecordActivity(connID, a.opts.Now())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) closeSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions(w, r) {
		return
	}
	connID := chi.URLParam(r, "connId")
	conn, ok := a.d.Sessions.Lookup(connID)
	if !ok {
		a.fail(w, r, "", fmt.Errorf("session %s: %w", connID, errs.ErrNotFound))
		return
	}
	a.d.Sessions.RemoveConnection(connID)
	if err := a.d.Docs.CloseSession(connCtx(r.Context(), conn), conn); err != nil {
		a.fail(w, r, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func connCtx(ctx context.Context, c *model.Connection) context.Context {
	return opctx.With(ctx, opctx.Op{Tenant: c.Tenant, DocID: c.DocID, UserID: c.UserID})
}

// SessionCallbacks closes timed-out connections through docs and tells the
// document's clients about warnings and closes through pub.
func SessionCallbacks(docs service.DocService, pub service.Publisher, log *zap.Logger) scheduler.Callbacks {
	notify := func(ctx context.Context, c *model.Connection, typ, status string) error {
		return pub.Publish(ctx, c.DocID, model.OutputData{Type: typ, Status: status, Data: c.ID})
	}
	closeConn := func(typ string) func(context.Context, *model.Connection) error {
		return func(ctx context.Context, c *model.Connection) error {
			ctx = connCtx(ctx, c)
			opctx.Logger(ctx, log).Info("session timed out", zap.String("connId", c.ID), zap.String("kind", typ))
			if err := docs.CloseSession(ctx, c); err != nil {
				return fmt.Errorf("close session: %w", err)
			}
			return notify(ctx, c, typ, StatusClosed)
		}
	}
	return scheduler.Callbacks{
		IdleWarning: func(ctx context.Context, c *model.Connection, _ time.Duration) error {
			return notify(connCtx(ctx, c), c, OutputSessionIdle, StatusWarning)
		},
		IdleClose: closeConn(OutputSessionIdle),
		AbsoluteWarning: func(ctx context.Context, c *model.Connection) error {
			return notify(connCtx(ctx, c), c, OutputSessionAbsolute, StatusWarning)
		},
		AbsoluteClose: closeConn(OutputSessionAbsolute),
	}
}
