// Package httpapi exposes the document service over HTTP.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/scheduler"
	"github.com/and161185/docservice/internal/service"
	"github.com/and161185/docservice/internal/storage"
)

// TenantHeader selects the tenant of a request.
const TenantHeader = "X-Docs-Tenant"

// Outputs hands out the results published for a document.
type Outputs interface {
	Take(ctx context.Context, docID string) []model.OutputData
}

// Sessions tracks connection timeouts.
type Sessions interface {
	Lookup(connID string) (*model.Connection, bool)
	RegisterConnection(conn *model.Connection, t scheduler.Timeouts)
	ConfigureConnection(connID string, t scheduler.Timeouts)
	RecordActivity(connID string, at time.Time)
	RemoveConnection(connID string)
}

// Files serves signed storage URLs.
type Files interface {
	OpenSigned(token, full string) (io.ReadCloser, int64, *storage.URLClaims, error)
}

// Deps are the collaborators of the router.
type Deps struct {
	Docs     service.DocService
	Outputs  Outputs
	Sessions Sessions
	Files    Files
}

// Options tune the router.
type Options struct {
	InboxSecret     []byte             // HS256 key for command tokens; empty disables the check
	MaxBody         int64              // default 64 MiB
	SessionTimeouts scheduler.Timeouts // applied to connections registered by open
	Health          func(ctx context.Context) error
	Now             func() time.Time
}

type api struct {
	d    Deps
	opts Options
	log  *zap.Logger
}

// New builds the chi router.
func New(d Deps, opts Options, log *zap.Logger) http.Handler {
	if opts.MaxBody <= 0 {
		opts.MaxBody = 64 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &api{d: d, opts: opts, log: log.With(zap.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(requestMetrics)
	r.Use(requestLogger(a.log))
	r.Use(recoverer(a.log))
	r.Use(tenantCtx)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/storage/*", a.download)

	r.Group(func(r chi.Router) {
		r.Use(inboxAuth(opts.InboxSecret))

		r.Post("/coauthoring/{op}", a.coauthoring)
		r.Post("/downloadas/{docId}", a.downloadAs)
		r.Post("/internal/tasks", a.receiveTask)

		r.Route("/docs/{docId}", func(r chi.Router) {
			r.Post("/changes", a.changes)
			r.Post("/forcesave", a.forceSave)
			r.Post("/saved", a.saved)
			r.Get("/output", a.output)
		})

		r.Route("/sessions/{connId}", func(r chi.Router) {
			r.Post("/", a.registerSession)
			r.Put("/", a.configureSession)
			r.Delete("/", a.closeSession)
			r.Post("/activity", a.activity)
		})
	})
	return r
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.opts.Health != nil {
		if err := a.opts.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}
