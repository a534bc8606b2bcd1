package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docservice/internal/callback"
	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/queue"
	memrepo "github.com/and161185/docservice/internal/repository/memory"
	"github.com/and161185/docservice/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTenant = "t1"

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type deliverCall struct {
	task model.TaskQueueData
	mode callback.Mode
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []deliverCall
	shutdown bool
	err      error
}

var _ Deliverer = (*fakeEngine)(nil)

func (f *fakeEngine) Deliver(_ context.Context, task *model.TaskQueueData, mode callback.Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverCall{task: *task, mode: mode})
	return `{"error":0}`, f.err
}

func (f *fakeEngine) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *fakeEngine) delivered() []deliverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliverCall(nil), f.calls...)
}

type harness struct {
	s     *DocServiceImpl
	repo  *memrepo.TaskResultRepo
	store *storage.LocalStore
	ed    *editordata.Memory
	q     *queue.Memory
	eng   *fakeEngine
	box   *OutputBox
	ctx   context.Context
	ref   editordata.DocRef
}

type harnessOpt func(*Deps, *Options)

func withCaps(c Capabilities) harnessOpt {
	return func(_ *Deps, o *Options) { o.Caps = c }
}

func withEngine(e Deliverer) harnessOpt {
	return func(d *Deps, _ *Options) { d.Engine = e }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	now := func() time.Time { return testNow }
	store, err := storage.NewLocalStore(t.TempDir(), storage.NewSigner([]byte("url-key"), time.Hour, time.Minute))
	require.NoError(t, err)
	h := &harness{
		repo:  memrepo.NewTaskResultRepo(now),
		store: store,
		ed:    editordata.NewMemory(now),
		q:     queue.NewMemory(),
		eng:   &fakeEngine{},
		box:   NewOutputBox(0),
		ctx:   opctx.With(context.Background(), opctx.Op{Tenant: testTenant, DocID: "A"}),
		ref:   editordata.DocRef{Tenant: testTenant, DocID: "A"},
	}
	d := Deps{Repo: h.repo, Store: h.store, Editor: h.ed, Queue: h.q, Engine: h.eng, Outputs: h.box}
	o := Options{Now: now, UpdateVersionExpiry: 5 * time.Minute}
	for _, fn := range opts {
		fn(&d, &o)
	}
	h.s = NewDocService(d, o, zaptest.NewLogger(t))
	return h
}

func conn(id string) *model.Connection {
	return &model.Connection{ID: id, DocID: "A", UserID: "u-" + id, BaseURL: "http://docs.local"}
}

func openCmd() *model.Command {
	return &model.Command{Name: model.CmdOpen, DocID: "A", URL: "http://owner/A.docx", Format: "docx"}
}

// seed creates row A and moves it to st/info.
func (h *harness) seed(t *testing.T, st model.FileStatus, info int) {
	t.Helper()
	_, err := h.repo.Upsert(h.ctx, model.DocumentRecord{Tenant: testTenant, Key: "A", Status: model.StatusNone, BaseURL: "http://docs.local"})
	require.NoError(t, err)
	if st == model.StatusNone {
		return
	}
	n, err := h.repo.UpdateIf(h.ctx, model.SetStatus(st, info), model.MaskStatus(testTenant, "A", model.StatusNone))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func (h *harness) setPassword(t *testing.T, enc string) {
	t.Helper()
	_, err := h.repo.Update(h.ctx, testTenant, "A", model.TaskUpdate{Password: &enc})
	require.NoError(t, err)
}

func (h *harness) row(t *testing.T, key string) *model.DocumentRecord {
	t.Helper()
	rec, err := h.repo.Select(h.ctx, testTenant, key)
	require.NoError(t, err)
	return rec
}

func resultFor(task model.TaskQueueData, code int) []byte {
	task.Cmd.StatusInfo = code
	b, err := json.Marshal(task)
	if err != nil {
		panic(err)
	}
	return b
}
