package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/queue"
	memrepo "github.com/and161185/docservice/internal/repository/memory"
	"github.com/and161185/docservice/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTenant = "t1"

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned []string
	masks   []model.TaskMask
}

func (c *fakeCleaner) CleanupCache(_ context.Context, _ string, docID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, docID)
	return true, nil
}

func (c *fakeCleaner) CleanupCacheIf(_ context.Context, mask model.TaskMask) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masks = append(c.masks, mask)
	return true, nil
}

var _ Cleaner = (*fakeCleaner)(nil)

type harness struct {
	e     *Engine
	repo  *memrepo.TaskResultRepo
	store *storage.LocalStore
	ed    *editordata.Memory
	q     *queue.Memory
	cl    *fakeCleaner
	ref   editordata.DocRef
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), storage.NewSigner([]byte("url-key"), time.Hour, time.Minute))
	require.NoError(t, err)
	h := &harness{
		repo:  memrepo.NewTaskResultRepo(nil),
		store: store,
		ed:    editordata.NewMemory(nil),
		q:     queue.NewMemory(),
		cl:    &fakeCleaner{},
		ref:   editordata.DocRef{Tenant: testTenant, DocID: "doc1"},
	}
	st, err := ParseStatusRanges("429,500-599")
	require.NoError(t, err)
	h.e = NewEngine(Deps{
		Repo:    h.repo,
		Store:   h.store,
		Editor:  h.ed,
		Queue:   h.q,
		Sender:  NewSender(SenderOptions{Timeout: 5 * time.Second}),
		WOPI:    NewWOPIClient(5 * time.Second),
		Cleaner: h.cl,
	}, Options{Backoff: BackoffOptions{Retries: 3, MinTimeout: time.Second, MaxTimeout: time.Hour, Statuses: st}}, zaptest.NewLogger(t))
	return h
}

// seed creates doc1 with callback and moves it to st/info.
func (h *harness) seed(t *testing.T, callback string, st model.FileStatus, info int) {
	t.Helper()
	ctx := context.Background()
	rec := model.DocumentRecord{Tenant: testTenant, Key: "doc1", Status: model.StatusNone, BaseURL: "http://docs.local"}
	if callback != "" {
		rec.Callback = model.UserCallbacks{{Callback: callback}}
	}
	_, err := h.repo.Upsert(ctx, rec)
	require.NoError(t, err)
	n, err := h.repo.UpdateIf(ctx, model.SetStatus(st, info), model.MaskStatus(testTenant, "doc1", model.StatusNone))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func (h *harness) putSaved(t *testing.T, saveKey string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.PutObject(ctx, testTenant, "doc1"+saveKey+"/output.docx", strings.NewReader("DOCX")))
	require.NoError(t, h.store.PutObject(ctx, testTenant, "doc1"+saveKey+"/changesHistory.json", strings.NewReader(`{"changes":[{"user":"u1"}]}`)))
	require.NoError(t, h.store.PutObject(ctx, testTenant, "doc1"+saveKey+"/changes.zip", strings.NewReader("ZIP")))
}

func (h *harness) row(t *testing.T) (model.FileStatus, int) {
	t.Helper()
	rec, err := h.repo.Select(context.Background(), testTenant, "doc1")
	require.NoError(t, err)
	return rec.Status, rec.StatusInfo
}

func (h *harness) forgotten(t *testing.T) []string {
	t.Helper()
	list, err := h.store.ListObjects(context.Background(), testTenant, storage.ForgottenPrefix("doc1"))
	require.NoError(t, err)
	return list
}

func sfcTask(saveKey string, gen int) *model.TaskQueueData {
	return &model.TaskQueueData{
		Ctx: model.TaskContext{Tenant: testTenant, DocID: "doc1"},
		Cmd: model.Command{
			Name: model.CmdSfc, DocID: "doc1", SaveKey: saveKey, OutputPath: "output.docx",
			StatusInfoIn: gen, UserID: "u1", UserIndex: 1, UserData: "ud",
		},
	}
}

func decodePayload(t *testing.T, c captured) model.CallbackPayload {
	t.Helper()
	var p model.CallbackPayload
	require.NoError(t, json.Unmarshal(c.body, &p))
	return p
}

func TestEngine_ConfirmedDeliveryFinalizesRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	require.NoError(t, h.ed.MarkChanged(context.Background(), h.ref))

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)

	p := decodePayload(t, <-reqs)
	require.Equal(t, "doc1", p.Key)
	require.Equal(t, model.ServerStatusMustSave, p.Status)
	require.Contains(t, p.URL, "http://docs.local/storage/")
	require.NotEmpty(t, p.ChangesURL)
	require.JSONEq(t, `{"changes":[{"user":"u1"}]}`, string(p.History))
	require.Equal(t, "docx", p.FileType)
	require.Equal(t, []string{"u1"}, p.Users)
	require.Equal(t, []model.CallbackAction{{Type: model.ActionOut, UserID: "u1"}}, p.Actions)
	require.NotEmpty(t, p.LastSave)

	st, info := h.row(t)
	require.Equal(t, model.StatusOk, st)
	require.Equal(t, model.NoError, info)
	changed, err := h.ed.HasChanges(context.Background(), h.ref)
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, h.forgotten(t))
	require.Empty(t, h.q.Delayed())
}

func TestEngine_UpdateVersionAcceptsAnyGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusUpdateVersion, 28_000_000)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 7), Mode{})
	require.NoError(t, err)
	<-reqs

	st, info := h.row(t)
	require.Equal(t, model.StatusOk, st)
	require.Equal(t, model.NoError, info)
}

func TestEngine_RetriesWithBackoffThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, func(n int) (int, string) {
		if n < 3 {
			return http.StatusServiceUnavailable, "busy"
		}
		return http.StatusOK, `{"error":0}`
	})
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	task := sfcTask("_k1", 42)
	var delays []time.Duration
	for i := 0; i < 3; i++ {
		_, err := h.e.Deliver(context.Background(), task, Mode{})
		require.NoError(t, err)

		delayed := h.q.Delayed()
		require.Len(t, delayed, i+1)
		last := delayed[i]
		require.Equal(t, i+1, last.Task.Cmd.Attempt)
		delays = append(delays, last.Delay)

		st, info := h.row(t)
		require.Equal(t, model.StatusSaveVersion, st)
		require.Equal(t, 42, info)
		require.Empty(t, h.forgotten(t))
		task = &last.Task
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	_, err := h.e.Deliver(context.Background(), task, Mode{})
	require.NoError(t, err)
	st, _ := h.row(t)
	require.Equal(t, model.StatusOk, st)
	require.Len(t, h.q.Delayed(), 3)
}

func TestEngine_RetriesExhaustedKeepsForgottenCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusBadGateway, "down"))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	task := sfcTask("_k1", 42)
	task.Cmd.Attempt = 3
	_, err := h.e.Deliver(context.Background(), task, Mode{})
	require.NoError(t, err)

	require.Empty(t, h.q.Delayed())
	require.Equal(t, []string{"forgotten/doc1/output.docx"}, h.forgotten(t))
	b, err := h.store.GetObject(context.Background(), testTenant, "forgotten/doc1/output.docx")
	require.NoError(t, err)
	require.Equal(t, "DOCX", string(b))

	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
	require.Len(t, h.cl.masks, 1)
	require.Equal(t, model.StatusSaveVersion, *h.cl.masks[0].Status)
}

func TestEngine_UnscheduledRetryKeepsForgottenCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusServiceUnavailable, "busy"))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	h.q.FailWith(errs.ErrShutdown)

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)

	require.Empty(t, h.q.Delayed())
	require.Equal(t, []string{"forgotten/doc1/output.docx"}, h.forgotten(t))
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
	require.Len(t, h.cl.masks, 1)
}

func TestEngine_NonRetryableStatusKeepsForgottenCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusBadRequest, "bad"))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Empty(t, h.q.Delayed())
	require.Len(t, h.forgotten(t), 1)
}

func TestEngine_ShutdownDisablesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusServiceUnavailable, "busy"))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	require.NoError(t, h.ed.AddShutdown(context.Background(), h.ref))
	h.e.SetShutdown(true)

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Empty(t, h.q.Delayed())
	require.Len(t, h.forgotten(t), 1)
	n, err := h.ed.ShutdownCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_RejectedReplyKeepsForgottenCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusOK, `{"error":1}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Empty(t, h.q.Delayed())
	require.Len(t, h.forgotten(t), 1)
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
}

func TestEngine_SavedFlagZeroIsNotConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	require.NoError(t, h.ed.SetSaved(context.Background(), h.ref, "0"))

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Len(t, h.forgotten(t), 1)
	st, _ := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
}

func TestEngine_StaleGenerationIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 41), Mode{})
	require.NoError(t, err)

	require.Empty(t, reqs)
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
	require.Empty(t, h.forgotten(t))
	require.Empty(t, h.q.Delayed())
}

func TestEngine_ReopenedDocumentPostponesCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	require.NoError(t, h.ed.AddPresence(context.Background(), h.ref, editordata.Presence{ConnID: "c2", UserID: "u2"}, time.Minute))

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Empty(t, reqs)
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
	require.Empty(t, h.forgotten(t))
}

func TestEngine_NoCallbackKeepsForgottenCopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, "", model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)
	require.Equal(t, []string{"forgotten/doc1/output.docx"}, h.forgotten(t))
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
	require.Len(t, h.cl.masks, 1)
}

func TestEngine_OpenedFromForgottenSkipsHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")
	ctx := context.Background()
	require.NoError(t, h.store.PutObject(ctx, testTenant, "forgotten/doc1/output.docx", strings.NewReader("OLD")))
	require.NoError(t, h.store.PutObject(ctx, testTenant, h.e.ForgottenMarker("doc1"), strings.NewReader("")))

	_, err := h.e.Deliver(ctx, sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)

	p := decodePayload(t, <-reqs)
	require.Empty(t, p.ChangesURL)
	require.JSONEq(t, `{}`, string(p.History))
	require.Equal(t, []string{"doc1"}, h.cl.cleaned)
}

func TestEngine_ForceSaveInternalDoesNotSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusOk, model.NoError)
	h.putSaved(t, "_k1")
	fs := model.ForceSave{Type: model.ForceSaveInternal, Time: 1700000000000}
	started, _, err := h.ed.StartForceSave(context.Background(), h.ref, fs)
	require.NoError(t, err)
	require.True(t, started)

	task := sfcTask("_k1", 0)
	task.Cmd.Name = model.CmdSfcm
	task.Cmd.ForceSave = &fs
	_, err = h.e.Deliver(context.Background(), task, Mode{ForceSave: true})
	require.NoError(t, err)

	require.Empty(t, reqs)
	cur, err := h.ed.GetForceSave(context.Background(), h.ref)
	require.NoError(t, err)
	require.True(t, cur.Ended)
	st, _ := h.row(t)
	require.Equal(t, model.StatusOk, st)
}

func TestEngine_ForceSaveButtonReportsAuthor(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusOk, model.NoError)
	h.putSaved(t, "_k1")
	fs := model.ForceSave{Type: model.ForceSaveButton, AuthorUserID: "u7", Time: 1700000000000}
	_, _, err := h.ed.StartForceSave(context.Background(), h.ref, fs)
	require.NoError(t, err)

	task := sfcTask("_k1", 0)
	task.Cmd.Name = model.CmdSfcm
	task.Cmd.ForceSave = &fs
	_, err = h.e.Deliver(context.Background(), task, Mode{ForceSave: true})
	require.NoError(t, err)

	p := decodePayload(t, <-reqs)
	require.Equal(t, model.ServerStatusMustSaveForce, p.Status)
	require.NotNil(t, p.ForceSaveType)
	require.Equal(t, model.ForceSaveButton, *p.ForceSaveType)
	require.Equal(t, "2023-11-14T22:13:20.000Z", p.LastSave)
	require.Equal(t, []model.CallbackAction{{Type: model.ActionForceSaveButton, UserID: "u7"}}, p.Actions)

	cur, err := h.ed.GetForceSave(context.Background(), h.ref)
	require.NoError(t, err)
	require.True(t, cur.Ended)
}

func TestEngine_ForceSaveSkippedAfterFinalSaveStarted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	task := sfcTask("_k1", 0)
	task.Cmd.Name = model.CmdSfcm
	task.Cmd.ForceSave = &model.ForceSave{Type: model.ForceSaveCommand, Time: 1}
	_, err := h.e.Deliver(context.Background(), task, Mode{ForceSave: true})
	require.NoError(t, err)
	require.Empty(t, reqs)
	st, info := h.row(t)
	require.Equal(t, model.StatusSaveVersion, st)
	require.Equal(t, 42, info)
}

func TestEngine_WOPIPutFileAndUnlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, ""))
	wopi, _ := json.Marshal(model.WOPIParams{WOPISrc: srv.URL + "/wopi/files/9", AccessToken: "at"})
	h.seed(t, string(wopi), model.StatusSaveVersion, 42)
	h.putSaved(t, "_k1")

	_, err := h.e.Deliver(context.Background(), sfcTask("_k1", 42), Mode{})
	require.NoError(t, err)

	put := <-reqs
	require.Equal(t, "/wopi/files/9/contents", put.url.Path)
	require.Equal(t, "PUT", put.header.Get("X-WOPI-Override"))
	require.Equal(t, "true", put.header.Get("X-LOOL-WOPI-IsExitSave"))
	require.Equal(t, "DOCX", string(put.body))
	unlock := <-reqs
	require.Equal(t, "UNLOCK", unlock.header.Get("X-WOPI-Override"))

	st, _ := h.row(t)
	require.Equal(t, model.StatusOk, st)
}

func TestEngine_NoChangesCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reqs := newRecorder(t, reply(http.StatusOK, `{"error":0}`))
	h.seed(t, srv.URL, model.StatusOk, model.NoError)
	require.NoError(t, h.ed.MarkChanged(context.Background(), h.ref))

	task := sfcTask("", 0)
	task.Cmd.StatusInfo = model.EditorChanges
	task.Cmd.RedisKey = "shutdown"
	require.NoError(t, h.ed.AddShutdown(context.Background(), h.ref))
	_, err := h.e.Deliver(context.Background(), task, Mode{})
	require.NoError(t, err)

	require.Empty(t, reqs)
	changed, _ := h.ed.HasChanges(context.Background(), h.ref)
	require.False(t, changed)
	n, _ := h.ed.ShutdownCount(context.Background())
	require.Zero(t, n)
}
