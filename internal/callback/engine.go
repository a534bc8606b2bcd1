// Package callback tells the document owner that a save finished and keeps
// a dead-letter copy of the file whenever the owner could not be told.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/queue"
	"github.com/and161185/docservice/internal/repository"
	"github.com/and161185/docservice/internal/storage"
	"go.uber.org/zap"
)

// Poster delivers a payload to a generic callback URL.
type Poster interface {
	Send(ctx context.Context, uri string, p *model.CallbackPayload) (string, error)
}

// WOPIHost is the subset of the WOPI protocol used after a save.
type WOPIHost interface {
	PutFile(ctx context.Context, p *model.WOPIParams, lockID string, body io.Reader, size int64, userID string, f PutFlags) error
	Unlock(ctx context.Context, p *model.WOPIParams, lockID string) error
}

// Cleaner drops cached document files.
type Cleaner interface {
	CleanupCache(ctx context.Context, tenant, docID string) (bool, error)
	CleanupCacheIf(ctx context.Context, mask model.TaskMask) (bool, error)
}

// Mode selects the delivery path.
type Mode struct {
	ForceSave bool // sfcm: the document stays open
	Encrypted bool // end-to-end encrypted document; no history and no retries
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Repo    repository.TaskResultRepository
	Store   storage.ObjectStore
	Editor  editordata.Store
	Queue   queue.TaskQueue
	Sender  Poster
	WOPI    WOPIHost
	Cleaner Cleaner
}

// Options tune an Engine.
type Options struct {
	Backoff       BackoffOptions
	ForgottenName string // base name of dead-letter copies, default "output"
	Now           func() time.Time
}

// Engine runs the save callback for finished sfc and sfcm tasks.
type Engine struct {
	d        Deps
	opts     Options
	log      *zap.Logger
	shutdown atomic.Bool
}

// NewEngine builds an Engine.
func NewEngine(d Deps, opts Options, log *zap.Logger) *Engine {
	if opts.Backoff.Retries == 0 && opts.Backoff.MinTimeout == 0 {
		opts.Backoff = DefaultBackoffOptions()
	}
	if opts.ForgottenName == "" {
		opts.ForgottenName = model.OutputName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{d: d, opts: opts, log: log.With(zap.String("component", "callback"))}
}

// SetShutdown switches retries off while the server drains.
func (e *Engine) SetShutdown(v bool) { e.shutdown.Store(v) }

// IsShutdown reports the shutdown flag.
func (e *Engine) IsShutdown() bool { return e.shutdown.Load() }

// ForgottenMarker is the cache object that tells a document was opened from its forgotten copy.
func (e *Engine) ForgottenMarker(docID string) string {
	return storage.ForgottenMarker(docID, e.opts.ForgottenName)
}

func minutes(t time.Time) int { return int(t.UnixMilli() / 60000) }

func isoTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000Z") }

var emptyHistory = json.RawMessage(`{}`)

// delivery is the state of one Deliver call.
type delivery struct {
	tenant, docID string
	ref           editordata.DocRef
	cmd           *model.Command
	mode          Mode
	log           *zap.Logger

	uri     string
	wopi    *model.WOPIParams
	baseURL string

	savePathDoc       string
	isError           bool
	isCorrupted       bool
	openFromForgotten bool
}

// Deliver reports the result of task to the document owner. It returns the raw owner reply.
// Failures are resolved here: the task is rescheduled or the file is kept as forgotten.
// Only store errors that prevent any decision are returned.
func (e *Engine) Deliver(ctx context.Context, task *model.TaskQueueData, mode Mode) (string, error) {
	start := time.Now()
	defer func() { deliveryDuration.Observe(time.Since(start).Seconds()) }()

	cmd := &task.Cmd
	d := &delivery{
		tenant: task.Ctx.Tenant,
		docID:  cmd.DocID,
		cmd:    cmd,
		mode:   mode,
	}
	d.ref = editordata.DocRef{Tenant: d.tenant, DocID: d.docID}
	d.log = opctx.Logger(ctx, e.log).With(zap.String("cmd", cmd.Name), zap.Int("attempt", cmd.Attempt))

	userIndex := cmd.UserIndex
	if userIndex == 0 {
		userIndex = cmd.UserActionIndex
	}
	if fs := cmd.ForceSave; fs != nil && fs.AuthorUserIndex > 0 {
		userIndex = fs.AuthorUserIndex
	}

	row, err := e.d.Repo.Select(ctx, d.tenant, d.docID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		row = nil
	case err != nil:
		return "", fmt.Errorf("select %s: %w", d.docID, err)
	}
	if row != nil {
		d.uri = row.Callback.ByUserIndex(userIndex)
		d.wopi = model.ParseWOPIParams(d.uri)
		d.baseURL = row.BaseURL
	}

	var reply string
	if cmd.StatusInfo != model.EditorChanges || mode.ForceSave {
		reply, err = e.deliver(ctx, d, row)
		if err != nil {
			return reply, err
		}
	} else {
		d.log.Debug("no changes to save, cleaning up")
		e.cleanOnExit(ctx, d)
	}

	if (e.shutdown.Load() && !mode.ForceSave) || cmd.RedisKey != "" {
		if err := e.d.Editor.RemoveShutdown(ctx, d.ref); err != nil {
			d.log.Warn("remove shutdown mark", zap.Error(err))
		}
	}
	return reply, nil
}

func (e *Engine) deliver(ctx context.Context, d *delivery, row *model.DocumentRecord) (string, error) {
	cmd := d.cmd
	saveKey := d.docID + cmd.SaveKey
	d.savePathDoc = saveKey + "/" + cmd.OutputPath
	changesPath := saveKey + "/changes.zip"
	historyPath := saveKey + "/changesHistory.json"
	d.isError = cmd.StatusInfo != model.NoError
	d.isCorrupted = cmd.StatusInfo == model.ConvertCorrupted
	userLastChangeID := cmd.UserID
	if userLastChangeID == "" {
		userLastChangeID = cmd.UserActionID
	}
	statusOk, statusErr := model.ServerStatusMustSave, model.ServerStatusCorrupted
	if d.mode.ForceSave {
		statusOk, statusErr = model.ServerStatusMustSaveForce, model.ServerStatusCorruptedForce
	}

	now := e.opts.Now()
	recoverUpd := model.SetStatus(model.StatusOk, model.NoError)
	updateIf := model.SetStatus(model.StatusUpdateVersion, minutes(now))
	restore := true
	mask := model.TaskMask{Tenant: d.tenant, Key: d.docID}
	affected := int64(-1)
	if row != nil {
		switch {
		case d.mode.Encrypted:
			recoverUpd = model.SetStatus(row.Status, row.StatusInfo)
			mask = model.MaskState(d.tenant, d.docID, row.Status, row.StatusInfo)
		case (row.Status == model.StatusSaveVersion && cmd.StatusInfoIn == row.StatusInfo) || row.Status == model.StatusUpdateVersion:
			if row.Status == model.StatusUpdateVersion {
				affected = 1
			}
			recoverUpd = model.SetStatus(model.StatusSaveVersion, cmd.StatusInfoIn)
			mask = model.MaskState(d.tenant, d.docID, row.Status, row.StatusInfo)
		default:
			// another save owns the row now
			d.log.Info("stale save result", zap.Stringer("status", row.Status), zap.Int("statusInfo", row.StatusInfo), zap.Int("generation", cmd.StatusInfoIn))
			affected = 0
			restore = false
		}
	} else {
		d.isError = true
		restore = false
	}

	var (
		reply          string
		sfcmSuccess    bool
		storeForgotten bool
		needRetry      bool
		payload        *model.CallbackPayload
	)
	if d.uri != "" && d.baseURL != "" && userLastChangeID != "" {
		payload = e.buildPayload(ctx, d, userLastChangeID, changesPath, historyPath)
		if payload.URL != "" && len(payload.Users) > 0 && (!d.isError || d.isCorrupted) {
			payload.Status = statusOk
		} else {
			d.isError = true
		}
		if d.isError {
			payload.Status = statusErr
		}

		if d.mode.ForceSave {
			sfcmSuccess, reply = e.deliverForceSave(ctx, d, payload, userLastChangeID)
		} else {
			editors, err := e.d.Editor.EditorsCount(ctx, d.ref)
			if err != nil {
				return "", fmt.Errorf("editors count: %w", err)
			}
			if editors == 0 || (d.mode.Encrypted && editors == 1) {
				casDone := false
				if affected < 0 {
					n, err := e.d.Repo.UpdateIf(ctx, updateIf, mask)
					if err != nil {
						return "", fmt.Errorf("mark update version: %w", err)
					}
					affected = n
					casDone = true
				}
				if affected > 0 {
					fs, err := e.d.Editor.GetForceSave(ctx, d.ref)
					if err != nil {
						d.log.Warn("get force-save", zap.Error(err))
					}
					lastSave := now
					if fs != nil && fs.Time != 0 {
						lastSave = time.UnixMilli(fs.Time)
					}
					payload.LastSave = isoTime(lastSave)
					payload.NotModified = fs != nil && fs.Ended
					if casDone {
						mask = model.MaskState(d.tenant, d.docID, *updateIf.Status, *updateIf.StatusInfo)
					}

					var sendErr error
					reply, sendErr = e.send(ctx, d, payload, userLastChangeID, PutFlags{ModifiedByUser: !payload.NotModified, ExitSave: true})
					if sendErr != nil {
						d.log.Error("send callback", zap.String("callback", d.uri), zap.Error(sendErr))
						if !d.mode.Encrypted && !e.shutdown.Load() && e.opts.Backoff.Retryable(sendErr) {
							if cmd.Attempt < e.opts.Backoff.Retries {
								needRetry = true
							} else {
								d.log.Warn("callback backoff limit exceeded")
							}
						}
					}
					confirmed := false
					if sendErr == nil && ReplyOK(reply) {
						saved, err := e.d.Editor.GetDelSaved(ctx, d.ref)
						if err != nil {
							d.log.Warn("get saved flag", zap.Error(err))
						}
						confirmed = saved == nil || *saved == "1"
					} else if sendErr == nil {
						d.log.Warn("callback returned an error", zap.String("reply", reply))
					}
					if confirmed {
						restore = false
						if _, err := e.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusOk, model.NoError), mask); err != nil {
							d.log.Error("finalize row", zap.Error(err))
						}
						e.cleanOnExit(ctx, d)
						if d.openFromForgotten {
							if _, err := e.d.Cleaner.CleanupCache(ctx, d.tenant, d.docID); err != nil {
								d.log.Warn("cleanup cache", zap.Error(err))
							}
						}
						deliveriesTotal.WithLabelValues("confirmed").Inc()
					} else {
						storeForgotten = true
						if needRetry {
							deliveriesTotal.WithLabelValues("retry").Inc()
						} else if sendErr != nil {
							deliveriesTotal.WithLabelValues("failed").Inc()
						} else {
							deliveriesTotal.WithLabelValues("rejected").Inc()
						}
					}
				} else {
					restore = false
					deliveriesTotal.WithLabelValues("skipped").Inc()
				}
			} else {
				d.log.Debug("document reopened, callback postponed", zap.Int("editors", editors))
				deliveriesTotal.WithLabelValues("skipped").Inc()
			}
		}
	} else {
		d.log.Warn("no callback for document", zap.Bool("callback", d.uri != ""), zap.Bool("baseUrl", d.baseURL != ""), zap.Bool("user", userLastChangeID != ""))
		storeForgotten = true
		deliveriesTotal.WithLabelValues("failed").Inc()
	}

	if restore && !d.mode.ForceSave {
		n, err := e.d.Repo.UpdateIf(ctx, recoverUpd, mask)
		switch {
		case err != nil:
			d.log.Error("restore status", zap.Error(err))
		case n > 0:
			mask = model.MaskState(d.tenant, d.docID, *recoverUpd.Status, *recoverUpd.StatusInfo)
		default:
			d.log.Debug("restore status lost", zap.Stringer("status", *recoverUpd.Status))
		}
	}

	if needRetry {
		delay := e.opts.Backoff.Delay(cmd.Attempt)
		next := &model.TaskQueueData{Ctx: model.TaskContext{Tenant: d.tenant, DocID: d.docID, UserID: cmd.UserID}, Cmd: *cmd}
		next.Cmd.Attempt = cmd.Attempt + 1
		if err := e.d.Queue.AddDelayed(ctx, next, delay); err != nil {
			// no retry will come, keep the file like an exhausted backoff
			d.log.Error("schedule callback retry", zap.Error(err))
			needRetry = false
			deliveriesTotal.WithLabelValues("failed").Inc()
		} else {
			d.log.Info("callback retry scheduled", zap.Duration("delay", delay))
			retriesTotal.Inc()
		}
	}

	if storeForgotten && !needRetry && !d.mode.Encrypted && (!d.isError || d.isCorrupted) {
		e.storeForgotten(ctx, d, mask)
	}

	if fs := cmd.ForceSave; fs != nil && sfcmSuccess && !d.isError {
		if _, err := e.d.Editor.EndForceSave(ctx, d.ref, fs.Time); err != nil {
			d.log.Warn("end force-save", zap.Error(err))
		}
	}
	return reply, nil
}

func (e *Engine) buildPayload(ctx context.Context, d *delivery, userID, changesPath, historyPath string) *model.CallbackPayload {
	cmd := d.cmd
	p := &model.CallbackPayload{
		Key:       d.docID,
		Users:     []string{userID},
		UserData:  cmd.UserData,
		Encrypted: d.mode.Encrypted,
	}
	if !d.mode.ForceSave {
		actionUser := cmd.UserActionID
		if actionUser == "" {
			actionUser = cmd.UserID
		}
		if actionUser != "" {
			p.Actions = []model.CallbackAction{{Type: model.ActionOut, UserID: actionUser}}
		}
	} else if fs := cmd.ForceSave; fs != nil && fs.AuthorUserID != "" {
		p.Actions = []model.CallbackAction{{Type: model.ActionForceSaveButton, UserID: fs.AuthorUserID}}
	}
	if d.isError && !d.isCorrupted {
		return p
	}

	forgotten, err := e.d.Store.ListObjects(ctx, d.tenant, storage.ForgottenPrefix(d.docID))
	if err != nil {
		d.log.Error("list forgotten", zap.Error(err))
	}
	sendHistory := len(forgotten) == 0
	if !sendHistory {
		if _, err := e.d.Store.HeadObject(ctx, d.tenant, e.ForgottenMarker(d.docID)); err == nil {
			d.openFromForgotten = true
		}
		sendHistory = !d.openFromForgotten
	}
	p.History = emptyHistory
	if sendHistory && !d.mode.Encrypted {
		hist, err := e.d.Store.GetObject(ctx, d.tenant, historyPath)
		switch {
		case err == nil && json.Valid(hist):
			p.History = hist
		case err != nil && !errors.Is(err, errs.ErrNotFound):
			d.log.Error("read change history", zap.Error(err))
		}
		if u, err := e.d.Store.SignedURL(ctx, d.tenant, d.baseURL, changesPath, storage.URLTemporary, ""); err == nil {
			p.ChangesURL = u
		} else {
			d.log.Error("sign changes url", zap.Error(err))
		}
	}
	if _, err := e.d.Store.HeadObject(ctx, d.tenant, d.savePathDoc); err != nil {
		d.log.Error("saved file missing", zap.String("path", d.savePathDoc), zap.Error(err))
		return p
	}
	u, err := e.d.Store.SignedURL(ctx, d.tenant, d.baseURL, d.savePathDoc, storage.URLTemporary, "")
	if err != nil {
		d.log.Error("sign file url", zap.Error(err))
		return p
	}
	p.URL = u
	p.FileType = strings.TrimPrefix(path.Ext(d.savePathDoc), ".")
	return p
}

func (e *Engine) deliverForceSave(ctx context.Context, d *delivery, p *model.CallbackPayload, userID string) (bool, string) {
	row, err := e.d.Repo.Select(ctx, d.tenant, d.docID)
	if err != nil || row.Status != model.StatusOk {
		// the final save already started
		deliveriesTotal.WithLabelValues("skipped").Inc()
		return false, ""
	}
	fs := d.cmd.ForceSave
	var fsType model.ForceSaveType
	if fs != nil {
		fsType = fs.Type
		at := e.opts.Now()
		if fs.Time != 0 {
			at = time.UnixMilli(fs.Time)
		}
		p.ForceSaveType = &fsType
		p.LastSave = isoTime(at)
		if fsType == model.ForceSaveInternal {
			deliveriesTotal.WithLabelValues("confirmed").Inc()
			return true, ""
		}
	}
	autosave := fsType != model.ForceSaveButton && fsType != model.ForceSaveForm
	reply, err := e.send(ctx, d, p, userID, PutFlags{ModifiedByUser: true, Autosave: autosave})
	if err != nil {
		d.log.Error("send force-save callback", zap.String("callback", d.uri), zap.Error(err))
		deliveriesTotal.WithLabelValues("failed").Inc()
		return false, reply
	}
	if !ReplyOK(reply) {
		d.log.Warn("force-save callback returned an error", zap.String("reply", reply))
		deliveriesTotal.WithLabelValues("rejected").Inc()
		return false, reply
	}
	deliveriesTotal.WithLabelValues("confirmed").Inc()
	return true, reply
}

// send routes the payload to the WOPI host or the generic callback URL.
func (e *Engine) send(ctx context.Context, d *delivery, p *model.CallbackPayload, userID string, flags PutFlags) (string, error) {
	if d.wopi == nil {
		return e.d.Sender.Send(ctx, d.uri, p)
	}
	if p.URL == "" {
		return `{"error":1,"descr":"wopi: no file"}`, nil
	}
	rc, size, err := e.d.Store.CreateReadStream(ctx, d.tenant, d.savePathDoc)
	if err != nil {
		return `{"error":1}`, nil
	}
	defer rc.Close()
	if err := e.d.WOPI.PutFile(ctx, d.wopi, d.docID, rc, size, userID, flags); err != nil {
		return "", err
	}
	return `{"error":0}`, nil
}

func (e *Engine) cleanOnExit(ctx context.Context, d *delivery) {
	if err := e.d.Editor.CleanDocumentOnExit(ctx, d.ref); err != nil {
		d.log.Warn("clean editor data", zap.Error(err))
	}
	if d.wopi != nil && e.d.WOPI != nil {
		if err := e.d.WOPI.Unlock(ctx, d.wopi, d.docID); err != nil {
			d.log.Warn("wopi unlock", zap.Error(err))
		}
	}
}

func (e *Engine) storeForgotten(ctx context.Context, d *delivery, mask model.TaskMask) {
	name := e.opts.ForgottenName + path.Ext(d.cmd.OutputPath)
	dst := storage.ForgottenPrefix(d.docID) + name
	d.log.Warn("storing forgotten copy", zap.String("path", dst))
	if err := e.d.Store.CopyObject(ctx, d.tenant, d.savePathDoc, dst); err != nil {
		d.log.Error("store forgotten", zap.Error(err))
	} else {
		forgottenTotal.Inc()
	}
	if d.mode.ForceSave || mask.Status == nil {
		return
	}
	e.cleanOnExit(ctx, d)
	// false when the document was reopened meanwhile
	cleaned, err := e.d.Cleaner.CleanupCacheIf(ctx, mask)
	if err != nil {
		d.log.Warn("cleanup cache", zap.Error(err))
		return
	}
	d.log.Debug("forgotten cleanup", zap.Bool("cleaned", cleaned))
}
