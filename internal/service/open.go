package service

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/limiter"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/storage"
	"go.uber.org/zap"
)

const openToFile = "Editor.bin"

// GetOutputData renders the row stored under key as the answer to cmd.
// conn is nil when the answer is published asynchronously after a worker result.
// Reading a SaveVersion row, or an UpdateVersion row older than the expiry window,
// resolves it to Ok.
func (s *DocServiceImpl) GetOutputData(ctx context.Context, cmd *model.Command, key string, conn *model.Connection) (model.OutputData, model.FileStatus, error) {
	out := model.OutputData{Type: cmd.Name}
	row, err := s.selectRow(ctx, key)
	if err != nil {
		return out, model.StatusErr, err
	}
	if row == nil {
		out.SetErr(model.Unknown)
		return out, model.StatusErr, nil
	}
	tenant := opctx.Tenant(ctx)
	baseURL := row.BaseURL
	if conn != nil && conn.BaseURL != "" {
		baseURL = conn.BaseURL
	}
	if baseURL == "" && key != cmd.DocID {
		// save key rows inherit the base url of their document
		doc, err := s.selectRow(ctx, cmd.DocID)
		if err != nil {
			return out, row.Status, err
		}
		if doc != nil {
			baseURL = doc.BaseURL
		}
	}

	switch row.Status {
	case model.StatusOk, model.StatusSaveVersion, model.StatusUpdateVersion:
		out.Status, err = s.resolveVersion(ctx, row, conn)
		if err != nil {
			return out, row.Status, err
		}
		if cmd.Name != model.CmdOpen && cmd.Name != model.CmdReopen {
			p := key + "/" + cmd.OutputPath
			u, err := s.d.Store.SignedURL(ctx, tenant, baseURL, p, storage.URLTemporary, cmd.Title)
			if err != nil {
				return out, row.Status, fmt.Errorf("sign output url: %w", err)
			}
			out.Data = u
			out.FileType = strings.TrimPrefix(path.Ext(p), ".")
			break
		}
		if row.Password != "" && !s.samePassword(ctx, row.Password, cmd.Password) {
			s.logger(ctx).Debug("document password mismatch")
			out.Status = model.OutputNeedPassword
			out.Data = model.ConvertDRM
			if cmd.Password != "" {
				out.Data = model.ConvertPassword
			}
			break
		}
		urls, err := s.d.Store.SignedURLs(ctx, tenant, baseURL, key+"/", storage.URLSession)
		if err != nil {
			return out, row.Status, fmt.Errorf("sign document urls: %w", err)
		}
		out.Data = urls
		out.OpenedAt = model.ParseAdditional(row.Additional).OpenedAt
	case model.StatusNeedParams:
		out.Status = model.OutputNeedParams
		u, err := s.d.Store.SignedURL(ctx, tenant, baseURL, key+"/origin."+cmd.Format, storage.URLTemporary, "")
		if err != nil {
			return out, row.Status, fmt.Errorf("sign settings url: %w", err)
		}
		out.Data = u
	case model.StatusNeedPassword:
		out.Status = model.OutputNeedPassword
		out.Data = row.StatusInfo
	case model.StatusErr:
		out.SetErr(row.StatusInfo)
	case model.StatusErrToReload:
		out.SetErr(row.StatusInfo)
		if err := s.CleanupErrToReload(ctx, key); err != nil {
			return out, row.Status, err
		}
	case model.StatusNone, model.StatusWaitQueue:
		// nothing to report until the worker answers
	default:
		out.SetErr(model.Unknown)
	}
	return out, row.Status, nil
}

// resolveVersion picks the output status of a readable row.
func (s *DocServiceImpl) resolveVersion(ctx context.Context, row *model.DocumentRecord, conn *model.Connection) (string, error) {
	switch {
	case row.Status == model.StatusOk:
		return model.OutputOk, nil
	case conn != nil && conn.CloseCoAuthoring:
		return model.OutputUpdateVersion, nil
	case conn != nil && conn.View:
		return model.OutputOk, nil
	}
	expired := false
	if row.Status == model.StatusUpdateVersion {
		age := s.opts.Now().UnixMilli() - int64(row.StatusInfo)*60000
		expired = age > s.opts.UpdateVersionExpiry.Milliseconds()
		if !expired {
			return model.OutputUpdateVersion, nil
		}
		s.logger(ctx).Warn("UpdateVersion expired", zap.Int("statusInfo", row.StatusInfo))
	}
	n, err := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusOk, model.NoError),
		model.MaskState(row.Tenant, row.Key, row.Status, row.StatusInfo))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", row.Status, err)
	}
	if n == 0 {
		casLost.WithLabelValues("resolve_version").Inc()
		return model.OutputUpdateVersion, nil
	}
	return model.OutputOk, nil
}

// Open registers conn on the document and queues its conversion when the row is new or idle.
func (s *DocServiceImpl) Open(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error) {
	out := model.OutputData{Type: cmd.Name}
	if err := s.sealPassword(ctx, cmd); err != nil {
		return out, err
	}
	rec := model.DocumentRecord{
		Tenant:     opctx.Tenant(ctx),
		Key:        cmd.DocID,
		Status:     model.StatusNone,
		StatusInfo: model.NoError,
		BaseURL:    conn.BaseURL,
		ChangeID:   cmd.OriginFormat,
	}
	if conn.Callback != "" {
		rec.Callback = model.UserCallbacks{{Callback: conn.Callback}}
	}
	res, err := s.d.Repo.Upsert(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("upsert %s: %w", cmd.DocID, err)
	}
	conn.UserIndex = res.UserIndex
	if err := s.addPresence(ctx, conn); err != nil {
		return out, err
	}

	needTask := res.Inserted
	if !res.Inserted {
		var st model.FileStatus
		if out, st, err = s.GetOutputData(ctx, cmd, cmd.DocID, conn); err != nil {
			return out, err
		}
		needTask = st == model.StatusNone
	}
	if conn.Encrypted {
		if out.Status != model.OutputUpdateVersion {
			out.Status = ""
		}
		return out, nil
	}
	if !needTask {
		return out, nil
	}

	tenant := opctx.Tenant(ctx)
	n, err := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusWaitQueue, model.NoError),
		model.MaskStatus(tenant, cmd.DocID, model.StatusNone))
	if err != nil {
		return out, fmt.Errorf("queue %s: %w", cmd.DocID, err)
	}
	if n == 0 {
		casLost.WithLabelValues(model.CmdOpen).Inc()
		out, _, err = s.GetOutputData(ctx, cmd, cmd.DocID, conn)
		return out, err
	}

	if err := s.useForgotten(ctx, cmd); err != nil {
		s.logger(ctx).Error("check forgotten file", zap.Error(err))
	}
	cmd.EmbeddedFonts = false
	task := &model.TaskQueueData{Ctx: taskContext(ctx, cmd.DocID), Cmd: *cmd, ToFile: openToFile}
	if err := s.addTask(ctx, task, model.PriorityHigh); err != nil {
		s.logger(ctx).Error("open task not queued", zap.Error(err))
		if _, rerr := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusNone, model.NoError),
			model.MaskStatus(tenant, cmd.DocID, model.StatusWaitQueue)); rerr != nil {
			s.logger(ctx).Error("release queued status", zap.Error(rerr))
		}
		out = model.OutputData{Type: cmd.Name}
		out.SetErr(model.TaskQueueErr)
		return out, nil
	}
	return model.OutputData{Type: cmd.Name}, nil
}

// useForgotten replaces the source of cmd with the forgotten copy of the document, if any.
// The copy holds changes the owner never confirmed, so it wins over the owner's url.
func (s *DocServiceImpl) useForgotten(ctx context.Context, cmd *model.Command) error {
	tenant := opctx.Tenant(ctx)
	forgotten, err := s.d.Store.ListObjects(ctx, tenant, storage.ForgottenPrefix(cmd.DocID))
	if err != nil {
		return fmt.Errorf("list forgotten: %w", err)
	}
	if len(forgotten) == 0 {
		return nil
	}
	s.logger(ctx).Info("open from forgotten", zap.String("path", forgotten[0]))
	cmd.URL = ""
	cmd.Forgotten = cmd.DocID
	marker := storage.ForgottenMarker(cmd.DocID, s.opts.ForgottenName)
	if err := s.d.Store.PutObject(ctx, tenant, marker, strings.NewReader(forgotten[0])); err != nil {
		return fmt.Errorf("write forgotten marker: %w", err)
	}
	return nil
}

func (s *DocServiceImpl) addPresence(ctx context.Context, conn *model.Connection) error {
	if conn.ID == "" {
		return nil
	}
	p := editordata.Presence{
		ConnID:    conn.ID,
		UserID:    conn.UserID,
		UserIndex: conn.UserIndex,
		View:      conn.View,
		Encrypted: conn.Encrypted,
	}
	if err := s.d.Editor.AddPresence(ctx, docRef(ctx, conn.DocID), p, s.opts.PresenceTTL); err != nil {
		return fmt.Errorf("add presence: %w", err)
	}
	return nil
}

// Reopen restarts conversion of a document that stopped at NeedPassword or NeedParams.
func (s *DocServiceImpl) Reopen(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error) {
	out := model.OutputData{Type: cmd.Name}
	if err := s.sealPassword(ctx, cmd); err != nil {
		return out, err
	}
	withPassword := cmd.Password != ""
	if withPassword {
		row, err := s.selectRow(ctx, cmd.DocID)
		if err != nil {
			return out, err
		}
		if row != nil && row.Password != "" {
			subject := limiter.Subject(opctx.Tenant(ctx), cmd.DocID, conn.UserID)
			if !s.passwordAllowed(ctx, subject) {
				out.Status = model.OutputNeedPassword
				out.Data = model.ConvertPassword
				return out, nil
			}
			out, _, err = s.GetOutputData(ctx, cmd, cmd.DocID, conn)
			if err != nil {
				return out, err
			}
			s.passwordAttempt(ctx, subject, out.Status)
			if out.Status == model.OutputOk {
				conn.EnterCorrectPassword = true
			}
			return out, nil
		}
	}
	if withPassword && !s.opts.Caps.OpenProtectedFile {
		out.SetErr(model.Unknown)
		return out, nil
	}

	from, fromInfo := model.StatusNeedParams, model.ConvertNeedParams
	if withPassword {
		from, fromInfo = model.StatusNeedPassword, model.ConvertPassword
	}
	tenant := opctx.Tenant(ctx)
	n, err := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusWaitQueue, model.NoError),
		model.MaskStatus(tenant, cmd.DocID, from))
	if err != nil {
		return out, fmt.Errorf("queue %s: %w", cmd.DocID, err)
	}
	if n == 0 {
		casLost.WithLabelValues(model.CmdReopen).Inc()
		out.Status = model.OutputNeedPassword
		out.Data = model.ConvertPassword
		return out, nil
	}
	cmd.URL = ""
	cmd.EmbeddedFonts = false
	if withPassword {
		cmd.UserConnectionID = conn.UserID
	}
	task := &model.TaskQueueData{Ctx: taskContext(ctx, cmd.DocID), Cmd: *cmd, ToFile: openToFile, FromSettings: true}
	if err := s.addTask(ctx, task, model.PriorityHigh); err != nil {
		s.logger(ctx).Error("reopen task not queued", zap.Error(err))
		if _, rerr := s.d.Repo.UpdateIf(ctx, model.SetStatus(from, fromInfo),
			model.MaskStatus(tenant, cmd.DocID, model.StatusWaitQueue)); rerr != nil {
			s.logger(ctx).Error("release queued status", zap.Error(rerr))
		}
		out.SetErr(model.TaskQueueErr)
		return out, nil
	}
	return out, nil
}

// SetPassword replaces the password of an Ok document. An empty password removes it.
func (s *DocServiceImpl) SetPassword(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error) {
	out := model.OutputData{Type: cmd.Name}
	if err := s.sealPassword(ctx, cmd); err != nil {
		return out, err
	}
	row, err := s.selectRow(ctx, cmd.DocID)
	if err != nil {
		return out, err
	}
	hasPassword, modified := false, true
	if row != nil && row.Status == model.StatusOk && row.Password != "" {
		hasPassword = true
		if cmd.Password != "" {
			modified = !s.samePassword(ctx, row.Password, cmd.Password)
		}
	}
	supported := s.opts.Caps.OpenProtectedFile && s.opts.Caps.PasswordColumn &&
		!conn.View && (conn.Protect == nil || *conn.Protect)
	log := s.logger(ctx).With(zap.Bool("hasPassword", hasPassword), zap.Bool("supported", supported))

	switch {
	case supported && hasPassword && !modified:
		out.Status = model.OutputOk
	case supported && (conn.EnterCorrectPassword || !hasPassword):
		pw := cmd.Password
		n, err := s.d.Repo.UpdateIf(ctx, model.TaskUpdate{Password: &pw},
			model.MaskStatus(opctx.Tenant(ctx), cmd.DocID, model.StatusOk))
		if err != nil {
			return out, fmt.Errorf("set password: %w", err)
		}
		if n == 0 {
			casLost.WithLabelValues(model.CmdSetPassword).Inc()
			log.Debug("set password lost the row")
			out.SetErr(model.Password)
			return out, nil
		}
		conn.EnterCorrectPassword = true
		out.Status = model.OutputOk
		if err := s.MarkChanged(ctx, cmd.DocID); err != nil {
			log.Warn("mark password change", zap.Error(err))
		}
	default:
		log.Debug("set password refused")
		out.SetErr(model.Password)
	}
	return out, nil
}

// passwordAllowed reports whether subject may try another password. Limiter errors fail open.
func (s *DocServiceImpl) passwordAllowed(ctx context.Context, subject []byte) bool {
	if s.d.Attempts == nil {
		return true
	}
	ok, retry, err := s.d.Attempts.Allow(ctx, subject)
	if err != nil {
		s.logger(ctx).Warn("password limiter", zap.Error(err))
		return true
	}
	if !ok {
		s.logger(ctx).Info("password attempts blocked", zap.Duration("retryAfter", retry))
	}
	return ok
}

func (s *DocServiceImpl) passwordAttempt(ctx context.Context, subject []byte, status string) {
	if s.d.Attempts == nil {
		return
	}
	var err error
	switch status {
	case model.OutputOk:
		err = s.d.Attempts.Success(ctx, subject)
	case model.OutputNeedPassword:
		var blocked bool
		blocked, _, err = s.d.Attempts.Failure(ctx, subject)
		if blocked {
			s.logger(ctx).Warn("too many wrong passwords")
		}
	}
	if err != nil {
		s.logger(ctx).Warn("password limiter", zap.Error(err))
	}
}
