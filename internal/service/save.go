package service

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/and161185/docservice/internal/callback"
	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// validSaveKey accepts only the suffix produced by AddRandomKeyTask.
func validSaveKey(k string) bool {
	rest, ok := strings.CutPrefix(k, "_")
	if !ok {
		return false
	}
	_, err := uuid.FromString(rest)
	return err == nil
}

// saveParts stores one uploaded part under the save key of cmd and reports whether
// the upload is complete. The first part allocates the save key.
func (s *DocServiceImpl) saveParts(ctx context.Context, cmd *model.Command, filename string, data []byte) (bool, string, error) {
	filename = path.Base(filename)
	if cmd.SaveType != model.SaveCompleteAll {
		ext := path.Ext(filename)
		idx := cmd.SaveIndex
		if idx <= 0 {
			idx = 1
		}
		filename = strings.TrimSuffix(filename, ext) + strconv.Itoa(idx) + ext
	}
	first := cmd.SaveType == model.SavePartStart || cmd.SaveType == model.SaveCompleteAll
	switch {
	case first && cmd.SaveKey == "":
		if err := s.addRandomKeyTask(ctx, cmd); err != nil {
			return false, "", err
		}
	case cmd.SaveKey != "" && !validSaveKey(cmd.SaveKey):
		return false, "", fmt.Errorf("save key %q: %w", cmd.SaveKey, errs.ErrInvalidCommand)
	}
	if cmd.URL != "" {
		return true, filename, nil
	}
	if len(data) == 0 || cmd.SaveKey == "" {
		return true, filename, nil
	}
	p := cmd.DocID + cmd.SaveKey + "/" + filename
	if err := s.d.Store.PutObject(ctx, opctx.Tenant(ctx), p, bytes.NewReader(data)); err != nil {
		return false, "", fmt.Errorf("store save part: %w", err)
	}
	return cmd.SaveType == model.SaveComplete || cmd.SaveType == model.SaveCompleteAll, filename, nil
}

// saveTask wraps cmd for a conversion worker writing into the save key.
func (s *DocServiceImpl) saveTask(ctx context.Context, cmd *model.Command) *model.TaskQueueData {
	if cmd.OutputPath == "" {
		cmd.OutputPath = model.OutputName + "." + s.opts.SaveFormat
	} else {
		cmd.OutputPath = path.Base(cmd.OutputPath)
	}
	return &model.TaskQueueData{Ctx: taskContext(ctx, cmd.DocID), Cmd: *cmd, ToFile: cmd.OutputPath}
}

// Save accepts a client-side save. Encrypted documents are uploaded ready to deliver,
// everything else is converted first.
func (s *DocServiceImpl) Save(ctx context.Context, conn *model.Connection, cmd *model.Command, data []byte) (model.OutputData, error) {
	out := model.OutputData{Type: cmd.Name}
	format := cmd.Format
	if format == "" {
		format = "bin"
	}
	complete, stored, err := s.saveParts(ctx, cmd, "Editor."+format, data)
	if err != nil {
		return out, err
	}
	if complete {
		if conn != nil && conn.Encrypted {
			if err := s.deliverEncrypted(ctx, cmd, stored); err != nil {
				return out, err
			}
		} else if err := s.addTask(ctx, s.saveTask(ctx, cmd), model.PriorityLow); err != nil {
			return out, err
		}
	}
	out.Status = model.OutputOk
	out.Data = cmd.SaveKey
	return out, nil
}

// deliverEncrypted sends an uploaded encrypted file to the owner without conversion.
func (s *DocServiceImpl) deliverEncrypted(ctx context.Context, cmd *model.Command, stored string) error {
	cmd.Name = model.CmdSfc
	cmd.OutputPath = stored
	cmd.StatusInfo = model.NoError
	if _, err := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusOk, model.NoError),
		model.MaskStatus(opctx.Tenant(ctx), cmd.DocID+cmd.SaveKey, model.StatusWaitQueue)); err != nil {
		return fmt.Errorf("finish encrypted save: %w", err)
	}
	task := &model.TaskQueueData{Ctx: taskContext(ctx, cmd.DocID), Cmd: *cmd}
	if _, err := s.d.Engine.Deliver(ctx, task, callback.Mode{Encrypted: true}); err != nil {
		return fmt.Errorf("deliver encrypted save: %w", err)
	}
	return nil
}

// SaveFromOrigin uploads the changes to replay over the origin file.
func (s *DocServiceImpl) SaveFromOrigin(ctx context.Context, cmd *model.Command, data []byte) (model.OutputData, error) {
	out := model.OutputData{Type: cmd.Name}
	complete, _, err := s.saveParts(ctx, cmd, "changes0.json", data)
	if err != nil {
		return out, err
	}
	if complete {
		row, err := s.selectRow(ctx, cmd.DocID)
		if err != nil {
			return out, err
		}
		if row != nil && row.Password != "" {
			cmd.Password = row.Password
		}
		task := s.saveTask(ctx, cmd)
		task.FromOrigin = true
		task.FromChanges = true
		if err := s.addTask(ctx, task, model.PriorityLow); err != nil {
			return out, err
		}
	}
	out.Status = model.OutputOk
	out.Data = cmd.SaveKey
	return out, nil
}

// StartSave tags the document with a fresh save generation and queues the save.
// Losing the Ok -> SaveVersion race means another save is already running.
func (s *DocServiceImpl) StartSave(ctx context.Context, docID, userID string, userIndex int) error {
	ref := docRef(ctx, docID)
	gen, err := s.d.Editor.NextGeneration(ctx, ref)
	if err != nil {
		return fmt.Errorf("next generation: %w", err)
	}
	n, err := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusSaveVersion, gen),
		model.MaskStatus(ref.Tenant, docID, model.StatusOk))
	if err != nil {
		return fmt.Errorf("start save: %w", err)
	}
	if n == 0 {
		casLost.WithLabelValues("start_save").Inc()
		s.logger(ctx).Info("save not started, document is not idle", zap.Int("generation", gen))
		return nil
	}
	if s.d.Engine != nil && s.d.Engine.IsShutdown() {
		if err := s.d.Editor.AddShutdown(ctx, ref); err != nil {
			s.logger(ctx).Warn("add shutdown mark", zap.Error(err))
		}
	}
	return s.SaveFromChanges(ctx, docID, gen, userID, userIndex)
}

// SaveFromChanges queues the sfc task for generation gen. It does nothing when the
// row already left that generation.
func (s *DocServiceImpl) SaveFromChanges(ctx context.Context, docID string, gen int, userID string, userIndex int) error {
	log := s.logger(ctx).With(zap.Int("generation", gen))
	row, err := s.selectRow(ctx, docID)
	if err != nil {
		return err
	}
	if row == nil || row.Status != model.StatusSaveVersion || row.StatusInfo != gen {
		log.Info("save generation superseded")
		return nil
	}
	cmd := &model.Command{
		Name:            model.CmdSfc,
		DocID:           docID,
		StatusInfoIn:    gen,
		UserActionID:    userID,
		UserActionIndex: userIndex,
		SavePassword:    row.Password,
		OriginFormat:    row.ChangeID,
	}
	if err := s.addRandomKeyTask(ctx, cmd); err != nil {
		return err
	}
	task := s.saveTask(ctx, cmd)
	task.FromChanges = true
	if err := s.addTask(ctx, task, model.PriorityLow); err != nil {
		if _, rerr := s.d.Repo.UpdateIf(ctx, model.SetStatus(model.StatusOk, model.NoError),
			model.MaskState(row.Tenant, docID, model.StatusSaveVersion, gen)); rerr != nil {
			log.Error("restore status after failed save", zap.Error(rerr))
		}
		return err
	}
	return nil
}

// StartForceSave queues a force-save of an idle document. It returns false when the
// document is busy, unchanged (timeout saves only) or already being force-saved.
func (s *DocServiceImpl) StartForceSave(ctx context.Context, docID string, typ model.ForceSaveType, userID string, userIndex int) (bool, error) {
	ref := docRef(ctx, docID)
	log := s.logger(ctx).With(zap.Int("forceSaveType", int(typ)))
	row, err := s.selectRow(ctx, docID)
	if err != nil {
		return false, err
	}
	if row == nil || row.Status != model.StatusOk {
		log.Debug("force-save skipped, document is not idle")
		return false, nil
	}
	if typ == model.ForceSaveTimeout {
		changed, err := s.d.Editor.HasChanges(ctx, ref)
		if err != nil {
			return false, fmt.Errorf("has changes: %w", err)
		}
		if !changed {
			return false, nil
		}
	}
	index := 1
	if prev, err := s.d.Editor.GetForceSave(ctx, ref); err != nil {
		return false, fmt.Errorf("get force-save: %w", err)
	} else if prev != nil {
		index = prev.Index + 1
	}
	if userID == "" {
		ps, err := s.d.Editor.Presence(ctx, ref)
		if err != nil {
			return false, fmt.Errorf("presence: %w", err)
		}
		for _, p := range ps {
			if !p.View {
				userID, userIndex = p.UserID, p.UserIndex
				break
			}
		}
	}
	fs := model.ForceSave{
		Type:            typ,
		AuthorUserID:    userID,
		AuthorUserIndex: userIndex,
		Time:            s.opts.Now().UnixMilli(),
		Index:           index,
	}
	started, _, err := s.d.Editor.StartForceSave(ctx, ref, fs)
	if err != nil {
		return false, fmt.Errorf("start force-save: %w", err)
	}
	if !started {
		log.Debug("force-save already running")
		return false, nil
	}

	cmd := &model.Command{
		Name:         model.CmdSfcm,
		DocID:        docID,
		ForceSave:    &fs,
		UserID:       userID,
		UserIndex:    userIndex,
		UserActionID: userID,
		SavePassword: row.Password,
		OriginFormat: row.ChangeID,
	}
	err = s.addRandomKeyTask(ctx, cmd)
	if err == nil {
		task := s.saveTask(ctx, cmd)
		task.FromChanges = true
		if err = s.addTask(ctx, task, model.PriorityNormal); err != nil {
			mask := model.MaskStatus(ref.Tenant, docID+cmd.SaveKey, model.StatusWaitQueue)
			if _, rerr := s.d.Repo.RemoveIf(ctx, mask); rerr != nil {
				log.Error("remove unqueued save key", zap.Error(rerr))
			}
		}
	}
	if err != nil {
		if _, eerr := s.d.Editor.EndForceSave(ctx, ref, fs.Time); eerr != nil {
			log.Error("end failed force-save", zap.Error(eerr))
		}
		return false, err
	}
	return true, nil
}
