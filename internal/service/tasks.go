package service

import (
	"context"
	"fmt"

	"github.com/and161185/docservice/internal/callback"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"go.uber.org/zap"
)

// updateResponse maps a worker result code onto the row update it causes.
// Unlisted codes are terminal errors.
func (s *DocServiceImpl) updateResponse(cmd *model.Command) model.TaskUpdate {
	var st model.FileStatus
	switch cmd.StatusInfo {
	case model.NoError:
		st = model.StatusOk
	case model.ConvertTemporary, model.ConvertDownload, model.ConvertLimits, model.ConvertDeadLetter:
		st = model.StatusErrToReload
	case model.ConvertNeedParams:
		st = model.StatusNeedParams
	case model.ConvertDRM, model.ConvertPassword:
		st = model.StatusErr
		if s.opts.Caps.OpenProtectedFile {
			st = model.StatusNeedPassword
		}
	default:
		st = model.StatusErr
	}
	upd := model.SetStatus(st, cmd.StatusInfo)
	if st == model.StatusOk && cmd.Password != "" && s.opts.Caps.PasswordColumn {
		pw := cmd.Password
		upd.Password = &pw
	}
	return upd
}

// ReceiveTask decodes and applies one worker result. Undecodable messages are
// dropped, since redelivering them cannot succeed.
func (s *DocServiceImpl) ReceiveTask(ctx context.Context, raw []byte) error {
	task, err := model.ParseTaskQueueData(raw)
	if err != nil {
		s.log.Error("drop malformed task result", zap.Error(err), zap.ByteString("data", raw))
		return nil
	}
	return s.HandleResult(ctx, task)
}

// HandleResult applies a decoded worker result: the save key row leaves WaitQueue,
// then the result is published to clients or delivered to the owner.
// A result replayed after its row was resolved changes nothing. When delivery
// fails with an error the row returns to WaitQueue, so a redelivery is not ignored.
func (s *DocServiceImpl) HandleResult(ctx context.Context, task *model.TaskQueueData) error {
	cmd := &task.Cmd
	ctx = opctx.With(ctx, opctx.Op{Tenant: task.Ctx.Tenant, DocID: cmd.DocID, UserID: task.Ctx.UserID})
	task.Ctx.Tenant = opctx.Tenant(ctx)
	log := s.logger(ctx).With(zap.String("cmd", cmd.Name), zap.Int("statusInfo", cmd.StatusInfo))
	log.Info("receive task start")
	defer log.Info("receive task end")

	key := cmd.DocID + cmd.SaveKey
	upd := s.updateResponse(cmd)
	// redelivered callback retries find their row already resolved
	retry := (cmd.Name == model.CmdSfc || cmd.Name == model.CmdSfcm) && cmd.Attempt > 0
	if !retry {
		n, err := s.d.Repo.UpdateIf(ctx, upd, model.MaskStatus(task.Ctx.Tenant, key, model.StatusWaitQueue))
		if err != nil {
			return fmt.Errorf("apply result to %s: %w", key, err)
		}
		if n == 0 {
			casLost.WithLabelValues("receive_task").Inc()
			log.Info("task result ignored, row already resolved")
			return nil
		}
		taskResults.WithLabelValues(cmd.Name, upd.Status.String()).Inc()
	}

	var out model.OutputData
	switch cmd.Name {
	case model.CmdOpen, model.CmdReopen:
		o, _, err := s.GetOutputData(ctx, cmd, cmd.DocID, nil)
		if err != nil {
			return err
		}
		out = o
	case model.CmdSave, model.CmdSaveFromOrigin:
		o, _, err := s.GetOutputData(ctx, cmd, key, nil)
		if err != nil {
			return err
		}
		out = o
	case model.CmdSfc, model.CmdSfcm:
		if s.d.Engine == nil {
			log.Warn("no callback engine, save result dropped")
			return nil
		}
		if _, err := s.d.Engine.Deliver(ctx, task, callback.Mode{ForceSave: cmd.Name == model.CmdSfcm}); err != nil {
			if !retry {
				// hand the row back so the redelivered result is applied again
				back := model.SetStatus(model.StatusWaitQueue, model.NoError)
				if _, rerr := s.d.Repo.UpdateIf(ctx, back, model.MaskState(task.Ctx.Tenant, key, *upd.Status, *upd.StatusInfo)); rerr != nil {
					log.Error("requeue save key row", zap.Error(rerr))
				}
			}
			return fmt.Errorf("deliver %s: %w", cmd.Name, err)
		}
	}
	if out.Status != "" {
		log.Debug("publish task output", zap.String("status", out.Status))
		if err := s.d.Outputs.Publish(ctx, cmd.DocID, out); err != nil {
			log.Error("publish task output", zap.Error(err))
		}
	}
	return nil
}
