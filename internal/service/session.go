package service

import (
	"context"
	"fmt"

	"github.com/and161185/docservice/internal/model"
	"go.uber.org/zap"
)

// MarkChanged records unsaved changes and arms the timeout force-save.
func (s *DocServiceImpl) MarkChanged(ctx context.Context, docID string) error {
	ref := docRef(ctx, docID)
	if err := s.d.Editor.MarkChanged(ctx, ref); err != nil {
		return fmt.Errorf("mark changed: %w", err)
	}
	if s.opts.ForceSaveInterval > 0 {
		if err := s.d.Editor.SetForceSaveTimer(ctx, ref, s.opts.Now().Add(s.opts.ForceSaveInterval)); err != nil {
			return fmt.Errorf("force-save timer: %w", err)
		}
	}
	return nil
}

// CloseSession removes conn. After the last editor leaves, a changed document is
// saved and an unchanged one is forgotten.
func (s *DocServiceImpl) CloseSession(ctx context.Context, conn *model.Connection) error {
	ref := docRef(ctx, conn.DocID)
	if err := s.d.Editor.RemovePresence(ctx, ref, conn.ID); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	editors, err := s.d.Editor.EditorsCount(ctx, ref)
	if err != nil {
		return fmt.Errorf("editors count: %w", err)
	}
	if editors > 0 {
		return nil
	}
	return s.closeDocument(ctx, conn.DocID, conn.UserID, conn.UserIndex)
}

// ExpireDocument closes a document whose editors stopped refreshing their presence.
func (s *DocServiceImpl) ExpireDocument(ctx context.Context, docID string) error {
	return s.closeDocument(ctx, docID, "", 0)
}

func (s *DocServiceImpl) closeDocument(ctx context.Context, docID, userID string, userIndex int) error {
	ref := docRef(ctx, docID)
	changed, err := s.d.Editor.HasChanges(ctx, ref)
	if err != nil {
		return fmt.Errorf("has changes: %w", err)
	}
	if changed {
		s.logger(ctx).Info("last editor left, saving", zap.String("userId", userID))
		return s.StartSave(ctx, docID, userID, userIndex)
	}
	if err := s.d.Editor.CleanDocumentOnExit(ctx, ref); err != nil {
		return fmt.Errorf("clean document: %w", err)
	}
	return nil
}

// SetSaved records the owner's saved flag checked after the next callback reply.
func (s *DocServiceImpl) SetSaved(ctx context.Context, docID, val string) error {
	if err := s.d.Editor.SetSaved(ctx, docRef(ctx, docID), val); err != nil {
		return fmt.Errorf("set saved: %w", err)
	}
	return nil
}
