// Package sweep runs the periodic housekeeping jobs: expired file cleanup,
// presence expiry and timeout force-saves.
package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/repository"
)

// Documents is the part of the document service the jobs drive.
type Documents interface {
	ExpireDocument(ctx context.Context, docID string) error
	StartForceSave(ctx context.Context, docID string, typ model.ForceSaveType, userID string, userIndex int) (bool, error)
}

// Cleaner removes a row together with its stored files.
type Cleaner interface {
	CleanupCache(ctx context.Context, tenant, key string) (bool, error)
}

// Options tune the jobs. A zero interval disables its job.
type Options struct {
	FileExpireInterval     time.Duration
	FileMaxAge             time.Duration // default 24h
	FilesPerBatch          int           // default 100
	DocumentExpireInterval time.Duration
	ForceSaveInterval      time.Duration
	Batch                  int // default 100
	Now                    func() time.Time
}

// Service owns the job loops.
type Service struct {
	repo   repository.TaskResultRepository
	editor editordata.Store
	docs   Documents
	clean  Cleaner
	opts   Options
	log    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a stopped Service.
func New(repo repository.TaskResultRepository, editor editordata.Store, docs Documents, clean Cleaner, opts Options, log *zap.Logger) *Service {
	if opts.FileMaxAge <= 0 {
		opts.FileMaxAge = 24 * time.Hour
	}
	if opts.FilesPerBatch <= 0 {
		opts.FilesPerBatch = 100
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:   repo,
		editor: editor,
		docs:   docs,
		clean:  clean,
		opts:   opts,
		log:    log.With(zap.String("component", "sweep")),
	}
}

// Start launches one loop per enabled job.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loop(ctx, "file_expire", s.opts.FileExpireInterval, s.FileExpire)
	s.loop(ctx, "document_expire", s.opts.DocumentExpireInterval, s.DocumentExpire)
	s.loop(ctx, "forcesave_timeout", s.opts.ForceSaveInterval, s.ForceSaveTimeout)
}

// Stop cancels the loops and waits for the running passes.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunOnce runs every job a single time.
func (s *Service) RunOnce(ctx context.Context) error {
	if _, err := s.DocumentExpire(ctx); err != nil {
		return err
	}
	if _, err := s.FileExpire(ctx); err != nil {
		return err
	}
	_, err := s.ForceSaveTimeout(ctx)
	return err
}

func (s *Service) loop(ctx context.Context, job string, every time.Duration, run func(context.Context) (int, error)) {
	if every <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			runs.WithLabelValues(job).Inc()
			n, err := run(ctx)
			if err != nil {
				s.log.Error("sweep failed", zap.String("job", job), zap.Error(err))
				continue
			}
			s.log.Debug("sweep done", zap.String("job", job), zap.Int("count", n))
		}
	}()
}

// FileExpire removes rows not opened for FileMaxAge, with their files, when the
// document has no editors left. It repeats while a batch removes anything.
func (s *Service) FileExpire(ctx context.Context) (int, error) {
	total := 0
	for {
		recs, err := s.repo.GetExpired(ctx, s.opts.FilesPerBatch, s.opts.FileMaxAge)
		if err != nil {
			return total, fmt.Errorf("get expired: %w", err)
		}
		removed := 0
		for _, rec := range recs {
			docID := DocIDOf(rec.Key)
			ref := editordata.DocRef{Tenant: rec.Tenant, DocID: docID}
			editors, err := s.editor.EditorsCount(ctx, ref)
			if err != nil {
				return total, fmt.Errorf("editors count: %w", err)
			}
			if editors > 0 {
				items.WithLabelValues("file_expire", "busy").Inc()
				continue
			}
			opCtx := opctx.With(ctx, opctx.Op{Tenant: rec.Tenant, DocID: docID})
			ok, err := s.clean.CleanupCache(opCtx, rec.Tenant, rec.Key)
			if err != nil {
				opctx.Logger(opCtx, s.log).Warn("expired file cleanup failed", zap.String("key", rec.Key), zap.Error(err))
				continue
			}
			if ok {
				removed++
				items.WithLabelValues("file_expire", "removed").Inc()
			}
		}
		total += removed
		if removed == 0 {
			return total, nil
		}
	}
}

// DocumentExpire closes documents whose editors stopped refreshing their presence.
func (s *Service) DocumentExpire(ctx context.Context) (int, error) {
	refs, err := s.editor.PresenceExpired(ctx, s.opts.Now(), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("presence expired: %w", err)
	}
	for _, ref := range refs {
		opCtx := opctx.With(ctx, opctx.Op{Tenant: ref.Tenant, DocID: ref.DocID})
		if err := s.docs.ExpireDocument(opCtx, ref.DocID); err != nil {
			items.WithLabelValues("document_expire", "failed").Inc()
			opctx.Logger(opCtx, s.log).Error("expire document", zap.Error(err))
			continue
		}
		items.WithLabelValues("document_expire", "closed").Inc()
	}
	return len(refs), nil
}

// ForceSaveTimeout starts a timeout force-save for every document whose timer fired.
func (s *Service) ForceSaveTimeout(ctx context.Context) (int, error) {
	refs, err := s.editor.ForceSaveTimers(ctx, s.opts.Now(), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("force-save timers: %w", err)
	}
	started := 0
	for _, ref := range refs {
		opCtx := opctx.With(ctx, opctx.Op{Tenant: ref.Tenant, DocID: ref.DocID})
		ok, err := s.docs.StartForceSave(opCtx, ref.DocID, model.ForceSaveTimeout, "", 0)
		switch {
		case err != nil:
			items.WithLabelValues("forcesave_timeout", "failed").Inc()
			opctx.Logger(opCtx, s.log).Error("timeout force-save", zap.Error(err))
		case ok:
			started++
			items.WithLabelValues("forcesave_timeout", "started").Inc()
		default:
			items.WithLabelValues("forcesave_timeout", "skipped").Inc()
		}
	}
	return started, nil
}

// DocIDOf strips a save-key suffix from a row key.
func DocIDOf(key string) string {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 {
		return key
	}
	if _, err := uuid.FromString(key[i+1:]); err != nil {
		return key
	}
	return key[:i]
}
