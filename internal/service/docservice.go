// Package service contains the document lifecycle orchestrator: it moves
// document rows through their statuses and dispatches conversion tasks.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/docservice/internal/callback"
	"github.com/and161185/docservice/internal/crypto"
	"github.com/and161185/docservice/internal/editordata"
	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/limiter"
	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
	"github.com/and161185/docservice/internal/queue"
	"github.com/and161185/docservice/internal/repository"
	"github.com/and161185/docservice/internal/storage"
	"go.uber.org/zap"
)

// DocService defines the document lifecycle operations.
type DocService interface {
	// Open registers the connection and starts conversion of the document when nobody did yet.
	Open(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error)
	// Reopen restarts conversion with a password or new parameters.
	Reopen(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error)
	// Save stores one part of a client-side save and queues the save task once complete.
	Save(ctx context.Context, conn *model.Connection, cmd *model.Command, data []byte) (model.OutputData, error)
	// SaveFromOrigin replays changes over the origin file.
	SaveFromOrigin(ctx context.Context, cmd *model.Command, data []byte) (model.OutputData, error)
	// SetPassword sets or clears the document password.
	SetPassword(ctx context.Context, conn *model.Connection, cmd *model.Command) (model.OutputData, error)
	// ReceiveTask applies a raw worker result.
	ReceiveTask(ctx context.Context, raw []byte) error
	// StartSave begins the save that follows the end of an editing session.
	StartSave(ctx context.Context, docID, userID string, userIndex int) error
	// StartForceSave saves the document while it stays open.
	StartForceSave(ctx context.Context, docID string, typ model.ForceSaveType, userID string, userIndex int) (bool, error)
	// CloseSession drops the connection and saves the document after the last editor left.
	CloseSession(ctx context.Context, conn *model.Connection) error
	// MarkChanged records unsaved changes made by an editor.
	MarkChanged(ctx context.Context, docID string) error
	// SetSaved records the owner's answer to a save notification.
	SetSaved(ctx context.Context, docID, val string) error
}

// Deliverer runs the save callback for finished save tasks.
type Deliverer interface {
	Deliver(ctx context.Context, task *model.TaskQueueData, mode callback.Mode) (string, error)
	IsShutdown() bool
}

// Capabilities are resolved once at startup.
type Capabilities struct {
	OpenProtectedFile bool // password-protected documents may be opened
	PasswordColumn    bool // the status store keeps document passwords
}

// Options tune DocServiceImpl.
type Options struct {
	Caps                Capabilities
	UpdateVersionExpiry time.Duration // UpdateVersion older than this is resolved to Ok on read
	PresenceTTL         time.Duration
	ForceSaveInterval   time.Duration // delay of the timeout force-save after a change; 0 disables it
	SaveFormat          string        // extension of saved files, default "docx"
	ForgottenName       string
	Now                 func() time.Time
}

// Deps are the collaborators of DocServiceImpl.
type Deps struct {
	Repo     repository.TaskResultRepository
	Store    storage.ObjectStore
	Editor   editordata.Store
	Queue    queue.TaskQueue
	Engine   Deliverer
	Cipher   *crypto.PasswordCipher
	Outputs  Publisher
	Attempts limiter.Limiter // wrong password throttling, nil disables it
}

// DocServiceImpl implements DocService.
type DocServiceImpl struct {
	d     Deps
	opts  Options
	cache *Cache
	log   *zap.Logger
}

var _ DocService = (*DocServiceImpl)(nil)

// NewDocService constructs DocServiceImpl with defaults for zero options.
func NewDocService(d Deps, opts Options, log *zap.Logger) *DocServiceImpl {
	if opts.UpdateVersionExpiry <= 0 {
		opts.UpdateVersionExpiry = 5 * time.Minute
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 5 * time.Minute
	}
	if opts.SaveFormat == "" {
		opts.SaveFormat = "docx"
	}
	if opts.ForgottenName == "" {
		opts.ForgottenName = model.OutputName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if d.Outputs == nil {
		d.Outputs = NopPublisher{}
	}
	return &DocServiceImpl{
		d:     d,
		opts:  opts,
		cache: NewCache(d.Repo, d.Store, log),
		log:   log.With(zap.String("component", "docservice")),
	}
}

// CleanupErrToReload resets a reported ErrToReload row of the current tenant.
func (s *DocServiceImpl) CleanupErrToReload(ctx context.Context, key string) error {
	return s.cache.CleanupErrToReload(ctx, opctx.Tenant(ctx), key)
}

func (s *DocServiceImpl) logger(ctx context.Context) *zap.Logger {
	return opctx.Logger(ctx, s.log)
}

func docRef(ctx context.Context, docID string) editordata.DocRef {
	return editordata.DocRef{Tenant: opctx.Tenant(ctx), DocID: docID}
}

func taskContext(ctx context.Context, docID string) model.TaskContext {
	op, _ := opctx.From(ctx)
	return model.TaskContext{Tenant: opctx.Tenant(ctx), DocID: docID, UserID: op.UserID}
}

// sealPassword encrypts the caller-supplied password so it never leaves the service in clear text.
func (s *DocServiceImpl) sealPassword(ctx context.Context, cmd *model.Command) error {
	if cmd.Password == "" || s.d.Cipher == nil {
		return nil
	}
	enc, err := s.d.Cipher.Encrypt(opctx.Tenant(ctx), cmd.Password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	cmd.Password = enc
	return nil
}

// samePassword compares two sealed passwords.
func (s *DocServiceImpl) samePassword(ctx context.Context, a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if s.d.Cipher == nil {
		return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
	}
	tenant := opctx.Tenant(ctx)
	pa, err := s.d.Cipher.Decrypt(tenant, a)
	if err != nil {
		s.logger(ctx).Warn("decrypt document password", zap.Error(err))
		return false
	}
	pb, err := s.d.Cipher.Decrypt(tenant, b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pa), []byte(pb)) == 1
}

// selectRow returns nil without error for a missing row.
func (s *DocServiceImpl) selectRow(ctx context.Context, key string) (*model.DocumentRecord, error) {
	row, err := s.d.Repo.Select(ctx, opctx.Tenant(ctx), key)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return row, nil
}

func (s *DocServiceImpl) addTask(ctx context.Context, task *model.TaskQueueData, p model.Priority) error {
	if err := s.d.Queue.AddTask(ctx, task, p); err != nil {
		return fmt.Errorf("add %s task: %w", task.Cmd.Name, err)
	}
	tasksEnqueued.WithLabelValues(task.Cmd.Name).Inc()
	return nil
}

// addRandomKeyTask creates the row of a save and stores its key suffix in cmd.
func (s *DocServiceImpl) addRandomKeyTask(ctx context.Context, cmd *model.Command) error {
	key, err := s.d.Repo.AddRandomKeyTask(ctx, opctx.Tenant(ctx), cmd.DocID)
	if err != nil {
		return fmt.Errorf("add save key: %w", err)
	}
	cmd.SaveKey = key[len(cmd.DocID):]
	return nil
}
