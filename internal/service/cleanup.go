package service

import (
	"context"
	"fmt"

	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/repository"
	"github.com/and161185/docservice/internal/storage"
	"go.uber.org/zap"
)

// Cache removes document rows together with their cached files.
type Cache struct {
	repo  repository.TaskResultRepository
	store storage.ObjectStore
	log   *zap.Logger
}

// NewCache constructs Cache.
func NewCache(repo repository.TaskResultRepository, store storage.ObjectStore, log *zap.Logger) *Cache {
	return &Cache{repo: repo, store: store, log: log.With(zap.String("component", "cache"))}
}

// CleanupCache removes the row of docID and its files. It reports whether a row existed.
func (c *Cache) CleanupCache(ctx context.Context, tenant, docID string) (bool, error) {
	n, err := c.repo.Remove(ctx, tenant, docID)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", docID, err)
	}
	c.log.Debug("cleanup cache", zap.String("tenant", tenant), zap.String("docId", docID), zap.Int64("affected", n))
	if n == 0 {
		return false, nil
	}
	if err := c.store.DeletePath(ctx, tenant, docID); err != nil {
		return true, fmt.Errorf("delete files of %s: %w", docID, err)
	}
	return true, nil
}

// CleanupCacheIf removes the row and its files only while the row matches mask.
func (c *Cache) CleanupCacheIf(ctx context.Context, mask model.TaskMask) (bool, error) {
	n, err := c.repo.RemoveIf(ctx, mask)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", mask.Key, err)
	}
	c.log.Debug("cleanup cache if", zap.String("tenant", mask.Tenant), zap.String("docId", mask.Key), zap.Int64("affected", n))
	if n == 0 {
		return false, nil
	}
	if err := c.store.DeletePath(ctx, mask.Tenant, mask.Key); err != nil {
		return true, fmt.Errorf("delete files of %s: %w", mask.Key, err)
	}
	return true, nil
}

// CleanupErrToReload resets a reported ErrToReload row so the next open converts again.
func (c *Cache) CleanupErrToReload(ctx context.Context, tenant, key string) error {
	if _, err := c.repo.Update(ctx, tenant, key, model.SetStatus(model.StatusNone, model.NoError)); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
