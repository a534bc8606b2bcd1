package service

import (
	"context"
	"sync"

	"github.com/and161185/docservice/internal/model"
	"github.com/and161185/docservice/internal/opctx"
)

// Publisher hands asynchronous command output to the clients of a document.
type Publisher interface {
	Publish(ctx context.Context, docID string, out model.OutputData) error
}

// NopPublisher drops every output.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, string, model.OutputData) error { return nil }

// OutputBox keeps published outputs until a client polls them.
type OutputBox struct {
	mu    sync.Mutex
	limit int
	items map[string][]model.OutputData
}

var _ Publisher = (*OutputBox)(nil)

// NewOutputBox keeps at most limit outputs per document.
func NewOutputBox(limit int) *OutputBox {
	if limit <= 0 {
		limit = 16
	}
	return &OutputBox{limit: limit, items: make(map[string][]model.OutputData)}
}

func boxKey(ctx context.Context, docID string) string {
	return opctx.Tenant(ctx) + "|" + docID
}

// Publish appends out, dropping the oldest output over the limit.
func (b *OutputBox) Publish(ctx context.Context, docID string, out model.OutputData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := boxKey(ctx, docID)
	q := append(b.items[k], out)
	if len(q) > b.limit {
		q = q[len(q)-b.limit:]
	}
	b.items[k] = q
	return nil
}

// Take returns and forgets the outputs of docID.
func (b *OutputBox) Take(ctx context.Context, docID string) []model.OutputData {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := boxKey(ctx, docID)
	q := b.items[k]
	delete(b.items, k)
	return q
}
