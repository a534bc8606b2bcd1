package editordata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/docservice/internal/model"
)

type memDoc struct {
	presence  map[string]Presence
	forceSave *model.ForceSave
	saved     *string
	changes   int
	gen       int
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu       sync.Mutex
	docs     map[DocRef]*memDoc
	expireAt map[DocRef]time.Time
	timers   map[DocRef]time.Time
	shutdown map[DocRef]struct{}
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty store. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		docs:     make(map[DocRef]*memDoc),
		expireAt: make(map[DocRef]time.Time),
		timers:   make(map[DocRef]time.Time),
		shutdown: make(map[DocRef]struct{}),
		now:      now,
	}
}

func (m *Memory) doc(ref DocRef) *memDoc {
	d, ok := m.docs[ref]
	if !ok {
		d = &memDoc{presence: make(map[string]Presence)}
		m.docs[ref] = d
	}
	return d
}

// AddPresence records the connection.
func (m *Memory) AddPresence(_ context.Context, ref DocRef, p Presence, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(ref).presence[p.ConnID] = p
	m.expireAt[ref] = m.now().Add(ttl)
	return nil
}

// RemovePresence forgets the connection.
func (m *Memory) RemovePresence(_ context.Context, ref DocRef, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc(ref).presence, connID)
	return nil
}

// Presence lists connections ordered by connection id.
func (m *Memory) Presence(_ context.Context, ref DocRef) ([]Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(ref)
	out := make([]Presence, 0, len(d.presence))
	for _, p := range d.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out, nil
}

// EditorsCount counts connections that are not view-only.
func (m *Memory) EditorsCount(ctx context.Context, ref DocRef) (int, error) {
	ps, _ := m.Presence(ctx, ref)
	return countEditors(ps), nil
}

// GetForceSave returns a copy of the force-save record.
func (m *Memory) GetForceSave(_ context.Context, ref DocRef) (*model.ForceSave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.doc(ref).forceSave
	if fs == nil {
		return nil, nil
	}
	cp := *fs
	return &cp, nil
}

// StartForceSave stores fs unless an unfinished force-save exists.
func (m *Memory) StartForceSave(_ context.Context, ref DocRef, fs model.ForceSave) (bool, *model.ForceSave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(ref)
	if d.forceSave != nil && !d.forceSave.Ended {
		cp := *d.forceSave
		return false, &cp, nil
	}
	cp := fs
	d.forceSave = &cp
	out := fs
	return true, &out, nil
}

// EndForceSave marks the matching force-save as ended.
func (m *Memory) EndForceSave(_ context.Context, ref DocRef, startedAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.doc(ref).forceSave
	if fs == nil || fs.Time != startedAt {
		return false, nil
	}
	fs.Ended = true
	return true, nil
}

// GetDelSaved reads and clears the saved flag.
func (m *Memory) GetDelSaved(_ context.Context, ref DocRef) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(ref)
	v := d.saved
	d.saved = nil
	return v, nil
}

// SetSaved writes the saved flag.
func (m *Memory) SetSaved(_ context.Context, ref DocRef, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(ref).saved = &val
	return nil
}

// MarkChanged bumps the change counter.
func (m *Memory) MarkChanged(_ context.Context, ref DocRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(ref).changes++
	return nil
}

// HasChanges reports a non-zero change counter.
func (m *Memory) HasChanges(_ context.Context, ref DocRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc(ref).changes > 0, nil
}

// NextGeneration increments the generation counter.
func (m *Memory) NextGeneration(_ context.Context, ref DocRef) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(ref)
	d.gen++
	return d.gen, nil
}

// SetGeneration moves the generation counter, so the next call returns gen+1.
func (m *Memory) SetGeneration(ref DocRef, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(ref).gen = gen
}

// CleanDocumentOnExit drops everything except the generation counter.
func (m *Memory) CleanDocumentOnExit(_ context.Context, ref DocRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.doc(ref).gen
	m.docs[ref] = &memDoc{presence: make(map[string]Presence), gen: gen}
	delete(m.expireAt, ref)
	delete(m.timers, ref)
	return nil
}

// AddShutdown marks the document.
func (m *Memory) AddShutdown(_ context.Context, ref DocRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown[ref] = struct{}{}
	return nil
}

// RemoveShutdown clears the mark.
func (m *Memory) RemoveShutdown(_ context.Context, ref DocRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shutdown, ref)
	return nil
}

// ShutdownCount returns the number of marked documents.
func (m *Memory) ShutdownCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shutdown), nil
}

// PresenceExpired pops documents whose presence expired.
func (m *Memory) PresenceExpired(_ context.Context, now time.Time, limit int) ([]DocRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return popDue(m.expireAt, now, limit), nil
}

// SetForceSaveTimer schedules a timer unless one exists.
func (m *Memory) SetForceSaveTimer(_ context.Context, ref DocRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[ref]; !ok {
		m.timers[ref] = at
	}
	return nil
}

// ForceSaveTimers pops fired timers.
func (m *Memory) ForceSaveTimers(_ context.Context, now time.Time, limit int) ([]DocRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return popDue(m.timers, now, limit), nil
}

func popDue(idx map[DocRef]time.Time, now time.Time, limit int) []DocRef {
	if limit <= 0 {
		limit = 100
	}
	type entry struct {
		ref DocRef
		at  time.Time
	}
	var due []entry
	for ref, at := range idx {
		if !at.After(now) {
			due = append(due, entry{ref, at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]DocRef, 0, len(due))
	for _, e := range due {
		delete(idx, e.ref)
		out = append(out, e.ref)
	}
	return out
}
