package editordata

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/docservice/internal/model"
	"github.com/stretchr/testify/require"
)

var ref = DocRef{Tenant: "t1", DocID: "A"}

func TestMemory_Presence(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	ctx := context.Background()

	require.NoError(t, m.AddPresence(ctx, ref, Presence{ConnID: "c1", UserID: "u1"}, time.Minute))
	require.NoError(t, m.AddPresence(ctx, ref, Presence{ConnID: "c2", UserID: "u2", View: true}, time.Minute))
	n, err := m.EditorsCount(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, m.RemovePresence(ctx, ref, "c1"))
	n, _ = m.EditorsCount(ctx, ref)
	require.Zero(t, n)
	ps, _ := m.Presence(ctx, ref)
	require.Len(t, ps, 1)
}

func TestMemory_ForceSaveLifecycle(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	ctx := context.Background()

	fs, err := m.GetForceSave(ctx, ref)
	require.NoError(t, err)
	require.Nil(t, fs)

	started, cur, err := m.StartForceSave(ctx, ref, model.ForceSave{Type: model.ForceSaveButton, Time: 100})
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, int64(100), cur.Time)

	started, cur, _ = m.StartForceSave(ctx, ref, model.ForceSave{Type: model.ForceSaveTimeout, Time: 200})
	require.False(t, started)
	require.Equal(t, int64(100), cur.Time)

	ok, _ := m.EndForceSave(ctx, ref, 99)
	require.False(t, ok)
	ok, _ = m.EndForceSave(ctx, ref, 100)
	require.True(t, ok)

	started, _, _ = m.StartForceSave(ctx, ref, model.ForceSave{Type: model.ForceSaveTimeout, Time: 200})
	require.True(t, started)
}

func TestMemory_SavedChangesGeneration(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	ctx := context.Background()

	v, _ := m.GetDelSaved(ctx, ref)
	require.Nil(t, v)
	require.NoError(t, m.SetSaved(ctx, ref, "0"))
	v, _ = m.GetDelSaved(ctx, ref)
	require.Equal(t, "0", *v)
	v, _ = m.GetDelSaved(ctx, ref)
	require.Nil(t, v)

	changed, _ := m.HasChanges(ctx, ref)
	require.False(t, changed)
	require.NoError(t, m.MarkChanged(ctx, ref))
	changed, _ = m.HasChanges(ctx, ref)
	require.True(t, changed)

	g1, _ := m.NextGeneration(ctx, ref)
	g2, _ := m.NextGeneration(ctx, ref)
	require.Equal(t, g1+1, g2)

	require.NoError(t, m.CleanDocumentOnExit(ctx, ref))
	changed, _ = m.HasChanges(ctx, ref)
	require.False(t, changed)
	g3, _ := m.NextGeneration(ctx, ref)
	require.Equal(t, g2+1, g3, "generation must survive cleanup")
}

func TestMemory_ExpiryIndexes(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()
	other := DocRef{Tenant: "t1", DocID: "B"}

	require.NoError(t, m.AddPresence(ctx, ref, Presence{ConnID: "c1"}, time.Minute))
	require.NoError(t, m.AddPresence(ctx, other, Presence{ConnID: "c2"}, time.Hour))

	due, _ := m.PresenceExpired(ctx, now.Add(2*time.Minute), 10)
	require.Equal(t, []DocRef{ref}, due)
	due, _ = m.PresenceExpired(ctx, now.Add(2*time.Minute), 10)
	require.Empty(t, due, "expired entries are popped once")

	require.NoError(t, m.SetForceSaveTimer(ctx, ref, now.Add(time.Second)))
	require.NoError(t, m.SetForceSaveTimer(ctx, ref, now.Add(time.Hour)))
	due, _ = m.ForceSaveTimers(ctx, now.Add(2*time.Second), 10)
	require.Equal(t, []DocRef{ref}, due, "first timer wins")
}

func TestMemory_Shutdown(t *testing.T) {
	t.Parallel()
	m := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, m.AddShutdown(ctx, ref))
	n, _ := m.ShutdownCount(ctx)
	require.Equal(t, 1, n)
	require.NoError(t, m.RemoveShutdown(ctx, ref))
	n, _ = m.ShutdownCount(ctx)
	require.Zero(t, n)
}

func TestDocRefMember(t *testing.T) {
	t.Parallel()
	r := DocRef{Tenant: "t1", DocID: "doc|with|bars"}
	require.Equal(t, r, parseMember(r.member()))
}
