// ABOUTME: Tests for the persisted entity collection
// ABOUTME: Covers lookup by both IDs, server identity adoption, and reload durability

package entity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjwellness/mjsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCollection_UpsertAndGet(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	m := mood("local-1", false)
	m.Score = 5
	require.NoError(t, coll.Upsert(t.Context(), m))

	got, ok := coll.Get("local-1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Score)
	assert.Equal(t, 1, coll.Len())
}

func TestCollection_GetMissing(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	_, ok := coll.Get("nope")
	assert.False(t, ok)
}

func TestCollection_UpsertReplacesByID(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Upsert(t.Context(), mood("m-1", false)))

	updated := mood("m-1", true)
	updated.Note = "revised"
	require.NoError(t, coll.Upsert(t.Context(), updated))

	require.Equal(t, 1, coll.Len())
	got, ok := coll.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, "revised", got.Note)
	assert.True(t, got.Synced)
}

func TestCollection_Adopt(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Upsert(t.Context(), mood("local-1", false)))

	confirmed := mood("srv-77", false)
	require.NoError(t, coll.Adopt(t.Context(), "local-1", confirmed))

	require.Equal(t, 1, coll.Len())

	// The entity now answers to both identifiers.
	byServer, ok := coll.Get("srv-77")
	require.True(t, ok)
	byLocal, ok2 := coll.Get("local-1")
	require.True(t, ok2)
	assert.Same(t, byServer, byLocal)
	assert.Equal(t, "local-1", byServer.ClientID)
	assert.True(t, byServer.Synced)
}

func TestCollection_AdoptUnknownLocalIDInserts(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Adopt(t.Context(), "local-gone", mood("srv-5", false)))

	got, ok := coll.Get("srv-5")
	require.True(t, ok)
	assert.True(t, got.Synced)
}

func TestCollection_Remove(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Upsert(t.Context(), mood("m-1", false)))
	require.NoError(t, coll.Remove(t.Context(), "m-1"))
	assert.Equal(t, 0, coll.Len())

	// Removing an absent entity is fine.
	require.NoError(t, coll.Remove(t.Context(), "m-1"))
}

func TestCollection_Unsynced(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Upsert(t.Context(), mood("srv-1", true)))
	require.NoError(t, coll.Upsert(t.Context(), mood("local-2", false)))
	require.NoError(t, coll.Upsert(t.Context(), mood("local-3", false)))

	unsynced := coll.Unsynced()
	require.Len(t, unsynced, 2)
	assert.Equal(t, "local-2", unsynced[0].ID)
	assert.Equal(t, "local-3", unsynced[1].ID)
}

func TestCollection_PersistsAcrossReload(t *testing.T) {
	st := newTestStore(t)

	coll := NewCollection[*Task](st, store.KeyTasks, nil)
	task := &Task{
		Meta:      Meta{ID: "local-t1"},
		Title:     "drink water",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, coll.Upsert(t.Context(), task))

	reloaded := NewCollection[*Task](st, store.KeyTasks, nil)
	require.NoError(t, reloaded.Load(t.Context()))

	got, ok := reloaded.Get("local-t1")
	require.True(t, ok)
	assert.Equal(t, "drink water", got.Title)
	assert.False(t, got.Synced)
}

func TestCollection_LoadMissingKey(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Load(t.Context()))
	assert.Equal(t, 0, coll.Len())
}

func TestCollection_ReplaceAll(t *testing.T) {
	st := newTestStore(t)
	coll := NewCollection[*Mood](st, store.KeyMoods, nil)

	require.NoError(t, coll.Upsert(t.Context(), mood("old-1", true)))
	require.NoError(t, coll.ReplaceAll(t.Context(), []*Mood{mood("new-1", true), mood("new-2", true)}))

	assert.Equal(t, 2, coll.Len())
	_, ok := coll.Get("old-1")
	assert.False(t, ok)

	reloaded := NewCollection[*Mood](st, store.KeyMoods, nil)
	require.NoError(t, reloaded.Load(t.Context()))
	assert.Equal(t, 2, reloaded.Len())
}
