package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "queue")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "queue", []byte(`[1,2,3]`)))

	got, err := store.Get(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, []byte(`[1,2,3]`), got)

	require.NoError(t, store.Remove(ctx, "queue"))
	_, err = store.Get(ctx, "queue")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	src := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", src))
	src[0] = 'x'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "queue/entries")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "queue/entries", []byte(`{"v":1}`)))

	got, err := store.Get(ctx, "queue/entries")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), got)

	require.NoError(t, store.Set(ctx, "queue/entries", []byte(`{"v":2}`)))
	got, err = store.Get(ctx, "queue/entries")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":2}`), got)

	require.NoError(t, store.Remove(ctx, "queue/entries"))
	require.NoError(t, store.Remove(ctx, "queue/entries"))
	_, err = store.Get(ctx, "queue/entries")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "marker", []byte("v7")))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := second.Get(ctx, "marker")
	require.NoError(t, err)
	require.Equal(t, []byte("v7"), got)
}
