package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memvault/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	loc, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, loc)

	data, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestPutIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical payloads share a locator")

	c, err := s.Put(ctx, []byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	loc, err := s.Put(ctx, []byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, loc))

	_, err = s.Get(ctx, loc)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ref, err := s.PutBatch(ctx, []store.BatchItem{
		{ID: "i1", Data: []byte("one"), Tags: map[string]string{"category": "health"}},
		{ID: "i2", Data: []byte("two")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ref.Locator)
	require.Len(t, ref.Patches, 2)

	one, err := s.GetFromBatch(ctx, ref.Locator, "i1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), one)

	two, err := s.GetFromBatch(ctx, ref.Locator, "i2")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), two)

	_, err = s.GetFromBatch(ctx, ref.Locator, "i3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmptyBatchRejected(t *testing.T) {
	s := newStore(t)

	_, err := s.PutBatch(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrRejected)
}

func TestAwaitBatchAvailabilityImmediate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ref, err := s.PutBatch(ctx, []store.BatchItem{{ID: "i1", Data: []byte("x")}})
	require.NoError(t, err)

	assert.True(t, s.AwaitBatchAvailability(ctx, ref.Locator, "i1", time.Second))
	assert.False(t, s.AwaitBatchAvailability(ctx, ref.Locator, "missing", 10*time.Millisecond))
}

func TestInMemoryMode(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	defer s.Close()

	loc, err := s.Put(context.Background(), []byte("ephemeral"))
	require.NoError(t, err)

	data, err := s.Get(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("ephemeral"), data)
}
