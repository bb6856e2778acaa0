package application

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/civicportal/model"
)

func TestFormatIdempotencyKey(t *testing.T) {
	assert.Equal(t, "idem:submit:c-1:abc", FormatIdempotencyKey("c-1", "abc"))
}

func TestHashSubmission_StableAcrossMapOrder(t *testing.T) {
	a, err := HashSubmission("birth-certificate", map[string]any{"a": "1", "b": true})
	require.NoError(t, err)
	b, err := HashSubmission("birth-certificate", map[string]any{"b": true, "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HashSubmission("marriage-certificate", map[string]any{"a": "1", "b": true})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, found, err := s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	assert.False(t, found)

	rec := testRecord("r-1", "c-1", "BC-2026-00000001")
	require.NoError(t, s.Store(ctx, "k", "h1", rec, time.Hour))

	got, found, err := s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r-1", got.ID)

	_, found, err = s.Check(ctx, "k", "h2")
	assert.True(t, found)
	assert.True(t, model.HasCode(err, model.ErrConflict))

	now = now.Add(2 * time.Hour)
	_, found, err = s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, s.Len())
}

func TestMemoryIdempotencyStore_Purge(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	rec := testRecord("r-1", "c-1", "BC-2026-00000001")
	require.NoError(t, s.Store(ctx, "short", "h", rec, time.Minute))
	require.NoError(t, s.Store(ctx, "long", "h", rec, time.Hour))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, s.Purge())
	assert.Equal(t, 1, s.Len())
}

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client), mr
}

func TestRedisIdempotencyStore(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.HealthCheck(ctx))

	_, found, err := s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	assert.False(t, found)

	rec := testRecord("r-1", "c-1", "BC-2026-00000001")
	rec.Payload["spouse_names"] = []string{"Ada", "Chidi"}
	require.NoError(t, s.Store(ctx, "k", "h1", rec, time.Hour))

	got, found, err := s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ReferenceNumber, got.ReferenceNumber)
	assert.Equal(t, []string{"Ada", "Chidi"}, got.Payload["spouse_names"])

	_, _, err = s.Check(ctx, "k", "h2")
	assert.True(t, model.HasCode(err, model.ErrConflict))

	mr.FastForward(2 * time.Hour)
	_, found, err = s.Check(ctx, "k", "h1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisIdempotencyStore_ServerDown(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	_, _, err := s.Check(context.Background(), "k", "h1")
	assert.Error(t, err)
	assert.Error(t, s.HealthCheck(context.Background()))
}
