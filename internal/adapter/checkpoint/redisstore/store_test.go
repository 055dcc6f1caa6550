package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestLoadMissingCheckpointReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	state, err := s.Load(context.Background(), "0")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	state := domain.NewCheckpointState("0", 3)
	require.True(t, state.MarkCompleted("PROD-000001"))
	require.True(t, state.MarkFailed("PROD-000002", "terminal"))
	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, "0")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 3, loaded.TotalItems)
	assert.True(t, loaded.IsCompleted("PROD-000001"))
	assert.True(t, loaded.IsFailed("PROD-000002"))
	assert.False(t, loaded.Complete())
}

func TestSaveOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	state := domain.NewCheckpointState("4", 2)
	require.NoError(t, s.Save(ctx, state))
	state.MarkCompleted("PROD-000003")
	state.MarkCompleted("PROD-000004")
	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, "4")
	require.NoError(t, err)
	assert.True(t, loaded.Complete())
}

func TestLoadCorruptValueFails(t *testing.T) {
	s, mr := newTestStore(t)

	require.NoError(t, mr.Set("checkpoint:partition:5", "{bad"))
	_, err := s.Load(context.Background(), "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestSaveFailsWhenRedisDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	err := s.Save(context.Background(), domain.NewCheckpointState("6", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}
