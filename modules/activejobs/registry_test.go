package activejobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-tryon-client/modules/common/model"
	redisutil "quel-tryon-client/modules/common/redis"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(rdb, time.Hour, zerolog.Nop())
	r.now = func() time.Time { return clock }
	return r, mr, &clock
}

func TestAddUpdateList(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestRegistry(t)

	require.NoError(t, r.Add(ctx, "a", model.KindClassic, model.StatusPending))
	*clock = clock.Add(time.Minute)
	require.NoError(t, r.Add(ctx, "b", model.KindAvatarCreation, model.StatusPending))
	require.NoError(t, r.UpdateStatus(ctx, "a", model.StatusProcessing))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].JobID)
	assert.Equal(t, model.StatusProcessing, entries[0].Status)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), entries[0].Timestamp.UTC(), "update keeps timestamp")
	assert.Equal(t, model.KindAvatarCreation, entries[1].Kind)
}

func TestListPrunesExpired(t *testing.T) {
	ctx := context.Background()
	r, mr, clock := newTestRegistry(t)

	require.NoError(t, r.Add(ctx, "old", model.KindClassic, model.StatusProcessing))
	*clock = clock.Add(50 * time.Minute)
	require.NoError(t, r.Add(ctx, "fresh", model.KindClassic, model.StatusPending))
	*clock = clock.Add(11 * time.Minute)

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].JobID)

	assert.Empty(t, mr.HGet(redisutil.ActiveJobsHashKey, "old"))
}

func TestListDropsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	r, mr, _ := newTestRegistry(t)
	mr.HSet(redisutil.ActiveJobsHashKey, "broken", "{")

	entries, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "", mr.HGet(redisutil.ActiveJobsHashKey, "broken"))
}

func TestRemoveAndUpdateUnknown(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.Add(ctx, "a", model.KindClassic, model.StatusPending))
	require.NoError(t, r.Remove(ctx, "a"))
	require.NoError(t, r.UpdateStatus(ctx, "a", model.StatusCompleted))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
