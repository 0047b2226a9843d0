package workflow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-tryon-client/modules/common/model"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	m := NewManager()
	require.NoError(t, m.SetField(GroupPerson, FieldSelfImage, str("file://a.jpg")))
	require.NoError(t, m.SetActiveKind(model.KindTextToFashion))
	require.NoError(t, m.SetField(GroupNone, FieldFashionDescription, str("silk scarf")))
	m.NextStep()
	require.NoError(t, m.Persist(ctx, store))

	restored := NewManager()
	require.NoError(t, restored.Restore(ctx, store))

	assert.Equal(t, model.KindTextToFashion, restored.ActiveKind())
	assert.Equal(t, 2, restored.Active().Step)
	assert.True(t, restored.IsValid(model.KindTextToFashion))

	classic, err := restored.Session(model.KindClassic)
	require.NoError(t, err)
	self, _ := classic.Payload.Get(FieldSelfImage)
	require.NotNil(t, self)
	assert.Equal(t, "file://a.jpg", *self)
}

func TestRestoreEmptyStore(t *testing.T) {
	store, _ := newTestStore(t)

	m := NewManager()
	require.NoError(t, m.Restore(context.Background(), store))
	assert.Equal(t, model.KindClassic, m.ActiveKind())
	assert.False(t, m.IsValid(model.KindClassic))
}

func TestLoadSessionsRejectsCorruptData(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("tryon:session:classic", "{not json"))

	_, err := store.LoadSessions(context.Background())
	assert.Error(t, err)
}
