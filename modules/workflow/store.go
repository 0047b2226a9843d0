package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quel-tryon-client/modules/common/model"
	redisutil "quel-tryon-client/modules/common/redis"
)

// Store - persistence for drafts, keyed by workflow kind
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	LoadSessions(ctx context.Context) ([]Session, error)
	SaveActiveKind(ctx context.Context, kind model.JobKind) error
	LoadActiveKind(ctx context.Context) (model.JobKind, error)
}

// RedisStore - Store backed by one Redis string per kind
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) SaveSession(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, redisutil.SessionKey(string(s.Kind)), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s session: %w", s.Kind, err)
	}
	return nil
}

func (r *RedisStore) LoadSessions(ctx context.Context) ([]Session, error) {
	keys := make([]string, len(model.AllKinds))
	for i, k := range model.AllKinds {
		keys[i] = redisutil.SessionKey(string(k))
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var out []Session
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", keys[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) SaveActiveKind(ctx context.Context, kind model.JobKind) error {
	return r.rdb.Set(ctx, redisutil.ActiveSessionKey, string(kind), 0).Err()
}

func (r *RedisStore) LoadActiveKind(ctx context.Context) (model.JobKind, error) {
	v, err := r.rdb.Get(ctx, redisutil.ActiveSessionKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.KindClassic, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load active kind: %w", err)
	}
	return model.ParseKind(v)
}

// Persist writes every draft and the active kind.
func (m *Manager) Persist(ctx context.Context, store Store) error {
	active, sessions := m.Snapshot()
	for _, s := range sessions {
		if err := store.SaveSession(ctx, s); err != nil {
			return err
		}
	}
	return store.SaveActiveKind(ctx, active)
}

// Restore loads drafts saved by Persist. Missing kinds stay empty.
func (m *Manager) Restore(ctx context.Context, store Store) error {
	sessions, err := store.LoadSessions(ctx)
	if err != nil {
		return err
	}
	active, err := store.LoadActiveKind(ctx)
	if err != nil {
		return err
	}
	m.Load(active, sessions)
	return nil
}
