package sessioncache

import (
	"context"
	"errors"
	"fmt"

	"questro/internal/models"
	"questro/internal/redis"
)

const redisKeyPrefix = "questro:history:"

type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend keeps one hash per (user, kind) partition; each field is a
// session id holding the JSON session.
func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func partitionKey(userID int64, kind models.Kind) string {
	return fmt.Sprintf("%s%d:%s", redisKeyPrefix, userID, kind)
}

func (b *redisBackend) Get(ctx context.Context, userID int64, kind models.Kind, id string) ([]byte, bool, error) {
	raw, err := b.client.HGet(ctx, partitionKey(userID, kind), id)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (b *redisBackend) List(ctx context.Context, userID int64, kind models.Kind) (map[string][]byte, error) {
	fields, err := b.client.HGetAll(ctx, partitionKey(userID, kind))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fields))
	for id, raw := range fields {
		out[id] = []byte(raw)
	}
	return out, nil
}

func (b *redisBackend) Put(ctx context.Context, userID int64, kind models.Kind, s *models.Session, payload []byte) error {
	return b.client.HSet(ctx, partitionKey(userID, kind), s.ID, string(payload))
}

func (b *redisBackend) Delete(ctx context.Context, userID int64, kind models.Kind, id string) error {
	return b.client.HDel(ctx, partitionKey(userID, kind), id)
}

func (b *redisBackend) DeleteUser(ctx context.Context, userID int64) error {
	keys := make([]string, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		keys = append(keys, partitionKey(userID, kind))
	}
	return b.client.Del(ctx, keys...)
}
