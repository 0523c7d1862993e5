package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/attention-credit/internal/errs"
	"github.com/mmeshcher/attention-credit/internal/model"
)

// DefaultRedisTTL задаёт срок хранения незавершённого прогресса.
const DefaultRedisTTL = 30 * 24 * time.Hour

// redisClient описывает методы *redis.Client, используемые хранилищем.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore хранит прогресс в Redis в виде JSON под ключом progress:<user>:<content>.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisStore подключается к Redis по адресу addr и проверяет соединение.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: DefaultRedisTTL}, nil
}

func redisKey(userID int64, contentID string) string {
	return fmt.Sprintf("progress:%d:%s", userID, contentID)
}

// Load возвращает прогресс или errs.ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, userID int64, contentID string) (*model.WatchProgress, error) {
	raw, err := s.client.Get(ctx, redisKey(userID, contentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var p model.WatchProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}

// Save записывает прогресс и продлевает срок хранения.
func (s *RedisStore) Save(ctx context.Context, p *model.WatchProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(p.UserID, p.ContentID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete удаляет прогресс.
func (s *RedisStore) Delete(ctx context.Context, userID int64, contentID string) error {
	if err := s.client.Del(ctx, redisKey(userID, contentID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close закрывает соединение.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
