package xcred

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix RedisStore 默认 key 前缀。
const DefaultRedisKeyPrefix = "xlark:"

// RedisStore 基于 Redis 的共享存储，多实例部署时使用。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var (
	_ RefreshTokenStore = (*RedisStore)(nil)
	_ AppTicketStore    = (*RedisStore)(nil)
)

// RedisStoreOption RedisStore 选项。
type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix 设置 key 前缀。
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore 创建 RedisStore。
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}
	s := &RedisStore{
		client:    client,
		keyPrefix: DefaultRedisKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) get(ctx context.Context, key string, notFound error) (string, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", notFound
		}
		return "", fmt.Errorf("xcred: redis get failed: %w", err)
	}
	return v, nil
}

func (s *RedisStore) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("xcred: redis set failed: %w", err)
	}
	return nil
}

// LoadRefreshToken 实现 RefreshTokenStore。
func (s *RedisStore) LoadRefreshToken(ctx context.Context, appID, userID string) (string, error) {
	return s.get(ctx, refreshTokenKey(appID, userID), ErrRefreshTokenNotFound)
}

// SaveRefreshToken 实现 RefreshTokenStore。
func (s *RedisStore) SaveRefreshToken(ctx context.Context, appID, userID, token string, ttl time.Duration) error {
	return s.set(ctx, refreshTokenKey(appID, userID), token, ttl)
}

// DeleteRefreshToken 实现 RefreshTokenStore。
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, appID, userID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+refreshTokenKey(appID, userID)).Err(); err != nil {
		return fmt.Errorf("xcred: redis del failed: %w", err)
	}
	return nil
}

// LoadAppTicket 实现 AppTicketStore。
func (s *RedisStore) LoadAppTicket(ctx context.Context, appID string) (string, error) {
	return s.get(ctx, appTicketKey(appID), ErrAppTicketNotFound)
}

// SaveAppTicket 实现 AppTicketStore。
func (s *RedisStore) SaveAppTicket(ctx context.Context, appID, ticket string, ttl time.Duration) error {
	return s.set(ctx, appTicketKey(appID), ticket, ttl)
}
