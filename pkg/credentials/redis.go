package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
)

// RedisStore keeps tokens in a Redis hash so several processes can share one session.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisStore stores tokens under key. A positive ttl expires the hash after each Set.
func NewRedisStore(client redis.UniversalClient, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context) (Tokens, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Tokens{}, fmt.Errorf("redis get credentials: %w", err)
	}
	return Tokens{
		AccessToken:  values[fieldAccessToken],
		RefreshToken: values[fieldRefreshToken],
	}, nil
}

func (s *RedisStore) Set(ctx context.Context, tokens Tokens) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key,
			fieldAccessToken, tokens.AccessToken,
			fieldRefreshToken, tokens.RefreshToken,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis clear credentials: %w", err)
	}
	return nil
}
