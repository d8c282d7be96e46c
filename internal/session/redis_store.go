// Package session remembers which invoke tokens were already spent so a
// captured token cannot start a second executor run.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrReplayed = errors.New("token already used")

// RedisStore records spent token ids with SET NX until the token expires.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "relator:jti:",
	}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

// Spend marks jti as used. It returns ErrReplayed when jti was spent before.
func (s *RedisStore) Spend(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("spend token %s: already expired", jti)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.key(jti), time.Now().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("spend token: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}
