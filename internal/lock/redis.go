package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Redis leases locks with SET NX PX and a random owner token; release and
// extension only succeed for the token that acquired the lock.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "relator:lock:"}
}

func (r *Redis) ProcessWithLock(ctx context.Context, name string, ttl time.Duration, fn Func) error {
	lease := &redisLease{
		client: r.client,
		name:   name,
		key:    r.prefix + name,
		token:  newToken(),
	}
	acquired, err := r.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		return lockedError(name)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{lease.key}, lease.token).Err(); err != nil {
			slog.Warn("release lock failed", "component", "lock", "lock", name, "error", err)
		}
	}()

	return fn(ctx, lease)
}

type redisLease struct {
	client *redis.Client
	name   string
	key    string
	token  string
}

func (l *redisLease) Name() string {
	return l.name
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.name, err)
	}
	if extended == 0 {
		return fmt.Errorf("extend lock %s: %w", l.name, ErrLeaseLost)
	}
	return nil
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
