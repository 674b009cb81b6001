package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SendLock is a SET NX lock with an expiry, used to keep two processes from
// executing the same campaign at once.
type SendLock struct {
	client *Client
	logger *zap.Logger
}

func NewSendLock(client *Client, logger *zap.Logger) *SendLock {
	return &SendLock{client: client, logger: logger}
}

func (l *SendLock) buildKey(key string) string {
	return "flock:lock:" + key
}

// Acquire takes the lock for ttl. ok is false when another holder has it.
// The returned token must be passed to Release.
func (l *SendLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, l.buildKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("lock held elsewhere", zap.String("key", key))
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lock if token still owns it. A lock that expired and was
// taken by someone else is left alone.
func (l *SendLock) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.buildKey(key)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", key))
	}
	return nil
}
