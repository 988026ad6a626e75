package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisKeyPrefix = "smart-mail-reply:notification:"

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis extends a local lock set across processes with SET NX and a TTL.
// The local set is always taken first; when Redis is unreachable the lock
// degrades to process scope.
type Redis struct {
	local  *Memory
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis creates a distributed locker
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{local: NewMemory(), client: client, ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL
func NewRedisFromURL(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opts), ttl), nil
}

// TryLock claims key locally and in Redis
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool) {
	unlockLocal, ok := r.local.TryLock(ctx, key)
	if !ok {
		return nil, false
	}

	token := uuid.NewString()
	redisKey := redisKeyPrefix + key
	acquired, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Redis lock unavailable, using process-local lock")
		return unlockLocal, true
	}
	if !acquired {
		unlockLocal()
		return nil, false
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
			logrus.WithError(err).WithField("key", key).Warn("Failed to release Redis lock, it will expire")
		}
		unlockLocal()
	}, true
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
