package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// Locker grants per-contract ownership of an ingestion cycle so that
// only one instance polls a contract at a time.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func lockKey(contract string) string {
	return "arandu:ingestion:lock:" + contract
}

// LocalLocker is enough for a single instance.
type LocalLocker struct {
	held *xsync.Map[string, time.Time]
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: xsync.NewMap[string, time.Time](), now: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	acquired := false
	l.held.Compute(key, func(expires time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Before(expires) {
			return expires, xsync.CancelOp
		}
		acquired = true
		return now.Add(ttl), xsync.UpdateOp
	})
	return acquired, nil
}

func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.held.Delete(key)
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds locks as SET NX PX keys tagged with a per-instance
// owner token, so an instance only ever releases its own lock.
type RedisLocker struct {
	client redis.UniversalClient
	owner  string
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, owner: uuid.NewString()}
}

func (l *RedisLocker) Owner() string {
	return l.owner
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// already ours from an earlier cycle that did not release
	refreshed, err := refreshScript.Run(ctx, l.client, []string{key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return refreshed == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, l.owner).Err()
}
