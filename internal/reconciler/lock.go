package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAlreadyRunning means another reconciler holds the run lock.
var ErrAlreadyRunning = errors.New("reconciler: another run is in progress")

// DefaultLockKey is the Redis key guarding reconciliation runs.
const DefaultLockKey = "reconciler:run-lock"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const lockRenewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Lock guards a run against concurrent reconcilers.
type Lock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// RedisLock is a lease lock: SET NX with a TTL, renewed by the holder every
// third of the TTL and released only by the holder.
type RedisLock struct {
	rdb     redis.Cmdable
	release *redis.Script
	renew   *redis.Script
	key     string
	ttl     time.Duration
}

func NewRedisLock(rdb redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLock{
		rdb:     rdb,
		release: redis.NewScript(lockReleaseScript),
		renew:   redis.NewScript(lockRenewScript),
		key:     key,
		ttl:     ttl,
	}
}

// Acquire returns ErrAlreadyRunning if the lock is held elsewhere.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	if l.ttl < time.Millisecond {
		return nil, errors.New("reconciler: lock ttl must be at least 1ms")
	}

	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), token, stop, done)

	return func() {
		close(stop)
		<-done

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.release.Run(releaseCtx, l.rdb, []string{l.key}, token).Err(); err != nil {
			slog.Warn("reconciler: releasing run lock", "key", l.key, "error", err)
		}
	}, nil
}

// keepAlive extends the lease until stop is closed. A lost lease is logged
// once and not retaken.
func (l *RedisLock) keepAlive(ctx context.Context, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, l.ttl/3)
			n, err := l.renew.Run(renewCtx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				slog.Warn("reconciler: renewing run lock", "key", l.key, "error", err)
			case n == 0:
				slog.Error("reconciler: run lock lost to another holder", "key", l.key)
				return
			}
		}
	}
}
