package gate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "gate:burst:"
	burstWindow    = time.Minute
	burstKeyTTL    = 90 * time.Second
)

// BurstLimiter caps how many chat calls a single user may start per minute,
// independent of free quota or balance. It uses a Redis sorted set as a
// sliding window so every API replica shares the same view.
type BurstLimiter struct {
	rdb          redis.Cmdable
	maxPerMinute int
}

// NewBurstLimiter returns nil when maxPerMinute <= 0, which disables the check.
func NewBurstLimiter(rdb redis.Cmdable, maxPerMinute int) *BurstLimiter {
	if maxPerMinute <= 0 {
		return nil
	}
	return &BurstLimiter{rdb: rdb, maxPerMinute: maxPerMinute}
}

// Allow records the call and reports whether it fits inside the window.
// Rejected calls are not recorded.
func (b *BurstLimiter) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	if b == nil {
		return true, nil
	}

	key := burstKeyPrefix + userID.String()
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-burstWindow).UnixMilli(), 10)

	pipe := b.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (trim+count): %w", err)
	}

	if count.Val() >= int64(b.maxPerMinute) {
		return false, nil
	}

	pipe = b.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	pipe.Expire(ctx, key, burstKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (record): %w", err)
	}
	return true, nil
}

// InWindow returns how many calls the user started in the last minute.
func (b *BurstLimiter) InWindow(ctx context.Context, userID uuid.UUID) (int, error) {
	if b == nil {
		return 0, nil
	}
	now := time.Now()
	n, err := b.rdb.ZCount(ctx, burstKeyPrefix+userID.String(),
		strconv.FormatInt(now.Add(-burstWindow).UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("counting burst window: %w", err)
	}
	return int(n), nil
}

// Limit returns the per-minute cap, or 0 when disabled.
func (b *BurstLimiter) Limit() int {
	if b == nil {
		return 0
	}
	return b.maxPerMinute
}
