package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tg-recap-bot/internal/domain"
	"tg-recap-bot/internal/infra/metrics"
)

// DefaultTTL задаёт TTL блокировок по виду работы. TTL обязан превышать
// максимальную ожидаемую длительность задачи: истечение — единственный
// механизм восстановления после смерти держателя.
var DefaultTTL = map[domain.JobKind]time.Duration{
	domain.JobIngest: 15 * time.Minute,
	domain.JobDigest: 10 * time.Minute,
}

// RedisLocker реализует domain.Locker через SET NX PX.
type RedisLocker struct {
	client *redis.Client
	holder string
}

var _ domain.Locker = (*RedisLocker)(nil)

// NewRedisLocker создаёт менеджер блокировок с меткой держателя.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	host, _ := os.Hostname()
	return &RedisLocker{client: client, holder: host + ":" + uuid.NewString()}
}

func lockKey(kind domain.JobKind, userID string) string {
	return fmt.Sprintf("lock:%s:%s", kind, userID)
}

// Acquire атомарно ставит блокировку, если ключ свободен.
func (l *RedisLocker) Acquire(ctx context.Context, kind domain.JobKind, userID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL[kind]
	}
	start := time.Now()
	ok, err := l.client.SetNX(ctx, lockKey(kind, userID), l.holder, ttl).Result()
	metrics.ObserveNetworkRequest("redis", "lock_acquire", string(kind), start, err)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Release безусловно снимает блокировку.
func (l *RedisLocker) Release(ctx context.Context, kind domain.JobKind, userID string) error {
	start := time.Now()
	err := l.client.Del(ctx, lockKey(kind, userID)).Err()
	metrics.ObserveNetworkRequest("redis", "lock_release", string(kind), start, err)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Extend продлевает TTL, если блокировка ещё существует.
func (l *RedisLocker) Extend(ctx context.Context, kind domain.JobKind, userID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL[kind]
	}
	start := time.Now()
	ok, err := l.client.PExpire(ctx, lockKey(kind, userID), ttl).Result()
	metrics.ObserveNetworkRequest("redis", "lock_extend", string(kind), start, err)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return ok, nil
}
