package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter counts backup-key submissions per (student, session) over a
// rolling window. Take increments first and reports the count after the
// increment: the limit decision happens on the returned value, so two
// concurrent attempts at the boundary can never both be admitted.
type AttemptLimiter interface {
	Take(ctx context.Context, studentID, sessionID string) (int64, error)
}

// RedisLimiter implements AttemptLimiter with an atomic INCR and a window TTL
// applied in the same pipeline. ExpireNX keeps the window anchored to the
// first increment and makes sure a counter can never exist without a TTL.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

// NewRedisLimiter builds a limiter over the given client.
func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, window: window}
}

// Take atomically increments the counter for the tuple.
func (l *RedisLimiter) Take(ctx context.Context, studentID, sessionID string) (int64, error) {
	key := fmt.Sprintf("checkin:backup:%s:%s", sessionID, studentID)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryLimiter is an in-process AttemptLimiter for dev and tests.
type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]*memCount
}

type memCount struct {
	n     int64
	reset time.Time
}

// NewMemoryLimiter builds an in-memory limiter.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{window: window, counts: make(map[string]*memCount)}
}

// Take increments the in-memory counter under a lock.
func (l *MemoryLimiter) Take(_ context.Context, studentID, sessionID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := sessionID + "|" + studentID
	now := time.Now()
	c, ok := l.counts[key]
	if !ok || now.After(c.reset) {
		c = &memCount{reset: now.Add(l.window)}
		l.counts[key] = c
	}
	c.n++
	return c.n, nil
}
