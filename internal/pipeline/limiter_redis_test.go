package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis-backed limiter coverage. Runs only when TEST_REDIS_ADDR points at a
// reachable redis instance.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return client
}

func TestRedisLimiterWindowAlwaysSet(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	l := NewRedisLimiter(client, 10*time.Minute)

	student := "stu-" + t.Name()
	session := "sess-" + t.Name()
	key := "checkin:backup:" + session + ":" + student
	defer client.Del(ctx, key)

	for want := int64(1); want <= 3; want++ {
		n, err := l.Take(ctx, student, session)
		if err != nil {
			t.Fatalf("Take #%d error: %v", want, err)
		}
		if n != want {
			t.Fatalf("Take #%d = %d, want %d", want, n, want)
		}
		// The counter must carry a TTL from its very first increment: a
		// TTL-less counter would rate-limit the tuple forever.
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			t.Fatal(err)
		}
		if ttl <= 0 {
			t.Fatalf("after Take #%d, counter has no TTL", want)
		}
	}
}

func TestRedisLimiterWindowNotProlonged(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	l := NewRedisLimiter(client, 10*time.Minute)

	student := "stu-" + t.Name()
	session := "sess-" + t.Name()
	key := "checkin:backup:" + session + ":" + student
	defer client.Del(ctx, key)

	if _, err := l.Take(ctx, student, session); err != nil {
		t.Fatal(err)
	}
	first, err := client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Take(ctx, student, session); err != nil {
		t.Fatal(err)
	}
	second, err := client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatal(err)
	}
	// ExpireNX must not restart the window on later attempts.
	if second > first {
		t.Errorf("window extended by later attempt: %s -> %s", first, second)
	}
}
