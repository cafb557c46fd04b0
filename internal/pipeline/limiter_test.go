package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryLimiterCountsPerTuple(t *testing.T) {
	l := NewMemoryLimiter(10 * time.Minute)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := l.Take(ctx, "stu-1", "sess-1")
		if err != nil || n != i {
			t.Fatalf("Take #%d = %d, %v", i, n, err)
		}
	}
	if n, _ := l.Take(ctx, "stu-2", "sess-1"); n != 1 {
		t.Errorf("other student shares counter: got %d", n)
	}
	if n, _ := l.Take(ctx, "stu-1", "sess-2"); n != 1 {
		t.Errorf("other session shares counter: got %d", n)
	}
}

func TestMemoryLimiterConcurrentBoundary(t *testing.T) {
	// At the limit, concurrent takers must each see a distinct count so at
	// most `limit` of them are admitted.
	l := NewMemoryLimiter(10 * time.Minute)
	const limit, workers = 5, 20

	var wg sync.WaitGroup
	admitted := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := l.Take(context.Background(), "stu-1", "sess-1")
			if err != nil {
				t.Error(err)
				return
			}
			if n <= limit {
				admitted <- n
			}
		}()
	}
	wg.Wait()
	close(admitted)

	seen := map[int64]bool{}
	for n := range admitted {
		if seen[n] {
			t.Fatalf("count %d handed out twice", n)
		}
		seen[n] = true
	}
	if len(seen) != limit {
		t.Errorf("admitted %d attempts, want %d", len(seen), limit)
	}
}
