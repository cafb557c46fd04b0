package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowExhaustAndRefill(t *testing.T) {
	l := NewSimpleTokenBucket(3, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should pass within capacity", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request past capacity should be rejected")
	}
	// 60/min means one token per second.
	now = now.Add(2 * time.Second)
	if !l.allow("10.0.0.1") {
		t.Fatal("request after refill window should pass")
	}
	// Isolated per key.
	if !l.allow("10.0.0.2") {
		t.Fatal("fresh key should not share the exhausted bucket")
	}
}

func TestGinMiddlewareRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewSimpleTokenBucket(1, 30)
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	r := gin.New()
	r.Use(l.GinMiddleware())
	r.GET("/v1/checkins", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/checkins", nil)
		req.RemoteAddr = "192.0.2.7:1234"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want \"2\" for 30/min", got)
	}
}
