package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"grimm.is/fwguard/internal/clock"
)

func newTestLimiter(limit int) (*Limiter, *clock.MockClock) {
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	return New(limit, time.Minute, clk), clk
}

func TestLimiter_Allow_Basic(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if !l.Allow("client") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("client") {
		t.Error("4th request should be denied")
	}
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	l, _ := newTestLimiter(2)

	for i := 0; i < 2; i++ {
		if !l.Allow("key1") {
			t.Errorf("key1 request %d should be allowed", i+1)
		}
		if !l.Allow("key2") {
			t.Errorf("key2 request %d should be allowed", i+1)
		}
	}
	if l.Allow("key1") || l.Allow("key2") {
		t.Error("both keys should be limited")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clk := newTestLimiter(2)
	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("should be limited until a token refills")
	}

	clk.Advance(30 * time.Second)
	if !l.Allow("k") {
		t.Error("one token refills every 30s")
	}
	if l.Allow("k") {
		t.Error("only one token should have refilled")
	}

	clk.Advance(time.Hour)
	if !l.AllowN("k", 2) {
		t.Error("a full bucket holds the whole limit")
	}
	if l.Allow("k") {
		t.Error("refill is capped at the limit")
	}
}

func TestLimiter_AllowN(t *testing.T) {
	l, _ := newTestLimiter(5)
	if !l.AllowN("batch", 4) {
		t.Fatal("4 of 5 should be allowed")
	}
	if l.AllowN("batch", 2) {
		t.Error("2 more should be denied")
	}
	if !l.AllowN("batch", 1) {
		t.Error("the last token should still be available")
	}
}

func TestLimiter_ResetAndPrune(t *testing.T) {
	l, clk := newTestLimiter(1)
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("should be limited")
	}
	l.Reset("a")
	if !l.Allow("a") {
		t.Error("should be allowed after Reset")
	}

	l.Allow("b")
	if n := l.Prune(time.Hour); n != 0 {
		t.Errorf("fresh buckets pruned: %d", n)
	}
	clk.Advance(2 * time.Hour)
	if n := l.Prune(time.Hour); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
}

func TestLimiter_Middleware(t *testing.T) {
	l, _ := newTestLimiter(1)
	h := l.Middleware(func(r *http.Request) string { return r.RemoteAddr }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestLimiter_RetryAfterTracksRefill(t *testing.T) {
	l, clk := newTestLimiter(30)
	if !l.AllowN("c", 30) {
		t.Fatal("burst should be allowed")
	}
	if got := l.retryAfter("c"); got != "2" {
		t.Errorf("retryAfter = %q, want 2", got)
	}
	clk.Advance(time.Second)
	if got := l.retryAfter("c"); got != "1" {
		t.Errorf("retryAfter = %q, want 1", got)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Allow("shared")
			}
		}()
	}
	wg.Wait()
	if l.Allow("shared") {
		t.Error("all 1000 tokens should be spent")
	}
}
