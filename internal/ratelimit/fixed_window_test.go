package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterEnforcesQuota(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !limiter.Allow("ip-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow("ip-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow("ip-1") {
		t.Fatalf("third request should be blocked")
	}
	// Other keys keep their own counters.
	if !limiter.Allow("ip-2") {
		t.Fatalf("different key should have its own quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	redisSrv.Close()
	if limiter.Allow("ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterConstructorValidation(t *testing.T) {
	if limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Minute); err == nil || limiter != nil {
		t.Fatalf("expected error for empty redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 1, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
}

func TestFixedWindowLimiterNilAndWindow(t *testing.T) {
	var limiter *FixedWindowLimiter
	if limiter.Allow("ip-1") {
		t.Fatalf("nil limiter must deny")
	}
	if limiter.Window() != 0 {
		t.Fatalf("nil limiter window should be zero")
	}

	redisSrv := miniredis.RunT(t)
	live, err := NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if live.Window() != 30*time.Second {
		t.Fatalf("window = %v, want 30s", live.Window())
	}
}
