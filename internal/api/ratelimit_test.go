package api

import (
	"context"
	"testing"

	"golang.org/x/time/rate"
)

func TestLocalRateLimiterBurstThenDeny(t *testing.T) {
	l := &LocalRateLimiter{limiters: map[string]*rate.Limiter{}, rps: 1, burst: 3}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "t1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow(ctx, "t1") {
		t.Fatal("request beyond burst allowed")
	}
	// other tenants have their own bucket
	if !l.Allow(ctx, "t2") {
		t.Fatal("t2 should not share t1's bucket")
	}
}

func TestRateFromEnvDefaults(t *testing.T) {
	t.Setenv("RATE_RPS", "")
	t.Setenv("RATE_BURST", "")
	rps, burst := rateFromEnv()
	if rps != 10 || burst != 20 {
		t.Fatalf("defaults: %v %d", rps, burst)
	}
	t.Setenv("RATE_RPS", "2.5")
	t.Setenv("RATE_BURST", "7")
	rps, burst = rateFromEnv()
	if rps != 2.5 || burst != 7 {
		t.Fatalf("env override: %v %d", rps, burst)
	}
	t.Setenv("RATE_RPS", "-1")
	t.Setenv("RATE_BURST", "junk")
	rps, burst = rateFromEnv()
	if rps != 10 || burst != 20 {
		t.Fatalf("invalid values should fall back: %v %d", rps, burst)
	}
}
