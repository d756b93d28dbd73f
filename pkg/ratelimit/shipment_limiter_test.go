package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLLMProtector_SemaphoreLimit(t *testing.T) {
	p := NewLLMProtector(nil, &Config{
		MaxConcurrent:     2,
		RequestsPerSecond: 100,
		BurstSize:         100,
		DebounceDuration:  time.Millisecond,
	})

	ctx := context.Background()

	r1, release1 := p.Acquire(ctx, "email:1")
	if !r1.Allowed {
		t.Fatalf("first acquire rejected: %s", r1.Reason)
	}
	r2, release2 := p.Acquire(ctx, "email:2")
	if !r2.Allowed {
		t.Fatalf("second acquire rejected: %s", r2.Reason)
	}

	r3, _ := p.Acquire(ctx, "email:3")
	if r3.Allowed {
		t.Fatal("third concurrent acquire allowed, want semaphore rejection")
	}

	release1()
	release2()

	r4, release4 := p.Acquire(ctx, "email:4")
	if !r4.Allowed {
		t.Fatalf("acquire after release rejected: %s", r4.Reason)
	}
	release4()
}

func TestLLMProtector_DebouncesSameKey(t *testing.T) {
	p := NewLLMProtector(nil, &Config{
		MaxConcurrent:     10,
		RequestsPerSecond: 100,
		BurstSize:         100,
		DebounceDuration:  time.Minute,
	})

	ctx := context.Background()

	r1, release := p.Acquire(ctx, "classify:42")
	if !r1.Allowed {
		t.Fatalf("first acquire rejected: %s", r1.Reason)
	}
	release()

	r2, _ := p.Acquire(ctx, "classify:42")
	if r2.Allowed {
		t.Fatal("duplicate key allowed within debounce window")
	}
	if !r2.FromDebounce {
		t.Error("rejection not marked as debounce")
	}
}

func TestDebouncer_LocalFallback(t *testing.T) {
	d := NewDebouncer(nil, 50*time.Millisecond)
	ctx := context.Background()

	if d.IsDuplicate(ctx, "k") {
		t.Fatal("fresh key reported as duplicate")
	}

	d.Mark(ctx, "k")
	if !d.IsDuplicate(ctx, "k") {
		t.Fatal("marked key not reported as duplicate")
	}

	time.Sleep(60 * time.Millisecond)
	if d.IsDuplicate(ctx, "k") {
		t.Fatal("key still duplicate after window expired")
	}
}

func TestSlidingWindow_NoRedisAllows(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 1, 0)

	for i := 0; i < 10; i++ {
		allowed, _ := l.Allow(context.Background(), "k")
		if !allowed {
			t.Fatal("limiter without redis should allow everything")
		}
	}
}

func TestPacer_EnforcesInterval(t *testing.T) {
	p := NewPacer(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	// First Wait is free, the next two wait 30ms each.
	if elapsed < 55*time.Millisecond {
		t.Errorf("3 waits took %v, want >= ~60ms", elapsed)
	}
}

func TestPacer_ContextCancel(t *testing.T) {
	p := NewPacer(time.Minute)

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx); err == nil {
		t.Fatal("Wait() after cancel = nil, want context error")
	}
}

func TestCompletionCache_L1RoundTrip(t *testing.T) {
	c := NewCompletionCache(nil, &CacheConfig{
		L1MaxSize:          10,
		L1TTL:              time.Minute,
		L2TTL:              time.Minute,
		MaxCacheablePrompt: 1000,
	})

	ctx := context.Background()

	if _, ok := c.Get(ctx, "gpt-4o-mini", "sys", "classify this"); ok {
		t.Fatal("empty cache returned a hit")
	}

	c.Set(ctx, "gpt-4o-mini", "sys", "classify this", &CachedCompletion{
		Content:    `{"documentType":"booking_confirmation"}`,
		Model:      "gpt-4o-mini",
		TokensUsed: 120,
	})

	got, ok := c.Get(ctx, "gpt-4o-mini", "sys", "classify this")
	if !ok {
		t.Fatal("cache miss after Set")
	}
	if got.TokensUsed != 120 {
		t.Errorf("TokensUsed = %d, want 120", got.TokensUsed)
	}
	if got.CachedAt.IsZero() {
		t.Error("CachedAt not stamped")
	}

	// Different prompt must not hit.
	if _, ok := c.Get(ctx, "gpt-4o-mini", "sys", "classify that"); ok {
		t.Fatal("different prompt returned a hit")
	}
}

func TestCompletionCache_SkipsLargePrompts(t *testing.T) {
	c := NewCompletionCache(nil, &CacheConfig{
		L1MaxSize:          10,
		L1TTL:              time.Minute,
		L2TTL:              time.Minute,
		MaxCacheablePrompt: 10,
	})

	ctx := context.Background()
	prompt := "this prompt is longer than ten characters"

	c.Set(ctx, "m", "s", prompt, &CachedCompletion{Content: "x"})
	if _, ok := c.Get(ctx, "m", "s", prompt); ok {
		t.Fatal("oversized prompt was cached")
	}
}

func TestCompletionKey_Stable(t *testing.T) {
	k1 := CompletionKey("m", "sys", "prompt")
	k2 := CompletionKey("m", "sys", "prompt")
	k3 := CompletionKey("m", "sys", "prompt2")

	if k1 != k2 {
		t.Error("same inputs produced different keys")
	}
	if k1 == k3 {
		t.Error("different prompts produced the same key")
	}
}
