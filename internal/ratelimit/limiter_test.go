package ratelimit_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/ratelimit"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeClock lets tests step time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock, opts ...ratelimit.Option) *ratelimit.Limiter {
	opts = append([]ratelimit.Option{ratelimit.WithClock(clock.Now)}, opts...)
	return ratelimit.New(newTestLogger(), opts...)
}

func TestLimiterMonotonicity(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{
		Window:        time.Minute,
		MaxRequests:   20,
		BlockDuration: 5 * time.Minute,
	}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("join-project", cfg))

	// First N requests inside the window are admitted.
	for i := 0; i < 20; i++ {
		if !l.Allow("client-a", "join-project") {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(time.Second)
	}

	// Request N+1 within the window is rejected and sets the block.
	d := l.Check("client-a", "join-project")
	if d.Allowed {
		t.Fatal("request 21 should be rejected")
	}
	wantBlockedUntil := clock.Now().Add(5 * time.Minute)
	if !d.BlockedUntil.Equal(wantBlockedUntil) {
		t.Errorf("blockedUntil = %v, want %v", d.BlockedUntil, wantBlockedUntil)
	}

	// All requests stay rejected until the block elapses.
	clock.Advance(4 * time.Minute)
	if l.Allow("client-a", "join-project") {
		t.Error("request during block should be rejected")
	}

	// After the block (and original window) elapse, a fresh request passes.
	clock.Advance(2 * time.Minute)
	if !l.Allow("client-a", "join-project") {
		t.Error("request after block elapsed should be allowed")
	}
}

func TestBlockedCheckDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("ping", cfg))

	l.Allow("c", "ping")
	l.Allow("c", "ping") // sets the block

	// Hammering during the block must not push blockedUntil further out.
	first := l.Check("c", "ping").BlockedUntil
	clock.Advance(30 * time.Second)
	second := l.Check("c", "ping").BlockedUntil
	if !first.Equal(second) {
		t.Errorf("blockedUntil moved from %v to %v during block", first, second)
	}
}

func TestDefaultConfigApplies(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	// Unconfigured actions use the 100/60s default.
	for i := 0; i < 100; i++ {
		if !l.Allow("c", "unconfigured") {
			t.Fatalf("request %d should be allowed under default config", i+1)
		}
	}
	if l.Allow("c", "unconfigured") {
		t.Error("request 101 should be rejected under default config")
	}
}

func TestClientKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("act", cfg))

	l.Allow("client-a", "act")
	l.Allow("client-a", "act") // blocks client-a

	if !l.Allow("client-b", "act") {
		t.Error("client-b should not be affected by client-a's block")
	}
}

func TestActionsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Minute}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("a", cfg), ratelimit.WithActionConfig("b", cfg))

	l.Allow("c", "a")
	l.Allow("c", "a") // blocks action a

	if !l.Allow("c", "b") {
		t.Error("action b should not be affected by action a's block")
	}
}

func TestCleanupExpiredKeepsBlockedClients(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{Window: time.Second, MaxRequests: 1, BlockDuration: 10 * time.Minute}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("act", cfg))

	l.Allow("idle", "act")
	l.Allow("blocked", "act")
	l.Allow("blocked", "act") // sets the block

	// Both windows empty out, but only the idle client may be removed.
	clock.Advance(2 * time.Second)
	removed := l.CleanupExpired()
	if removed != 1 {
		t.Fatalf("CleanupExpired removed %d clients, want 1", removed)
	}

	if l.Allow("blocked", "act") {
		t.Error("blocked client must stay blocked after cleanup")
	}

	// Once the block elapses too, the entry is removable.
	clock.Advance(11 * time.Minute)
	if removed := l.CleanupExpired(); removed != 1 {
		t.Errorf("CleanupExpired removed %d clients after block elapsed, want 1", removed)
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	cfg := ratelimit.ActionConfig{Window: time.Minute, MaxRequests: 2, BlockDuration: time.Minute}
	l := newTestLimiter(clock, ratelimit.WithActionConfig("act", cfg))

	l.Allow("c1", "act")
	l.Allow("c1", "act")
	l.Allow("c1", "act") // blocked
	l.Allow("c2", "act")

	c1 := l.GetClientStats("c1")["act"]
	if c1.WindowCount != 2 || !c1.Blocked {
		t.Errorf("c1 stats = %+v, want 2 in window and blocked", c1)
	}
	c2 := l.GetClientStats("c2")["act"]
	if c2.WindowCount != 1 || c2.Blocked {
		t.Errorf("c2 stats = %+v, want 1 in window and not blocked", c2)
	}

	g := l.GetGlobalStats()
	if g.TrackedClients != 2 || g.BlockedClients != 1 {
		t.Errorf("global stats = %+v, want 2 tracked / 1 blocked", g)
	}

	// Stats must not mutate window state.
	if again := l.GetClientStats("c1")["act"]; again.WindowCount != 2 {
		t.Errorf("stats mutated the window: %+v", again)
	}
}

func TestCheckConcurrency(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Allow("shared", "act")
			l.GetClientStats("shared")
			l.GetGlobalStats()
		}(i)
	}
	wg.Wait()

	stats := l.GetClientStats("shared")["act"]
	if stats.WindowCount != 100 {
		t.Errorf("expected 100 recorded requests, got %d", stats.WindowCount)
	}
}
