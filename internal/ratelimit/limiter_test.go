package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(clock *fakeClock, cfg Config) *Limiter {
	return NewLimiter(map[string]Config{"maricopa": cfg}, Config{RequestsPerWindow: 10, Window: time.Minute}, WithClock(clock.Now))
}

func TestWaitIfNeeded_WindowAdmission(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 5, Window: 60 * time.Second, SafetyMargin: 0})
	ctx := context.Background()

	// First 5 calls admit immediately.
	for i := 0; i < 5; i++ {
		wait, err := l.WaitIfNeeded(ctx, "maricopa")
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i+1, err)
		}
		if wait != 0 {
			t.Fatalf("call %d: wait = %v, want 0", i+1, wait)
		}
	}

	// Sixth call must wait a positive duration no longer than the window.
	wait, err := l.WaitIfNeeded(ctx, "maricopa")
	if err != nil {
		t.Fatalf("sixth call: %v", err)
	}
	if wait <= 0 || wait > 60*time.Second {
		t.Fatalf("sixth call: wait = %v, want in (0, 60s]", wait)
	}

	// After sleeping the returned duration the call admits, and the next
	// one returns zero again.
	clock.Advance(wait)
	if w, _ := l.WaitIfNeeded(ctx, "maricopa"); w != 0 {
		t.Fatalf("post-sleep call: wait = %v, want 0", w)
	}
}

func TestWaitIfNeeded_SafetyMargin(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 10, Window: time.Minute, SafetyMargin: 0.10})
	ctx := context.Background()

	// Effective limit = floor(10 * 0.9) = 9.
	for i := 0; i < 9; i++ {
		if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait != 0 {
			t.Fatalf("call %d blocked early: wait = %v", i+1, wait)
		}
	}
	if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait <= 0 {
		t.Fatal("10th call should exceed the margined limit")
	}
}

func TestWaitIfNeeded_DegenerateConfig(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 0, Window: 30 * time.Second})

	wait, err := l.WaitIfNeeded(context.Background(), "maricopa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait < 30*time.Second {
		t.Errorf("degenerate config wait = %v, want >= window", wait)
	}
}

func TestWaitIfNeeded_PerSourceIsolation(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[string]Config{
		"maricopa":    {RequestsPerWindow: 1, Window: time.Minute},
		"phoenix_mls": {RequestsPerWindow: 5, Window: time.Minute},
	}, Config{}, WithClock(clock.Now))
	ctx := context.Background()

	if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait != 0 {
		t.Fatalf("first maricopa call blocked: %v", wait)
	}
	if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait == 0 {
		t.Fatal("second maricopa call should block")
	}
	// A saturated source never affects its peers.
	if wait, _ := l.WaitIfNeeded(ctx, "phoenix_mls"); wait != 0 {
		t.Fatalf("phoenix_mls blocked by maricopa saturation: %v", wait)
	}
}

func TestWaitIfNeeded_SlidingWindowBound(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 3, Window: 10 * time.Second})
	ctx := context.Background()

	admitted := 0
	// Attempt admissions every second for 30s; the count inside any 10s
	// window must never exceed 3.
	for tick := 0; tick < 30; tick++ {
		if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait == 0 {
			admitted++
		}
		if usage := l.CurrentUsage("maricopa"); usage.Count > usage.Limit {
			t.Fatalf("tick %d: window count %d exceeds limit %d", tick, usage.Count, usage.Limit)
		}
		clock.Advance(time.Second)
	}
	if admitted == 0 {
		t.Fatal("no admissions over 30s")
	}
}

func TestReset_ClearsHistory(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 1, Window: time.Minute})
	ctx := context.Background()

	l.WaitIfNeeded(ctx, "maricopa")
	if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait == 0 {
		t.Fatal("expected saturation before reset")
	}

	l.Reset("maricopa")
	if wait, _ := l.WaitIfNeeded(ctx, "maricopa"); wait != 0 {
		t.Fatalf("post-reset call blocked: %v", wait)
	}
}

func TestCurrentUsage(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 5, Window: time.Minute})
	ctx := context.Background()

	l.WaitIfNeeded(ctx, "maricopa")
	l.WaitIfNeeded(ctx, "maricopa")

	usage := l.CurrentUsage("maricopa")
	if usage.Count != 2 || usage.Limit != 5 {
		t.Errorf("usage = %+v, want count 2 limit 5", usage)
	}

	snap := l.UsageSnapshot()
	if snap["maricopa"].Count != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestWaitIfNeeded_ContextCancelled(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 5, Window: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.WaitIfNeeded(ctx, "maricopa"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestWaitIfNeeded_ConcurrentCallers(t *testing.T) {
	l := NewLimiter(map[string]Config{
		"maricopa": {RequestsPerWindow: 50, Window: 5 * time.Second},
	}, Config{})
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if wait, err := l.WaitIfNeeded(ctx, "maricopa"); err == nil && wait == 0 {
					atomic.AddInt64(&admitted, 1)
				}
			}
		}()
	}
	wg.Wait()

	if admitted > 50 {
		t.Errorf("admitted %d requests, limit is 50", admitted)
	}
	if admitted == 0 {
		t.Error("no requests admitted")
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	made   []time.Time
	hits   []time.Duration
	resets int
}

func (o *recordingObserver) RequestMade(source string, ts time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.made = append(o.made, ts)
}

func (o *recordingObserver) RateLimitHit(source string, wait time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = append(o.hits, wait)
}

func (o *recordingObserver) LimiterReset(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

func (o *recordingObserver) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.made), len(o.hits), o.resets
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestObserver_ReceivesEventsInOrder(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 2, Window: time.Minute})
	defer l.Close()

	obs := &recordingObserver{}
	l.Register(obs)
	ctx := context.Background()

	l.WaitIfNeeded(ctx, "maricopa")
	clock.Advance(time.Second)
	l.WaitIfNeeded(ctx, "maricopa")
	l.WaitIfNeeded(ctx, "maricopa") // hit
	l.Reset("maricopa")

	waitFor(t, func() bool {
		m, h, r := obs.counts()
		return m == 2 && h == 1 && r == 1
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.made[0].After(obs.made[1]) {
		t.Error("admission events out of order")
	}
}

type panickingObserver struct {
	calls int64
}

func (o *panickingObserver) RequestMade(string, time.Time) {
	atomic.AddInt64(&o.calls, 1)
	panic("observer bug")
}
func (o *panickingObserver) RateLimitHit(string, time.Duration) {}
func (o *panickingObserver) LimiterReset(string)                {}

func TestObserver_PanicIsolation(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, Config{RequestsPerWindow: 10, Window: time.Minute})
	defer l.Close()

	bad := &panickingObserver{}
	good := &recordingObserver{}
	l.Register(bad)
	l.Register(good)
	ctx := context.Background()

	// Admissions keep flowing and the healthy observer keeps receiving
	// despite the panicking peer.
	for i := 0; i < 3; i++ {
		if wait, err := l.WaitIfNeeded(ctx, "maricopa"); err != nil || wait != 0 {
			t.Fatalf("admission %d disturbed by observer panic: wait=%v err=%v", i+1, wait, err)
		}
		clock.Advance(time.Millisecond)
	}

	waitFor(t, func() bool {
		m, _, _ := good.counts()
		return m == 3 && atomic.LoadInt64(&bad.calls) == 3
	})
}
