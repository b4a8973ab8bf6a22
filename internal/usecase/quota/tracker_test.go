package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokengate/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := New(Config{}, zap.NewNop()).WithClock(clock.Now)
	return tr, clock
}

func i64(v int64) *int64 { return &v }

func TestTracker_EmptyNoThrottle(t *testing.T) {
	tr, _ := newTestTracker(t)

	d := tr.ShouldThrottle(1000)
	if d.ShouldWait || d.Wait != 0 || d.Reason != "" {
		t.Errorf("expected no-wait decision for empty tracker, got %+v", d)
	}
}

func TestTracker_ExplicitCooldown(t *testing.T) {
	tr, clock := newTestTracker(t)

	reset := clock.Now().Add(45 * time.Second)
	tr.RecordRateLimitHit(&reset)

	d := tr.ShouldThrottle(1)
	if !d.ShouldWait || d.Reason != domain.ReasonCooldown {
		t.Fatalf("expected cooldown decision, got %+v", d)
	}
	if d.Wait != 45*time.Second {
		t.Errorf("expected wait 45s, got %v", d.Wait)
	}

	// Cooldown expires purely by wall clock, observed lazily.
	clock.Advance(46 * time.Second)
	d = tr.ShouldThrottle(1)
	if d.ShouldWait {
		t.Errorf("expected no throttle after cooldown elapsed, got %+v", d)
	}
}

func TestTracker_RateLimitHitWithoutReset(t *testing.T) {
	tr, clock := newTestTracker(t)

	tr.RecordRateLimitHit(nil)

	// Any estimate is throttled for the default cooldown, regardless of size.
	for _, estimate := range []int64{0, 1, 10_000_000} {
		d := tr.ShouldThrottle(estimate)
		if !d.ShouldWait || d.Reason != domain.ReasonCooldown {
			t.Fatalf("estimate %d: expected cooldown, got %+v", estimate, d)
		}
	}

	clock.Advance(59 * time.Second)
	if d := tr.ShouldThrottle(1); !d.ShouldWait {
		t.Fatal("expected cooldown still active at 59s")
	}
	clock.Advance(2 * time.Second)
	if d := tr.ShouldThrottle(1); d.ShouldWait {
		t.Errorf("expected cooldown over at 61s, got %+v", d)
	}
}

func TestTracker_CooldownExtendOnly(t *testing.T) {
	tr, clock := newTestTracker(t)

	later := clock.Now().Add(90 * time.Second)
	earlier := clock.Now().Add(10 * time.Second)

	tr.RecordRateLimitHit(&later)
	tr.RecordRateLimitHit(&earlier) // must not shorten the active cooldown

	d := tr.ShouldThrottle(1)
	if d.Wait != 90*time.Second {
		t.Errorf("expected cooldown kept at 90s, got %v", d.Wait)
	}
}

func TestTracker_CooldownDominatesWindowShortfall(t *testing.T) {
	tr, clock := newTestTracker(t)

	tr.RecordUsage(420_000, 0, nil, nil)
	reset := clock.Now().Add(30 * time.Second)
	tr.RecordRateLimitHit(&reset)

	d := tr.ShouldThrottle(40_000)
	if d.Reason != domain.ReasonCooldown {
		t.Errorf("expected cooldown to dominate window shortfall, got %+v", d)
	}
}

func TestTracker_WindowFull(t *testing.T) {
	tr, clock := newTestTracker(t)

	// 5 events totaling 420k, oldest 10s old.
	tr.RecordUsage(100_000, 0, nil, nil)
	clock.Advance(2 * time.Second)
	tr.RecordUsage(100_000, 0, nil, nil)
	clock.Advance(2 * time.Second)
	tr.RecordUsage(100_000, 0, nil, nil)
	clock.Advance(2 * time.Second)
	tr.RecordUsage(100_000, 0, nil, nil)
	clock.Advance(2 * time.Second)
	tr.RecordUsage(20_000, 0, nil, nil)
	clock.Advance(2 * time.Second)

	d := tr.ShouldThrottle(40_000)
	if !d.ShouldWait || d.Reason != domain.ReasonWindowFull {
		t.Fatalf("expected window-full decision, got %+v", d)
	}
	// Oldest event is 10s old: wait until it leaves the window.
	if d.Wait != 50*time.Second {
		t.Errorf("expected wait 50s, got %v", d.Wait)
	}
}

func TestTracker_WindowRecoversAsEventsExpire(t *testing.T) {
	tr, clock := newTestTracker(t)

	tr.RecordUsage(420_000, 0, nil, nil)

	if d := tr.ShouldThrottle(40_000); d.Reason != domain.ReasonWindowFull {
		t.Fatalf("expected window full, got %+v", d)
	}

	clock.Advance(61 * time.Second)
	if d := tr.ShouldThrottle(40_000); d.ShouldWait {
		t.Errorf("expected admission after window slid, got %+v", d)
	}
}

func TestTracker_LowReserve(t *testing.T) {
	tr, clock := newTestTracker(t)

	tr.RecordUsage(400_000, 10_000, i64(5000), nil)

	// The reported reserve outlives the window accounting.
	clock.Advance(61 * time.Second)

	d := tr.ShouldThrottle(1000)
	if !d.ShouldWait || d.Reason != domain.ReasonLowReserve {
		t.Fatalf("expected low-reserve decision, got %+v", d)
	}
	if d.Wait < 5*time.Second || d.Wait > 30*time.Second {
		t.Errorf("expected wait in [5s, 30s], got %v", d.Wait)
	}
}

func TestTracker_LowReserveWaitShape(t *testing.T) {
	tests := []struct {
		name      string
		remaining int64
		want      time.Duration
	}{
		{"barely below floor clamps to min", 99_999, 5 * time.Second},
		{"deficit scales at 10ms per token", 99_000, 10 * time.Second},
		{"deep deficit clamps to max", 5_000, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t)
			tr.RecordUsage(0, 0, i64(tt.remaining), nil)

			d := tr.ShouldThrottle(1)
			if d.Reason != domain.ReasonLowReserve {
				t.Fatalf("expected low reserve, got %+v", d)
			}
			if d.Wait != tt.want {
				t.Errorf("expected wait %v, got %v", tt.want, d.Wait)
			}
		})
	}
}

func TestTracker_HealthyReserveNoThrottle(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordUsage(1000, 500, i64(300_000), nil)

	if d := tr.ShouldThrottle(1000); d.ShouldWait {
		t.Errorf("expected no throttle with healthy reserve, got %+v", d)
	}
}

func TestTracker_ShortfallWithEmptyLedgerFallsThrough(t *testing.T) {
	// An estimate no window could ever admit, with nothing recorded locally:
	// the window rule has no oldest event to wait for, so the decision falls
	// through to the reserve rule.
	t.Run("reserve low", func(t *testing.T) {
		tr, clock := newTestTracker(t)
		tr.RecordUsage(0, 0, i64(50_000), nil)
		clock.Advance(61 * time.Second)

		d := tr.ShouldThrottle(500_000)
		if d.Reason != domain.ReasonLowReserve {
			t.Errorf("expected fall-through to low reserve, got %+v", d)
		}
	})

	t.Run("reserve unknown", func(t *testing.T) {
		tr, _ := newTestTracker(t)

		d := tr.ShouldThrottle(500_000)
		if d.ShouldWait {
			t.Errorf("expected no zero-wait throttle, got %+v", d)
		}
	})
}

func TestTracker_NeverNegativeWait(t *testing.T) {
	tr, clock := newTestTracker(t)

	reset := clock.Now().Add(time.Second)
	tr.RecordRateLimitHit(&reset)
	clock.Advance(2 * time.Second)

	tr.RecordUsage(420_000, 0, i64(40_000), nil)

	for _, estimate := range []int64{0, 1000, 500_000} {
		if d := tr.ShouldThrottle(estimate); d.Wait < 0 {
			t.Errorf("estimate %d: negative wait %v", estimate, d.Wait)
		}
	}
}

func TestTracker_UsageExtendsCooldownViaReset(t *testing.T) {
	tr, clock := newTestTracker(t)

	reset := clock.Now().Add(20 * time.Second)
	tr.RecordUsage(1000, 0, i64(0), &reset)

	d := tr.ShouldThrottle(1)
	if d.Reason != domain.ReasonCooldown {
		t.Fatalf("expected cooldown from usage reset hint, got %+v", d)
	}
	if d.Wait != 20*time.Second {
		t.Errorf("expected wait 20s, got %v", d.Wait)
	}
}

func TestTracker_NegativeUsageDropped(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordUsage(-100, 0, nil, nil)

	s := tr.Status()
	if s.UsedInWindow != 0 || s.EventsInWindow != 0 {
		t.Errorf("expected dropped report to leave ledger empty, got %+v", s)
	}
}

func TestTracker_StatusSnapshot(t *testing.T) {
	tr, clock := newTestTracker(t)

	tr.RecordUsage(1000, 500, i64(200_000), nil)
	tr.RecordUsage(2000, 0, nil, nil)

	s := tr.Status()
	if s.UsedInWindow != 3500 {
		t.Errorf("expected used 3500, got %d", s.UsedInWindow)
	}
	if s.EventsInWindow != 2 {
		t.Errorf("expected 2 events, got %d", s.EventsInWindow)
	}
	if s.RemainingEstimate == nil || *s.RemainingEstimate != 200_000 {
		t.Errorf("expected remaining estimate 200000, got %v", s.RemainingEstimate)
	}
	if s.CooldownUntil != nil {
		t.Errorf("expected no cooldown, got %v", s.CooldownUntil)
	}

	// No intervening mutation, no clock movement: identical snapshots.
	again := tr.Status()
	if again.UsedInWindow != s.UsedInWindow || again.EventsInWindow != s.EventsInWindow {
		t.Errorf("expected identical snapshots, got %+v then %+v", s, again)
	}

	// Natural pruning is the only permitted drift.
	clock.Advance(61 * time.Second)
	pruned := tr.Status()
	if pruned.UsedInWindow != 0 || pruned.EventsInWindow != 0 {
		t.Errorf("expected pruned snapshot, got %+v", pruned)
	}
	if pruned.RemainingEstimate == nil || *pruned.RemainingEstimate != 200_000 {
		t.Errorf("expected remaining estimate to survive pruning, got %v", pruned.RemainingEstimate)
	}
}

func TestTracker_ConcurrentUsageReports(t *testing.T) {
	tr := New(Config{}, zap.NewNop())

	const (
		goroutines = 20
		perReport  = int64(1000)
	)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordUsage(perReport, 0, nil, nil)
		}()
	}
	wg.Wait()

	s := tr.Status()
	if s.UsedInWindow != goroutines*perReport {
		t.Errorf("expected window sum %d, got %d", goroutines*perReport, s.UsedInWindow)
	}
	if s.EventsInWindow != goroutines {
		t.Errorf("expected %d events, got %d", goroutines, s.EventsInWindow)
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	totals []int64
}

func (m *recordingMirror) Add(_ context.Context, _ time.Time, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals = append(m.totals, tokens)
	return nil
}

func TestTracker_MirrorsCombinedTokens(t *testing.T) {
	mirror := &recordingMirror{}
	tr, _ := newTestTracker(t)
	tr.WithMirror(mirror)

	tr.RecordUsage(300, 200, nil, nil)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.totals) != 1 || mirror.totals[0] != 500 {
		t.Errorf("expected one mirrored write of 500, got %v", mirror.totals)
	}
}
