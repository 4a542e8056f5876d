package clock

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTime advances instantly on every sleep so boundary waits complete
// without real delay.
type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTime(start time.Time) *fakeTime {
	return &fakeTime{now: start}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
	return nil
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestRealtimeClockEmitsOnBoundaries(t *testing.T) {
	ft := newFakeTime(mustParseTime(t, "2026-01-01T00:00:30Z"))
	c, err := NewRealtimeClock(Timeframe1m,
		WithLogger(quietLogger()),
		WithNowFunc(ft.Now),
		WithSleepFunc(ft.Sleep),
		WithCallbackTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRealtimeClock: %v", err)
	}

	ticks := make(chan Tick)
	c.OnTick(func(ctx context.Context, tick Tick) error {
		select {
		case ticks <- tick:
		case <-ctx.Done():
		}
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{
		"2026-01-01T00:01:00Z",
		"2026-01-01T00:02:00Z",
		"2026-01-01T00:03:00Z",
	}
	for i, ts := range want {
		select {
		case tick := <-ticks:
			if !tick.TS.Equal(mustParseTime(t, ts)) {
				t.Fatalf("tick %d at %s, want %s", i, tick.TS.Format(time.RFC3339), ts)
			}
			if tick.BarIndex != int64(i) {
				t.Fatalf("tick %d bar index = %d", i, tick.BarIndex)
			}
			if tick.IsBacktest {
				t.Fatalf("tick %d flagged as backtest", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}
	c.Stop()
}

func TestRealtimeClockNeverEmitsPastBoundaries(t *testing.T) {
	ft := newFakeTime(mustParseTime(t, "2026-01-01T00:00:30Z"))
	c, err := NewRealtimeClock(Timeframe1m,
		WithLogger(quietLogger()),
		WithNowFunc(ft.Now),
		WithSleepFunc(ft.Sleep),
		WithCallbackTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRealtimeClock: %v", err)
	}

	ticks := make(chan Tick)
	c.OnTick(func(ctx context.Context, tick Tick) error {
		if tick.BarIndex == 0 {
			// Simulate a handler that outlives the bar.
			ft.Advance(90 * time.Second)
		}
		select {
		case ticks <- tick:
		case <-ctx.Done():
		}
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := <-ticks
	if want := mustParseTime(t, "2026-01-01T00:01:00Z"); !first.TS.Equal(want) {
		t.Fatalf("first tick at %s, want %s", first.TS.Format(time.RFC3339), want.Format(time.RFC3339))
	}
	var second Tick
	select {
	case second = <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second tick")
	}
	c.Stop()

	// The 00:02 boundary passed while the first handler ran; the clock
	// must resume at the next future boundary instead of emitting it.
	if want := mustParseTime(t, "2026-01-01T00:03:00Z"); !second.TS.Equal(want) {
		t.Fatalf("second tick at %s, want %s", second.TS.Format(time.RFC3339), want.Format(time.RFC3339))
	}
	if !second.TS.After(first.TS) {
		t.Fatal("ticks not monotonically increasing")
	}
}

func TestRealtimeClockStopIsIdempotent(t *testing.T) {
	ft := newFakeTime(mustParseTime(t, "2026-01-01T00:00:00Z"))
	c, err := NewRealtimeClock(Timeframe1h,
		WithLogger(quietLogger()),
		WithNowFunc(ft.Now),
		WithSleepFunc(ft.Sleep),
		WithCallbackTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRealtimeClock: %v", err)
	}
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	c.Stop()
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	c.Stop()
}

func TestRealtimeClockCurrentTimeTracksWallClock(t *testing.T) {
	ft := newFakeTime(mustParseTime(t, "2026-01-01T12:00:00Z"))
	c, err := NewRealtimeClock(Timeframe1m,
		WithLogger(quietLogger()),
		WithNowFunc(ft.Now),
		WithSleepFunc(ft.Sleep),
	)
	if err != nil {
		t.Fatalf("NewRealtimeClock: %v", err)
	}
	if got := c.CurrentTime(); !got.Equal(mustParseTime(t, "2026-01-01T12:00:00Z")) {
		t.Fatalf("CurrentTime = %s", got.Format(time.RFC3339))
	}
	ft.Advance(42 * time.Second)
	if got := c.CurrentTime(); !got.Equal(mustParseTime(t, "2026-01-01T12:00:42Z")) {
		t.Fatalf("CurrentTime after advance = %s", got.Format(time.RFC3339))
	}
}
