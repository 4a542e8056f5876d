package clock

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBacktestClockEmitsAllBars(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2026-01-01T00:10:00Z")
	complete := make(chan struct{})
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	var ticks []Tick
	c.OnTick(func(ctx context.Context, tick Tick) error {
		ticks = append(ticks, tick)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete")
	}
	c.Stop()

	if len(ticks) != 10 {
		t.Fatalf("got %d ticks, want 10", len(ticks))
	}
	for i, tick := range ticks {
		wantTS := start.Add(time.Duration(i) * time.Minute)
		if !tick.TS.Equal(wantTS) {
			t.Fatalf("tick %d ts = %s, want %s", i, tick.TS.Format(time.RFC3339), wantTS.Format(time.RFC3339))
		}
		if tick.BarIndex != int64(i) {
			t.Fatalf("tick %d bar index = %d", i, tick.BarIndex)
		}
		if !tick.IsBacktest {
			t.Fatalf("tick %d not flagged as backtest", i)
		}
		if tick.RunID != "run-1" {
			t.Fatalf("tick %d run id = %q", i, tick.RunID)
		}
	}
	if got := c.CurrentTime(); !got.Equal(end) {
		t.Fatalf("CurrentTime after completion = %s, want %s", got.Format(time.RFC3339), end.Format(time.RFC3339))
	}
}

func TestBacktestClockWaitsForCallbacks(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2026-01-01T00:05:00Z")
	complete := make(chan struct{})
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	var inFlight, maxInFlight int64
	c.OnTick(func(ctx context.Context, tick Tick) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete")
	}
	c.Stop()

	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Fatalf("max concurrent callbacks = %d, want 1", got)
	}
}

func TestBacktestClockAlignsUnalignedStart(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:30Z")
	end := mustParseTime(t, "2026-01-01T00:03:00Z")
	complete := make(chan struct{})
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	var ticks []Tick
	c.OnTick(func(ctx context.Context, tick Tick) error {
		ticks = append(ticks, tick)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete")
	}
	c.Stop()

	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	if want := mustParseTime(t, "2026-01-01T00:01:00Z"); !ticks[0].TS.Equal(want) {
		t.Fatalf("first tick at %s, want %s", ticks[0].TS.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestBacktestClockZeroBarsCompletesImmediately(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:30Z")
	end := mustParseTime(t, "2026-01-01T00:01:30Z")
	complete := make(chan struct{})
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	var count int64
	c.OnTick(func(ctx context.Context, tick Tick) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete")
	}
	c.Stop()
	if got := atomic.LoadInt64(&count); got != 0 {
		t.Fatalf("got %d ticks, want 0", got)
	}
}

func TestBacktestClockStopHaltsReplay(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2027-01-01T00:00:00Z")
	c, err := NewBacktestClock(Timeframe1m, start, end, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	seen := make(chan struct{}, 1)
	var count int64
	c.OnTick(func(ctx context.Context, tick Tick) error {
		atomic.AddInt64(&count, 1)
		select {
		case seen <- struct{}{}:
		default:
		}
		time.Sleep(time.Millisecond)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("never saw a tick")
	}
	c.Stop()

	after := atomic.LoadInt64(&count)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&count); got != after {
		t.Fatalf("ticks kept flowing after Stop: %d -> %d", after, got)
	}
}

func TestBacktestClockCallbackTimeout(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2026-01-01T00:03:00Z")
	complete := make(chan struct{})
	var mu sync.Mutex
	var failures []error
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithCallbackTimeout(20*time.Millisecond),
		WithOnError(func(tick Tick, err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	c.OnTick(func(ctx context.Context, tick Tick) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete despite callback timeouts")
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) == 0 {
		t.Fatal("expected timeout errors to be reported")
	}
}

func TestBacktestClockUnsubscribe(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2026-01-01T00:10:00Z")
	complete := make(chan struct{})
	c, err := NewBacktestClock(Timeframe1m, start, end,
		WithLogger(quietLogger()),
		WithOnComplete(func() { close(complete) }),
	)
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}

	var count int64
	var unsub func()
	unsub = c.OnTick(func(ctx context.Context, tick Tick) error {
		if atomic.AddInt64(&count, 1) == 2 {
			unsub()
		}
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("backtest did not complete")
	}
	c.Stop()

	if got := atomic.LoadInt64(&count); got != 2 {
		t.Fatalf("got %d callbacks after unsubscribe, want 2", got)
	}
}

func TestBacktestClockStartTwice(t *testing.T) {
	start := mustParseTime(t, "2026-01-01T00:00:00Z")
	end := mustParseTime(t, "2027-01-01T00:00:00Z")
	c, err := NewBacktestClock(Timeframe1h, start, end, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewBacktestClock: %v", err)
	}
	c.OnTick(func(ctx context.Context, tick Tick) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	if err := c.Start(context.Background(), "run-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(context.Background(), "run-1"); err == nil {
		t.Fatal("expected second Start to fail")
	}
}
