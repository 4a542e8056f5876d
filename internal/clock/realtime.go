package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RealtimeClock emits ticks on wall-clock bar boundaries in UTC. It sleeps
// coarsely until shortly before each boundary, then waits out the remainder
// so ticks land within tens of milliseconds of the boundary. If the loop
// falls more than one full interval behind, it skips ahead to the next
// boundary rather than emitting stale ticks.
type RealtimeClock struct {
	timeframe Timeframe
	opts      options
	handlers  *handlerSet

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

var _ Clock = (*RealtimeClock)(nil)

// NewRealtimeClock builds a clock for the given timeframe.
func NewRealtimeClock(timeframe Timeframe, opts ...Option) (*RealtimeClock, error) {
	if !timeframe.Valid() {
		return nil, fmt.Errorf("realtime clock: unknown timeframe %q", timeframe)
	}
	o := newOptions(opts...)
	return &RealtimeClock{
		timeframe: timeframe,
		opts:      o,
		handlers:  newHandlerSet(o),
		started:   false,
		stop:      nil,
		done:      nil,
	}, nil
}

// Start launches the tick loop.
func (c *RealtimeClock) Start(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("realtime clock already started")
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(ctx, runID, c.stop, c.done)
	return nil
}

// Stop signals the tick loop and waits for it to exit. Any callback already
// running for the current tick is allowed to finish.
func (c *RealtimeClock) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// CurrentTime returns wall time in UTC.
func (c *RealtimeClock) CurrentTime() time.Time {
	return c.opts.now().UTC()
}

// OnTick registers a callback for future ticks.
func (c *RealtimeClock) OnTick(fn TickFunc) func() {
	return c.handlers.add(fn)
}

func (c *RealtimeClock) loop(ctx context.Context, runID string, stop, done chan struct{}) {
	defer close(done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	interval := c.timeframe.Duration()
	var lastEmitted time.Time
	var barIndex int64
	for {
		if loopCtx.Err() != nil {
			return
		}

		now := c.opts.now().UTC()
		next := c.timeframe.Ceil(now)
		if !lastEmitted.IsZero() && !next.After(lastEmitted) {
			next = lastEmitted.Add(interval)
		}

		if err := c.waitUntil(loopCtx, next); err != nil {
			return
		}

		now = c.opts.now().UTC()
		drift := now.Sub(next)
		if drift > interval {
			c.opts.logger.Printf("tick loop fell behind: run=%s boundary=%s drift=%s, skipping ahead", runID, next.Format(time.RFC3339), drift)
			lastEmitted = next
			continue
		}
		if driftHistogram != nil {
			driftHistogram.Record(loopCtx, float64(drift.Milliseconds()))
		}

		tick := Tick{
			RunID:      runID,
			TS:         next,
			Timeframe:  c.timeframe,
			BarIndex:   barIndex,
			IsBacktest: false,
		}
		// Stop must not cancel a tick already being delivered, so the
		// dispatch context survives loop cancellation. Callback
		// deadlines still apply.
		c.handlers.dispatch(context.WithoutCancel(loopCtx), tick)
		lastEmitted = next
		barIndex++
	}
}

// waitUntil sleeps coarsely to just before the target, then burns the
// remainder in short waits so the emit lands close to the boundary.
func (c *RealtimeClock) waitUntil(ctx context.Context, target time.Time) error {
	coarse := target.Sub(c.opts.now().UTC()) - c.opts.wakeBuffer
	if coarse > 0 {
		if err := c.opts.sleep(ctx, coarse); err != nil {
			return err
		}
	}
	for c.opts.now().UTC().Before(target) {
		if err := c.opts.sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
	}
	return ctx.Err()
}
