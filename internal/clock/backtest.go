package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BacktestClock replays bar boundaries between a start and end time as fast
// as its subscribers can process them. Each tick is dispatched and waited on
// before simulated time advances, so downstream consumers are never flooded.
// The clock covers bars whose full duration fits inside the range: with a 1m
// timeframe over [00:00, 00:10) it emits ticks at 00:00 through 00:09.
type BacktestClock struct {
	timeframe Timeframe
	start     time.Time
	end       time.Time
	opts      options
	handlers  *handlerSet

	mu        sync.Mutex
	started   bool
	simulated time.Time
	stop      chan struct{}
	done      chan struct{}
}

var _ Clock = (*BacktestClock)(nil)

// NewBacktestClock builds a clock that replays [start, end). Start is aligned
// up to the next bar boundary if it is not already on one.
func NewBacktestClock(timeframe Timeframe, start, end time.Time, opts ...Option) (*BacktestClock, error) {
	if !timeframe.Valid() {
		return nil, fmt.Errorf("backtest clock: unknown timeframe %q", timeframe)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("backtest clock: end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	o := newOptions(opts...)
	aligned := timeframe.Ceil(start)
	return &BacktestClock{
		timeframe: timeframe,
		start:     aligned,
		end:       end.UTC(),
		opts:      o,
		handlers:  newHandlerSet(o),
		started:   false,
		simulated: aligned,
		stop:      nil,
		done:      nil,
	}, nil
}

// Start launches the replay loop.
func (c *BacktestClock) Start(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("backtest clock already started")
	}
	c.started = true
	c.simulated = c.start
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(ctx, runID, c.stop, c.done)
	return nil
}

// Stop signals the replay loop and waits for it to exit. The tick being
// dispatched finishes first.
func (c *BacktestClock) Stop() {
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

// CurrentTime returns the simulated time of the replay.
func (c *BacktestClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simulated
}

// OnTick registers a callback for future ticks.
func (c *BacktestClock) OnTick(fn TickFunc) func() {
	return c.handlers.add(fn)
}

func (c *BacktestClock) loop(ctx context.Context, runID string, stop, done chan struct{}) {
	defer close(done)
	interval := c.timeframe.Duration()
	var barIndex int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		c.mu.Lock()
		simulated := c.simulated
		c.mu.Unlock()

		// A bar starting at simulated must end at or before the range
		// end to be replayed.
		if simulated.Add(interval).After(c.end) {
			c.opts.logger.Printf("backtest replay complete: run=%s bars=%d", runID, barIndex)
			c.opts.onComplete()
			return
		}

		tick := Tick{
			RunID:      runID,
			TS:         simulated,
			Timeframe:  c.timeframe,
			BarIndex:   barIndex,
			IsBacktest: true,
		}
		c.handlers.dispatch(ctx, tick)
		barIndex++

		c.mu.Lock()
		c.simulated = simulated.Add(interval)
		c.mu.Unlock()
	}
}
