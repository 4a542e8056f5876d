package clock

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/internal/telemetry"
)

const defaultCallbackTimeout = 30 * time.Second

// Tick is delivered to every registered callback once per bar boundary.
type Tick struct {
	RunID      string
	TS         time.Time
	Timeframe  Timeframe
	BarIndex   int64
	IsBacktest bool
}

// TickFunc handles a single tick. The context carries the callback deadline;
// long-running handlers must observe cancellation.
type TickFunc func(ctx context.Context, tick Tick) error

// Clock drives tick delivery for one run.
type Clock interface {
	// Start begins tick delivery for the given run. It returns once the
	// tick loop is running; delivery happens on a background goroutine.
	Start(ctx context.Context, runID string) error
	// Stop halts tick delivery. In-flight callbacks finish, then Stop
	// returns. Calling Stop more than once is safe.
	Stop()
	// CurrentTime reports the clock's notion of now: wall time for a
	// realtime clock, simulated time for a backtest clock.
	CurrentTime() time.Time
	// OnTick registers a callback and returns a function that removes it.
	OnTick(fn TickFunc) (unsubscribe func())
}

type options struct {
	logger          *log.Logger
	callbackTimeout time.Duration
	wakeBuffer      time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	onError         func(tick Tick, err error)
	onComplete      func()
}

// Option customises clock construction.
type Option func(*options)

// WithLogger overrides the destination for tick loop diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCallbackTimeout bounds how long a single tick callback may run.
func WithCallbackTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callbackTimeout = d
		}
	}
}

// WithWakeBuffer sets how far ahead of a boundary the realtime clock wakes
// from its coarse sleep before spinning on short waits.
func WithWakeBuffer(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.wakeBuffer = d
		}
	}
}

// WithNowFunc substitutes the wall-time source.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleepFunc substitutes the sleeping primitive used by the realtime
// tick loop.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithOnError registers a hook invoked when a tick callback returns an error
// or exceeds its deadline.
func WithOnError(fn func(tick Tick, err error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithOnComplete registers a hook invoked when a backtest clock exhausts its
// time range. Realtime clocks never invoke it.
func WithOnComplete(fn func()) Option {
	return func(o *options) {
		if fn != nil {
			o.onComplete = fn
		}
	}
}

func newOptions(opts ...Option) options {
	o := options{
		logger:          log.New(os.Stdout, "clock ", log.LstdFlags|log.Lmicroseconds),
		callbackTimeout: defaultCallbackTimeout,
		wakeBuffer:      100 * time.Millisecond,
		now:             time.Now,
		sleep:           sleepContext,
		onError:         func(Tick, error) {},
		onComplete:      func() {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	clockMetricsOnce sync.Once
	tickCounter      metric.Int64Counter
	driftHistogram   metric.Float64Histogram
	timeoutCounter   metric.Int64Counter
)

func clockMetrics() {
	clockMetricsOnce.Do(func() {
		meter := otel.Meter("weaver/clock")
		tickCounter, _ = meter.Int64Counter("clock.ticks",
			metric.WithDescription("Ticks emitted by run clocks"))
		driftHistogram, _ = meter.Float64Histogram("clock.tick.drift",
			metric.WithDescription("Realtime tick drift from the bar boundary"),
			metric.WithUnit("ms"))
		timeoutCounter, _ = meter.Int64Counter("clock.callback.timeouts",
			metric.WithDescription("Tick callbacks cancelled at their deadline"))
	})
}

// handlerSet tracks registered tick callbacks and fans a tick out to all of
// them, each under its own deadline. Dispatch returns only after every
// callback has finished or timed out, which is what gives the backtest clock
// its backpressure.
type handlerSet struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[int64]TickFunc

	logger  *log.Logger
	timeout time.Duration
	onError func(tick Tick, err error)
}

func newHandlerSet(o options) *handlerSet {
	clockMetrics()
	return &handlerSet{
		nextID:   0,
		handlers: make(map[int64]TickFunc),
		logger:   o.logger,
		timeout:  o.callbackTimeout,
		onError:  o.onError,
	}
}

func (h *handlerSet) add(fn TickFunc) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet) snapshot() []TickFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fns := make([]TickFunc, 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	return fns
}

// dispatch runs every registered callback for the tick and waits for all of
// them. A callback that misses its deadline is cancelled and reported; the
// remaining callbacks for the same tick still run to completion.
func (h *handlerSet) dispatch(ctx context.Context, tick Tick) {
	fns := h.snapshot()
	if len(fns) == 0 {
		return
	}
	if tickCounter != nil {
		tickCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrTimeframe.String(string(tick.Timeframe)),
			attribute.Bool("backtest", tick.IsBacktest),
		))
	}
	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func(fn TickFunc) {
			defer wg.Done()
			h.runOne(ctx, tick, fn)
		}(fn)
	}
	wg.Wait()
}

func (h *handlerSet) runOne(ctx context.Context, tick Tick, fn TickFunc) {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(cctx, tick)
	}()
	select {
	case err := <-done:
		if err != nil {
			h.logger.Printf("tick callback failed: run=%s bar=%d err=%v", tick.RunID, tick.BarIndex, err)
			h.onError(tick, err)
		}
	case <-cctx.Done():
		if timeoutCounter != nil {
			timeoutCounter.Add(context.WithoutCancel(cctx), 1)
		}
		h.logger.Printf("tick callback deadline exceeded: run=%s bar=%d timeout=%s", tick.RunID, tick.BarIndex, h.timeout)
		h.onError(tick, cctx.Err())
	}
}
