// Package integration_test exercises the platform end to end over the
// in-memory event log and stores: clock to strategy to router to simulator,
// plus the HTTP control plane in front of the run manager.
package integration_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/5TFG4/weaver/internal/app/router"
	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/clock"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/infra/persistence/memory"
)

const (
	testLogCapacity   = 65536
	testLogBufferSize = 1024
	waitTimeout       = 10 * time.Second
	waitPoll          = 5 * time.Millisecond
)

// stack is one fully wired in-memory deployment.
type stack struct {
	log     *eventlog.MemoryLog
	runs    *memory.RunStore
	orders  *memory.OrderStore
	bars    *memory.BarStore
	fills   *memory.FillStore
	router  *router.Router
	manager *runmanager.Manager
}

// newStack wires the event log, stores, router, and run manager the way the
// weaver binary does, with extra manager options appended.
func newStack(t *testing.T, opts ...runmanager.Option) *stack {
	t.Helper()

	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{
		Capacity:   testLogCapacity,
		BufferSize: testLogBufferSize,
		Registry:   nil,
	})
	runs := memory.NewRunStore()
	orders := memory.NewOrderStore()
	bars := memory.NewBarStore()
	fills := memory.NewFillStore()
	quiet := log.New(io.Discard, "", 0)

	modeRouter, err := router.New(memLog, runs, router.WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, modeRouter.Start(context.Background()))

	managerOpts := append([]runmanager.Option{
		runmanager.WithFillStore(fills),
		runmanager.WithOrderStore(orders),
		runmanager.WithRouter(modeRouter),
		runmanager.WithLogger(quiet),
	}, opts...)
	manager, err := runmanager.New(runs, memLog, strategy.DefaultRegistry(), bars, managerOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		modeRouter.Close()
		memLog.Close()
	})
	return &stack{
		log:     memLog,
		runs:    runs,
		orders:  orders,
		bars:    bars,
		fills:   fills,
		router:  modeRouter,
		manager: manager,
	}
}

// seedBars inserts one 1m bar per close price, starting at start.
func seedBars(t *testing.T, bars *memory.BarStore, symbol string, start time.Time, closes []string) {
	t.Helper()
	out := make([]barstore.Bar, 0, len(closes))
	for i, c := range closes {
		price := decimal.RequireFromString(c)
		out = append(out, barstore.Bar{
			Symbol:    symbol,
			Timeframe: "1m",
			TS:        start.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	require.NoError(t, bars.Insert(context.Background(), out))
}

// waitForEventCount polls the log until at least want events of the given
// type exist for the run.
func waitForEventCount(t *testing.T, memLog *eventlog.MemoryLog, runID string, eventType envelope.EventType, want int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		entries, err := memLog.Read(context.Background(), 0, want+16, eventlog.Filter{
			RunID: runID,
			Types: []envelope.EventType{eventType},
		})
		require.NoError(t, err)
		if len(entries) >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, have %d", want, eventType, len(entries))
		}
		time.Sleep(waitPoll)
	}
}

// waitForRunStatus polls the run until it reaches the wanted status.
func waitForRunStatus(t *testing.T, manager *runmanager.Manager, runID string, want runstore.Status) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		run, err := manager.Get(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status %s, run is %s", want, run.Status)
		}
		time.Sleep(waitPoll)
	}
}

// manualClock delivers ticks only when the test calls tick, so tests can
// assert on the log between bars.
type manualClock struct {
	timeframe clock.Timeframe

	mu       sync.Mutex
	runID    string
	now      time.Time
	handlers []clock.TickFunc
}

var _ clock.Clock = (*manualClock)(nil)

func newManualClock(timeframe clock.Timeframe) *manualClock {
	return &manualClock{
		timeframe: timeframe,
		mu:        sync.Mutex{},
		runID:     "",
		now:       time.Time{},
		handlers:  nil,
	}
}

func (c *manualClock) Start(_ context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
	return nil
}

func (c *manualClock) Stop() {}

func (c *manualClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) OnTick(fn clock.TickFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
	idx := len(c.handlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[idx] = nil
	}
}

func (c *manualClock) tick(t *testing.T, ts time.Time, barIndex int64) {
	t.Helper()
	c.mu.Lock()
	c.now = ts
	runID := c.runID
	handlers := append([]clock.TickFunc(nil), c.handlers...)
	c.mu.Unlock()

	tick := clock.Tick{
		RunID:      runID,
		TS:         ts,
		Timeframe:  c.timeframe,
		BarIndex:   barIndex,
		IsBacktest: true,
	}
	for _, fn := range handlers {
		if fn == nil {
			continue
		}
		require.NoError(t, fn(context.Background(), tick))
	}
}
