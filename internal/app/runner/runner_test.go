package runner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/clock"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

type scriptedStrategy struct {
	initSymbols []string
	tickActions []strategy.Action
	dataActions []strategy.Action
	ticks       []strategy.Tick
	windows     []strategy.Window
}

func (s *scriptedStrategy) Initialize(_ context.Context, symbols []string) error {
	s.initSymbols = append([]string(nil), symbols...)
	return nil
}

func (s *scriptedStrategy) OnTick(_ context.Context, tick strategy.Tick) ([]strategy.Action, error) {
	s.ticks = append(s.ticks, tick)
	return s.tickActions, nil
}

func (s *scriptedStrategy) OnData(_ context.Context, window strategy.Window) ([]strategy.Action, error) {
	s.windows = append(s.windows, window)
	return s.dataActions, nil
}

func newTestRunner(t *testing.T, strat strategy.Strategy) (*Runner, *eventlog.MemoryLog) {
	t.Helper()
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 128, BufferSize: 16})
	t.Cleanup(memLog.Close)
	r, err := New(memLog, strat)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, memLog
}

func readAll(t *testing.T, memLog *eventlog.MemoryLog) []eventlog.Entry {
	t.Helper()
	entries, err := memLog.Read(context.Background(), 0, 100, eventlog.Filter{})
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return entries
}

func TestHandleTickEmitsCausedActions(t *testing.T) {
	strat := &scriptedStrategy{
		tickActions: []strategy.Action{strategy.NewFetchWindow(strategy.FetchWindowAction{
			Symbol:    "AAPL",
			Timeframe: "1m",
			From:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			To:        time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
		})},
	}
	r, memLog := newTestRunner(t, strat)
	if err := r.Initialize(context.Background(), "run-1", []string{"AAPL"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()

	tick := clock.Tick{
		RunID:      "run-1",
		TS:         time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
		Timeframe:  clock.Timeframe("1m"),
		BarIndex:   4,
		IsBacktest: true,
	}
	if err := r.HandleTick(context.Background(), tick); err != nil {
		t.Fatalf("handle tick: %v", err)
	}

	entries := readAll(t, memLog)
	if len(entries) != 2 {
		t.Fatalf("expected tick + action, got %d entries", len(entries))
	}
	tickEnv := entries[0].Envelope
	actionEnv := entries[1].Envelope
	if tickEnv.Type != envelope.TypeClockTick {
		t.Fatalf("first envelope type = %s", tickEnv.Type)
	}
	if tickEnv.CorrID != tickEnv.ID {
		t.Fatalf("tick envelope should open its own correlation group")
	}
	if actionEnv.Type != envelope.TypeStrategyFetchWindow {
		t.Fatalf("action type = %s", actionEnv.Type)
	}
	if actionEnv.CausationID != tickEnv.ID {
		t.Fatalf("causation = %s, want tick id %s", actionEnv.CausationID, tickEnv.ID)
	}
	if actionEnv.CorrID != tickEnv.CorrID {
		t.Fatalf("correlation not propagated")
	}
	if actionEnv.RunID != "run-1" || actionEnv.Producer != Producer {
		t.Fatalf("unexpected run/producer: %s/%s", actionEnv.RunID, actionEnv.Producer)
	}
	if len(strat.ticks) != 1 || strat.ticks[0].BarIndex != 4 || strat.ticks[0].Timeframe != "1m" {
		t.Fatalf("strategy tick not delivered: %+v", strat.ticks)
	}
}

func TestHandleDataReadyAssignsClientOrderID(t *testing.T) {
	qty := decimal.NewFromInt(5)
	strat := &scriptedStrategy{
		dataActions: []strategy.Action{strategy.NewPlaceOrder(strategy.PlaceOrderAction{
			Symbol:      "AAPL",
			Side:        "buy",
			OrderType:   "market",
			Qty:         qty,
			TimeInForce: "day",
		})},
	}
	r, memLog := newTestRunner(t, strat)
	if err := r.Initialize(context.Background(), "run-2", []string{"AAPL"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()

	windowEnv := envelope.New(envelope.TypeDataWindowReady,
		envelope.WithRunID("run-2"),
		envelope.WithProducer("greta.sim"),
		envelope.WithCorrID("corr-7"),
		envelope.WithPayload(envelope.WindowReadyPayload{
			Symbol:    "AAPL",
			Timeframe: "1m",
			From:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			To:        time.Date(2024, 3, 1, 9, 32, 0, 0, time.UTC),
			Bars: []envelope.BarData{{
				TS:     time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
				Open:   "100.5",
				High:   "101",
				Low:    "99.75",
				Close:  "100",
				Volume: "1200",
			}},
		}),
	)
	if err := r.HandleDataReady(context.Background(), windowEnv); err != nil {
		t.Fatalf("handle data: %v", err)
	}

	entries := readAll(t, memLog)
	if len(entries) != 1 {
		t.Fatalf("expected one emitted envelope, got %d", len(entries))
	}
	orderEnv := entries[0].Envelope
	if orderEnv.Type != envelope.TypeStrategyPlaceRequest {
		t.Fatalf("type = %s", orderEnv.Type)
	}
	if orderEnv.Kind != envelope.KindCommand {
		t.Fatalf("kind = %s, want command", orderEnv.Kind)
	}
	if orderEnv.CausationID != windowEnv.ID || orderEnv.CorrID != "corr-7" {
		t.Fatalf("cause chain broken: causation=%s corr=%s", orderEnv.CausationID, orderEnv.CorrID)
	}
	payload, ok := orderEnv.Payload.(envelope.PlaceOrderPayload)
	if !ok {
		t.Fatalf("payload type %T", orderEnv.Payload)
	}
	if payload.ClientOrderID == "" {
		t.Fatalf("runner must assign client_order_id when the strategy omits it")
	}
	if payload.Qty != "5" {
		t.Fatalf("qty = %q", payload.Qty)
	}

	if len(strat.windows) != 1 {
		t.Fatalf("strategy window not delivered")
	}
	window := strat.windows[0]
	if len(window.Bars) != 1 || !window.Bars[0].Close.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("window bars mis-decoded: %+v", window.Bars)
	}
	if !window.Bars[0].Low.Equal(decimal.RequireFromString("99.75")) {
		t.Fatalf("low = %s", window.Bars[0].Low)
	}
}

func TestIntentSinkReceivesEmittedActions(t *testing.T) {
	strat := &scriptedStrategy{
		tickActions: []strategy.Action{strategy.NewFetchWindow(strategy.FetchWindowAction{
			Symbol:    "AAPL",
			Timeframe: "1m",
			From:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			To:        time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
		})},
	}
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 128, BufferSize: 16})
	t.Cleanup(memLog.Close)

	var sunk []*envelope.Envelope
	r, err := New(memLog, strat, WithIntentSink(func(_ context.Context, env *envelope.Envelope) error {
		sunk = append(sunk, env)
		return nil
	}))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Initialize(context.Background(), "run-6", []string{"AAPL"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()

	tick := clock.Tick{
		RunID:      "run-6",
		TS:         time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
		Timeframe:  clock.Timeframe("1m"),
		BarIndex:   0,
		IsBacktest: true,
	}
	if err := r.HandleTick(context.Background(), tick); err != nil {
		t.Fatalf("handle tick: %v", err)
	}

	if len(sunk) != 1 || sunk[0].Type != envelope.TypeStrategyFetchWindow {
		t.Fatalf("sink deliveries: %+v", sunk)
	}
	entries := readAll(t, memLog)
	if entries[len(entries)-1].Envelope.ID != sunk[0].ID {
		t.Fatal("sink must receive the appended envelope")
	}
}

type fixedBarSource struct {
	bars []barstore.Bar
}

func (s *fixedBarSource) Range(_ context.Context, _ barstore.Query) ([]barstore.Bar, error) {
	return s.bars, nil
}

func (s *fixedBarSource) Insert(_ context.Context, _ []barstore.Bar) error { return nil }

func TestHandleDataReadyResolvesDataRef(t *testing.T) {
	strat := &scriptedStrategy{}
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 128, BufferSize: 16})
	t.Cleanup(memLog.Close)

	source := &fixedBarSource{bars: []barstore.Bar{{
		Symbol:    "AAPL",
		Timeframe: "1m",
		TS:        time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("101"),
		Low:       decimal.RequireFromString("99"),
		Close:     decimal.RequireFromString("100.5"),
		Volume:    decimal.RequireFromString("1000"),
	}}}
	r, err := New(memLog, strat, WithBarSource(source))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Initialize(context.Background(), "run-7", []string{"AAPL"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()

	env := envelope.New(envelope.TypeDataWindowReady,
		envelope.WithRunID("run-7"),
		envelope.WithPayload(envelope.WindowReadyPayload{
			Symbol:    "AAPL",
			Timeframe: "1m",
			From:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			To:        time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
			Bars:      nil,
			DataRef:   "bars://AAPL/1m?from=2024-03-01T09:30:00Z&to=2024-03-01T09:31:00Z",
		}),
	)
	if err := r.HandleDataReady(context.Background(), env); err != nil {
		t.Fatalf("handle data: %v", err)
	}
	if len(strat.windows) != 1 || len(strat.windows[0].Bars) != 1 {
		t.Fatalf("referenced window not resolved: %+v", strat.windows)
	}
	if !strat.windows[0].Bars[0].Close.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("close = %s", strat.windows[0].Bars[0].Close)
	}

	bare, err := New(memLog, &scriptedStrategy{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := bare.HandleDataReady(context.Background(), env); err == nil {
		t.Fatal("referenced window without a bar source should fail")
	}
}

func TestHandleDataReadyRejectsBadBar(t *testing.T) {
	strat := &scriptedStrategy{}
	r, _ := newTestRunner(t, strat)
	if err := r.Initialize(context.Background(), "run-3", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()

	env := envelope.New(envelope.TypeDataWindowReady,
		envelope.WithRunID("run-3"),
		envelope.WithPayload(envelope.WindowReadyPayload{
			Symbol:    "AAPL",
			Timeframe: "1m",
			Bars:      []envelope.BarData{{Open: "not-a-number", High: "1", Low: "1", Close: "1", Volume: "0"}},
		}),
	)
	if err := r.HandleDataReady(context.Background(), env); err == nil {
		t.Fatal("expected decode error")
	}
	if len(strat.windows) != 0 {
		t.Fatal("strategy must not see a malformed window")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	strat := &scriptedStrategy{}
	r, _ := newTestRunner(t, strat)
	if err := r.Initialize(context.Background(), "run-4", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	r.Cleanup()
	r.Cleanup()
}

func TestInitializeTwiceFails(t *testing.T) {
	strat := &scriptedStrategy{}
	r, _ := newTestRunner(t, strat)
	if err := r.Initialize(context.Background(), "run-5", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer r.Cleanup()
	if err := r.Initialize(context.Background(), "run-5", nil); err == nil {
		t.Fatal("second initialize should fail")
	}
}
