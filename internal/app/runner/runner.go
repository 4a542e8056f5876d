// Package runner hosts one strategy instance per run and translates the
// actions it returns into envelopes on the event log.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/clock"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

// IntentSink receives each strategy intent envelope right after it is
// appended to the log.
type IntentSink func(ctx context.Context, env *envelope.Envelope) error

// Producer identifies runner-emitted envelopes on the log.
const Producer = "marvin.runner"

// Runner owns one strategy for the lifetime of one run. HandleTick is the
// clock-driven entry point; data windows arrive asynchronously via the log
// subscription Initialize sets up.
type Runner struct {
	log        eventlog.Log
	strat      strategy.Strategy
	logger     *log.Logger
	intentSink IntentSink
	bars       barstore.Store

	runID   string
	symbols []string

	mu          sync.Mutex
	subID       eventlog.SubscriptionID
	pumpDone    chan struct{}
	initialized bool
	cleanedUp   bool
}

// Option customises runner construction.
type Option func(*Runner)

// WithLogger overrides the runner's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIntentSink puts the runner in synchronous mode: every emitted intent is
// handed to the sink after its append, and Initialize skips the data-window
// subscription because the caller delivers windows through HandleDataReady
// directly.
func WithIntentSink(sink IntentSink) Option {
	return func(r *Runner) {
		r.intentSink = sink
	}
}

// WithBarSource lets the runner resolve windows that arrive by reference
// instead of inline bars.
func WithBarSource(bars barstore.Store) Option {
	return func(r *Runner) {
		r.bars = bars
	}
}

// New constructs a runner bound to one strategy instance.
func New(eventLog eventlog.Log, strat strategy.Strategy, opts ...Option) (*Runner, error) {
	if eventLog == nil {
		return nil, fmt.Errorf("runner: event log required")
	}
	if strat == nil {
		return nil, fmt.Errorf("runner: strategy required")
	}
	r := &Runner{
		log:         eventLog,
		strat:       strat,
		logger:      log.New(os.Stdout, "runner ", log.LstdFlags|log.Lmicroseconds),
		intentSink:  nil,
		bars:        nil,
		runID:       "",
		symbols:     nil,
		mu:          sync.Mutex{},
		subID:       "",
		pumpDone:    nil,
		initialized: false,
		cleanedUp:   false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Initialize binds the runner to a run, initializes the strategy, and
// subscribes to data windows scoped to the run.
func (r *Runner) Initialize(ctx context.Context, runID string, symbols []string) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return fmt.Errorf("runner: already initialized for run %s", r.runID)
	}
	r.initialized = true
	r.runID = runID
	r.symbols = append([]string(nil), symbols...)
	r.mu.Unlock()

	if err := r.strat.Initialize(ctx, symbols); err != nil {
		return fmt.Errorf("runner: strategy initialize: %w", err)
	}

	// Synchronous pipelines feed HandleDataReady inline; subscribing as well
	// would deliver every window twice.
	if r.intentSink != nil {
		return nil
	}

	subID, ch, err := r.log.Subscribe(ctx, eventlog.Filter{
		RunID: runID,
		Types: []envelope.EventType{envelope.TypeDataWindowReady},
	})
	if err != nil {
		return fmt.Errorf("runner: subscribe data windows: %w", err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.subID = subID
	r.pumpDone = done
	r.mu.Unlock()

	go r.pump(ch, done)
	return nil
}

// pump delivers window envelopes to the strategy. Errors stay local: they
// are logged with the event id and never terminate the subscription.
func (r *Runner) pump(ch <-chan eventlog.Entry, done chan struct{}) {
	defer close(done)
	for entry := range ch {
		if err := r.HandleDataReady(context.Background(), entry.Envelope); err != nil {
			r.logger.Printf("data window handling failed: run=%s event=%s err=%v", r.runID, entry.Envelope.ID, err)
		}
	}
}

// HandleTick appends the tick envelope, invokes the strategy, and emits one
// envelope per returned action. The tick envelope's id doubles as the
// correlation group for everything the tick caused.
func (r *Runner) HandleTick(ctx context.Context, tick clock.Tick) error {
	tickEnv := envelope.New(envelope.TypeClockTick,
		envelope.WithRunID(r.runID),
		envelope.WithProducer(Producer),
		envelope.WithTimestamp(tick.TS),
		envelope.WithPayload(envelope.TickPayload{
			Timeframe:  string(tick.Timeframe),
			BarIndex:   tick.BarIndex,
			IsBacktest: tick.IsBacktest,
		}),
	)
	tickEnv.CorrID = tickEnv.ID
	if _, err := r.log.Append(ctx, tickEnv); err != nil {
		return fmt.Errorf("runner: append tick: %w", err)
	}

	actions, err := r.strat.OnTick(ctx, strategy.Tick{
		RunID:     r.runID,
		TS:        tick.TS,
		Timeframe: string(tick.Timeframe),
		BarIndex:  tick.BarIndex,
	})
	if err != nil {
		return fmt.Errorf("runner: strategy on_tick: %w", err)
	}
	return r.emitActions(ctx, actions, tickEnv)
}

// HandleDataReady decodes a data.WindowReady envelope, invokes the strategy,
// and emits the resulting actions with the window as their cause.
func (r *Runner) HandleDataReady(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("runner: nil envelope")
	}
	payload, ok := env.Payload.(envelope.WindowReadyPayload)
	if !ok {
		if ptr, isPtr := env.Payload.(*envelope.WindowReadyPayload); isPtr && ptr != nil {
			payload = *ptr
		} else {
			return fmt.Errorf("runner: unexpected window payload %T", env.Payload)
		}
	}

	window, err := r.windowFromPayload(ctx, payload)
	if err != nil {
		return fmt.Errorf("runner: decode window: %w", err)
	}
	actions, err := r.strat.OnData(ctx, window)
	if err != nil {
		return fmt.Errorf("runner: strategy on_data: %w", err)
	}
	return r.emitActions(ctx, actions, env)
}

// Cleanup unsubscribes and waits for the data pump to drain. Safe to call
// more than once.
func (r *Runner) Cleanup() {
	r.mu.Lock()
	if r.cleanedUp {
		r.mu.Unlock()
		return
	}
	r.cleanedUp = true
	subID := r.subID
	done := r.pumpDone
	r.mu.Unlock()

	if subID != "" {
		r.log.Unsubscribe(subID)
	}
	if done != nil {
		<-done
	}
	if closer, ok := r.strat.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (r *Runner) emitActions(ctx context.Context, actions []strategy.Action, cause *envelope.Envelope) error {
	for _, action := range actions {
		env, err := r.translate(action, cause)
		if err != nil {
			return err
		}
		if _, err := r.log.Append(ctx, env); err != nil {
			return fmt.Errorf("runner: append %s: %w", env.Type, err)
		}
		if r.intentSink != nil {
			if err := r.intentSink(ctx, env); err != nil {
				return fmt.Errorf("runner: intent sink %s: %w", env.Type, err)
			}
		}
	}
	return nil
}

// translate maps one strategy action onto its strategy.* envelope. The
// emitted envelope inherits the cause's correlation group and records the
// cause as its causation.
func (r *Runner) translate(action strategy.Action, cause *envelope.Envelope) (*envelope.Envelope, error) {
	opts := []envelope.Option{
		envelope.WithRunID(r.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(cause.CorrID),
		envelope.WithCausation(cause.ID),
	}
	switch action.Kind {
	case strategy.ActionFetchWindow:
		fw := action.FetchWindow
		if fw == nil {
			return nil, fmt.Errorf("runner: fetch_window action missing body")
		}
		opts = append(opts, envelope.WithPayload(envelope.FetchWindowPayload{
			Symbol:    fw.Symbol,
			Timeframe: fw.Timeframe,
			From:      fw.From,
			To:        fw.To,
		}))
		return envelope.New(envelope.TypeStrategyFetchWindow, opts...), nil
	case strategy.ActionPlaceOrder:
		po := action.PlaceOrder
		if po == nil {
			return nil, fmt.Errorf("runner: place_order action missing body")
		}
		clientOrderID := po.ClientOrderID
		if clientOrderID == "" {
			clientOrderID = uuid.NewString()
		}
		opts = append(opts, envelope.WithKind(envelope.KindCommand),
			envelope.WithPayload(envelope.PlaceOrderPayload{
				ClientOrderID: clientOrderID,
				Symbol:        po.Symbol,
				Side:          po.Side,
				OrderType:     po.OrderType,
				Qty:           po.Qty.String(),
				LimitPrice:    decimalString(po.LimitPrice),
				StopPrice:     decimalString(po.StopPrice),
				TimeInForce:   po.TimeInForce,
				ExtendedHours: po.ExtendedHours,
			}))
		return envelope.New(envelope.TypeStrategyPlaceRequest, opts...), nil
	default:
		return nil, fmt.Errorf("runner: unknown action kind %q", action.Kind)
	}
}

func (r *Runner) windowFromPayload(ctx context.Context, payload envelope.WindowReadyPayload) (strategy.Window, error) {
	if payload.DataRef != "" && len(payload.Bars) == 0 {
		return r.windowFromRef(ctx, payload)
	}
	bars := make([]strategy.WindowBar, 0, len(payload.Bars))
	for _, bar := range payload.Bars {
		parsed, err := parseWindowBar(bar)
		if err != nil {
			return strategy.Window{}, err
		}
		bars = append(bars, parsed)
	}
	return strategy.Window{
		Symbol:    payload.Symbol,
		Timeframe: payload.Timeframe,
		From:      payload.From,
		To:        payload.To,
		Bars:      bars,
	}, nil
}

// windowFromRef fetches a by-reference window from the bar store. Oversized
// windows carry only a data_ref; the payload's own scope fields name the
// range to read.
func (r *Runner) windowFromRef(ctx context.Context, payload envelope.WindowReadyPayload) (strategy.Window, error) {
	if r.bars == nil {
		return strategy.Window{}, fmt.Errorf("window %s needs a bar source", payload.DataRef)
	}
	stored, err := r.bars.Range(ctx, barstore.Query{
		Symbol:    payload.Symbol,
		Timeframe: payload.Timeframe,
		From:      payload.From,
		To:        payload.To,
		Limit:     0,
	})
	if err != nil {
		return strategy.Window{}, fmt.Errorf("resolve %s: %w", payload.DataRef, err)
	}
	bars := make([]strategy.WindowBar, 0, len(stored))
	for _, bar := range stored {
		bars = append(bars, strategy.WindowBar{
			TS:     bar.TS,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		})
	}
	return strategy.Window{
		Symbol:    payload.Symbol,
		Timeframe: payload.Timeframe,
		From:      payload.From,
		To:        payload.To,
		Bars:      bars,
	}, nil
}

func parseWindowBar(bar envelope.BarData) (strategy.WindowBar, error) {
	out := strategy.WindowBar{TS: bar.TS}
	fields := []struct {
		raw  string
		dest *decimal.Decimal
	}{
		{bar.Open, &out.Open},
		{bar.High, &out.High},
		{bar.Low, &out.Low},
		{bar.Close, &out.Close},
		{bar.Volume, &out.Volume},
	}
	for _, field := range fields {
		value, err := decimal.NewFromString(field.raw)
		if err != nil {
			return strategy.WindowBar{}, fmt.Errorf("bar field %q: %w", field.raw, err)
		}
		*field.dest = value
	}
	return out, nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
