// Package sim implements the deterministic backtest execution engine. One
// Greta instance serves one backtest run: it preloads bars, answers window
// fetches, simulates fills against OHLCV data, and closes the run with a
// terminal result event.
package sim

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/fillstore"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/outboxstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/telemetry"
)

// txAppender is the durable log's transactional append surface. When the
// event log and order store both speak it, orders.Created and the order row
// commit in one transaction.
type txAppender interface {
	AppendWith(ctx context.Context, env *envelope.Envelope, work func(context.Context, outboxstore.Tx) error) (int64, error)
}

// txOrderCreator writes an order row inside the same transaction as a log
// append.
type txOrderCreator interface {
	CreateInTx(ctx context.Context, tx outboxstore.Tx, order orderstore.Order) error
}

// Producer identifies simulator-emitted envelopes on the log.
const Producer = "greta.sim"

const component = "greta.sim"

// inlineWindowLimit is the largest encoded window payload delivered as a
// single data.WindowReady; anything bigger is chunked.
const inlineWindowLimit = 100 << 10

// chunkBarCount is the bar count per data.WindowChunk slice.
const chunkBarCount = 500

// externalWindowLimit is the largest encoded window delivered over the log
// at all; beyond it the window ships as a data_ref pointing back at the bar
// store. Variable so tests can lower the tier boundaries.
var externalWindowLimit = 2 << 20

type cacheKey struct {
	symbol    string
	timeframe string
}

// simOrder is one resting order inside the simulator.
type simOrder struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          orderstore.Side
	OrderType     orderstore.Type
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	PlacedSeq     int64
	PlacedAt      time.Time
	CorrID        string
	CausationID   string
	Triggered     bool
}

// Greta simulates order execution for one backtest run. The bar cache is
// immutable after Preload; all mutable state sits behind one mutex because
// ticks arrive from the clock goroutine while orders arrive from the log
// subscription.
type Greta struct {
	runID      string
	timeframe  string
	cfg        FillSimulationConfig
	log        eventlog.Log
	bars       barstore.Store
	fillSink   fillstore.Store
	orderSink  orderstore.Store
	logger     *log.Logger
	windowSink func(context.Context, *envelope.Envelope) error

	fillCounter metric.Int64Counter

	mu          sync.Mutex
	connected   bool
	cache       map[cacheKey][]barstore.Bar
	cursor      map[cacheKey]int
	pending     []*simOrder
	seen        map[string]execution.SubmitResult
	placedSeq   int64
	acct        *account
	equityCurve []envelope.EquityPoint
	fillLog     []envelope.FillSnapshot
	tickCount   int64
	finished    bool

	subID     eventlog.SubscriptionID
	done      chan struct{}
	started   bool
	closeOnce sync.Once
}

// Option customises simulator construction.
type Option func(*Greta)

// WithFillStore persists every simulated fill.
func WithFillStore(store fillstore.Store) Option {
	return func(g *Greta) { g.fillSink = store }
}

// WithOrderStore mirrors simulated order state into persistence.
func WithOrderStore(store orderstore.Store) Option {
	return func(g *Greta) { g.orderSink = store }
}

// WithLogger overrides the simulator's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Greta) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithWindowSink hands every emitted data.WindowReady envelope to the sink
// right after its append. Synchronous pipelines use it to deliver windows to
// the runner without a log subscription.
func WithWindowSink(sink func(context.Context, *envelope.Envelope) error) Option {
	return func(g *Greta) { g.windowSink = sink }
}

// New constructs a simulator for one run.
func New(runID, timeframe string, cfg FillSimulationConfig, eventLog eventlog.Log, bars barstore.Store, opts ...Option) (*Greta, error) {
	if runID == "" {
		return nil, fmt.Errorf("sim: run id required")
	}
	if eventLog == nil {
		return nil, fmt.Errorf("sim: event log required")
	}
	if bars == nil {
		return nil, fmt.Errorf("sim: bar store required")
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	fillCounter, _ := otel.Meter("sim").Int64Counter("sim.fills",
		metric.WithDescription("Simulated fills booked against OHLCV bars"),
		metric.WithUnit("{fill}"))
	g := &Greta{
		runID:       runID,
		timeframe:   timeframe,
		cfg:         normalized,
		log:         eventLog,
		bars:        bars,
		fillSink:    nil,
		orderSink:   nil,
		logger:      log.New(os.Stdout, "greta ", log.LstdFlags|log.Lmicroseconds),
		windowSink:  nil,
		fillCounter: fillCounter,
		mu:          sync.Mutex{},
		connected:   false,
		cache:       make(map[cacheKey][]barstore.Bar),
		cursor:      make(map[cacheKey]int),
		pending:     nil,
		seen:        make(map[string]execution.SubmitResult),
		placedSeq:   0,
		acct:        newAccount(normalized.InitialCash),
		equityCurve: nil,
		fillLog:     nil,
		tickCount:   0,
		finished:    false,
		subID:       "",
		done:        nil,
		started:     false,
		closeOnce:   sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Preload fills the bar cache for the run's symbols over the backtest range.
// The cache is immutable afterwards; every window fetch and fill evaluation
// reads from it.
func (g *Greta) Preload(ctx context.Context, symbols []string, from, to time.Time) error {
	for _, symbol := range symbols {
		bars, err := g.bars.Range(ctx, barstore.Query{
			Symbol:    symbol,
			Timeframe: g.timeframe,
			From:      from,
			To:        to,
			Limit:     0,
		})
		if err != nil {
			return fmt.Errorf("sim: preload %s: %w", symbol, err)
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
		g.cache[cacheKey{symbol: symbol, timeframe: g.timeframe}] = bars
	}
	return nil
}

// Start subscribes to the run's backtest commands.
func (g *Greta) Start(ctx context.Context) error {
	if g.started {
		return fmt.Errorf("sim: already started")
	}
	subID, ch, err := g.log.Subscribe(ctx, eventlog.Filter{
		RunID: g.runID,
		Types: []envelope.EventType{envelope.TypeBacktestFetchWindow, envelope.TypeBacktestPlaceOrder},
	})
	if err != nil {
		return fmt.Errorf("sim: subscribe: %w", err)
	}
	g.started = true
	g.subID = subID
	g.done = make(chan struct{})
	go g.loop(ch)
	return nil
}

// Close unsubscribes and waits for the command loop to drain.
func (g *Greta) Close() {
	g.closeOnce.Do(func() {
		if !g.started {
			return
		}
		g.log.Unsubscribe(g.subID)
		<-g.done
	})
}

func (g *Greta) loop(ch <-chan eventlog.Entry) {
	defer close(g.done)
	for entry := range ch {
		if err := g.HandleCommand(context.Background(), entry.Envelope); err != nil {
			g.logger.Printf("command failed: run=%s event=%s type=%s err=%v", g.runID, entry.Envelope.ID, entry.Envelope.Type, err)
		}
	}
}

// HandleCommand dispatches one backtest.* command. Exposed for direct
// invocation in synchronous pipelines; the subscription loop uses it too.
func (g *Greta) HandleCommand(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return fmt.Errorf("sim: nil envelope")
	}
	switch env.Type {
	case envelope.TypeBacktestFetchWindow:
		return g.handleFetchWindow(ctx, env)
	case envelope.TypeBacktestPlaceOrder:
		return g.handlePlaceOrder(ctx, env)
	default:
		return fmt.Errorf("sim: unexpected command %s", env.Type)
	}
}

// Connect marks the simulator ready. Idempotent.
func (g *Greta) Connect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

// Disconnect marks the simulator unavailable for further submissions.
func (g *Greta) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (g *Greta) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// SubmitOrder accepts an order into the pending book and announces it with
// orders.Created. Fills happen later, when a tick advances past a bar the
// order crosses.
func (g *Greta) SubmitOrder(ctx context.Context, intent execution.OrderIntent) (execution.SubmitResult, error) {
	return g.submit(ctx, intent, "", "")
}

func (g *Greta) submit(ctx context.Context, intent execution.OrderIntent, corrID, causationID string) (execution.SubmitResult, error) {
	if !g.IsConnected() {
		return execution.SubmitResult{}, errs.New(component, errs.KindNotConnected,
			errs.WithMessage("submit before connect"))
	}
	// Resubmitting a client order id returns the original acceptance; the
	// book never holds two orders for one id.
	if intent.ClientOrderID != "" {
		g.mu.Lock()
		prior, dup := g.seen[intent.ClientOrderID]
		g.mu.Unlock()
		if dup {
			return prior, nil
		}
	}
	if err := validateIntent(intent); err != nil {
		return execution.SubmitResult{
			Success:         false,
			ExchangeOrderID: "",
			Status:          orderstore.StatusRejected,
			ErrorCode:       "validation",
			ErrorMessage:    err.Error(),
		}, err
	}

	order := &simOrder{
		ID:            uuid.NewString(),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TimeInForce:   intent.TimeInForce,
		PlacedSeq:     0,
		PlacedAt:      time.Now().UTC(),
		CorrID:        corrID,
		CausationID:   causationID,
		Triggered:     false,
	}

	createdOpts := []envelope.Option{
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.OrderAcceptedPayload{
			OrderID:         order.ID,
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ID,
			Symbol:          order.Symbol,
			Side:            string(order.Side),
			OrderType:       string(order.OrderType),
			Qty:             order.Qty.String(),
			LimitPrice:      decimalString(order.LimitPrice),
			StopPrice:       decimalString(order.StopPrice),
			Status:          string(orderstore.StatusAccepted),
		}),
	}
	if corrID != "" {
		createdOpts = append(createdOpts, envelope.WithCorrID(corrID))
	}
	if causationID != "" {
		createdOpts = append(createdOpts, envelope.WithCausation(causationID))
	}
	created := envelope.New(envelope.TypeOrdersCreated, createdOpts...)
	if created.CorrID == "" {
		created.CorrID = created.ID
	}
	if order.CorrID == "" {
		order.CorrID = created.CorrID
		order.CausationID = created.ID
	}

	// Persist and announce before enrolling in the pending book: an order
	// the stores rejected must never rest, let alone fill.
	if err := g.persistAndAnnounce(ctx, created, orderRecord(g.runID, order)); err != nil {
		return execution.SubmitResult{}, err
	}

	result := execution.SubmitResult{
		Success:         true,
		ExchangeOrderID: order.ID,
		Status:          orderstore.StatusAccepted,
		ErrorCode:       "",
		ErrorMessage:    "",
	}
	g.mu.Lock()
	g.placedSeq++
	order.PlacedSeq = g.placedSeq
	g.pending = append(g.pending, order)
	if order.ClientOrderID != "" {
		g.seen[order.ClientOrderID] = result
	}
	g.mu.Unlock()
	return result, nil
}

// persistAndAnnounce writes the order row and appends orders.Created. When
// the log and order store both expose their transactional surfaces, the row
// and the event commit atomically; otherwise they land in sequence.
func (g *Greta) persistAndAnnounce(ctx context.Context, created *envelope.Envelope, record orderstore.Order) error {
	if g.orderSink != nil {
		appender, canTx := g.log.(txAppender)
		creator, canCreate := g.orderSink.(txOrderCreator)
		if canTx && canCreate {
			_, err := appender.AppendWith(ctx, created, func(ctx context.Context, tx outboxstore.Tx) error {
				return creator.CreateInTx(ctx, tx, record)
			})
			if err != nil {
				return fmt.Errorf("sim: persist order: %w", err)
			}
			return nil
		}
		if err := g.orderSink.Create(ctx, record); err != nil {
			return fmt.Errorf("sim: persist order: %w", err)
		}
	}
	if _, err := g.log.Append(ctx, created); err != nil {
		return fmt.Errorf("sim: append orders.Created: %w", err)
	}
	return nil
}

// CancelOrder removes a resting order. Returns false when the order is
// unknown or already filled.
func (g *Greta) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	if !g.IsConnected() {
		return false, errs.New(component, errs.KindNotConnected,
			errs.WithMessage("cancel before connect"))
	}
	g.mu.Lock()
	var cancelled *simOrder
	for i, order := range g.pending {
		if order.ID == exchangeOrderID {
			cancelled = order
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	if cancelled == nil {
		return false, nil
	}

	if g.orderSink != nil {
		update := orderstore.Update{
			ID:              cancelled.ID,
			Status:          orderstore.StatusCancelled,
			ExchangeOrderID: nil,
			FilledQty:       nil,
			FilledAvgPrice:  nil,
			UpdatedAt:       time.Now().UTC(),
		}
		if err := g.orderSink.Update(ctx, update); err != nil {
			return true, fmt.Errorf("sim: persist cancel: %w", err)
		}
	}
	env := envelope.New(envelope.TypeOrdersCancelled,
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(cancelled.CorrID),
		envelope.WithPayload(envelope.OrderCancelledPayload{
			OrderID:       cancelled.ID,
			ClientOrderID: cancelled.ClientOrderID,
			Symbol:        cancelled.Symbol,
		}),
	)
	if _, err := g.log.Append(ctx, env); err != nil {
		return true, fmt.Errorf("sim: append orders.Cancelled: %w", err)
	}
	return true, nil
}

// GetOrder returns the resting order's current snapshot.
func (g *Greta) GetOrder(ctx context.Context, exchangeOrderID string) (*execution.ExchangeOrder, error) {
	if !g.IsConnected() {
		return nil, errs.New(component, errs.KindNotConnected,
			errs.WithMessage("lookup before connect"))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, order := range g.pending {
		if order.ID == exchangeOrderID {
			return &execution.ExchangeOrder{
				ExchangeOrderID: order.ID,
				ClientOrderID:   order.ClientOrderID,
				Symbol:          order.Symbol,
				Side:            order.Side,
				OrderType:       order.OrderType,
				Qty:             order.Qty,
				FilledQty:       decimal.Zero,
				FilledAvgPrice:  decimal.Zero,
				Status:          orderstore.StatusAccepted,
				UpdatedAt:       order.PlacedAt,
			}, nil
		}
	}
	return nil, errs.New(component, errs.KindNotFound,
		errs.WithMessage("order "+exchangeOrderID+" not resting"))
}

// AdvanceTo evaluates the pending book against the bars at ts, books any
// fills, marks open positions, and samples equity. The backtest clock calls
// it once per tick and waits for it to return before advancing.
func (g *Greta) AdvanceTo(ctx context.Context, ts time.Time, barIndex int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return fmt.Errorf("sim: advance after finish")
	}

	barsAt := g.advanceCursors(ts)
	// No bar anywhere at this tick: nothing can fill and there is no close
	// to mark against, so the equity curve skips it.
	if len(barsAt) == 0 {
		return nil
	}

	sort.SliceStable(g.pending, func(i, j int) bool {
		if g.pending[i].PlacedSeq != g.pending[j].PlacedSeq {
			return g.pending[i].PlacedSeq < g.pending[j].PlacedSeq
		}
		return g.pending[i].ClientOrderID < g.pending[j].ClientOrderID
	})

	remaining := g.pending[:0]
	for _, order := range g.pending {
		bar, ok := barsAt[cacheKey{symbol: order.Symbol, timeframe: g.timeframe}]
		if !ok {
			remaining = append(remaining, order)
			continue
		}
		raw, fills := order.evaluate(bar, g.cfg.FillReference)
		if !fills {
			remaining = append(remaining, order)
			continue
		}
		if err := g.bookFill(ctx, order, raw, ts, barIndex); err != nil {
			return err
		}
	}
	g.pending = remaining

	for key, bar := range barsAt {
		g.acct.mark(key.symbol, bar.Close)
	}
	g.equityCurve = append(g.equityCurve, envelope.EquityPoint{
		TS:     ts,
		Equity: g.acct.equity().String(),
	})
	g.tickCount++
	return nil
}

// advanceCursors moves each symbol's cursor forward and returns the bars
// whose timestamp equals ts. Cursors never move backwards; the cache is
// sorted ascending.
func (g *Greta) advanceCursors(ts time.Time) map[cacheKey]barstore.Bar {
	out := make(map[cacheKey]barstore.Bar, len(g.cache))
	for key, bars := range g.cache {
		i := g.cursor[key]
		for i < len(bars) && bars[i].TS.Before(ts) {
			i++
		}
		g.cursor[key] = i
		if i < len(bars) && bars[i].TS.Equal(ts) {
			out[key] = bars[i]
		}
	}
	return out
}

// bookFill applies friction, updates the account, persists, and emits
// orders.Filled. Caller holds the mutex.
func (g *Greta) bookFill(ctx context.Context, order *simOrder, raw decimal.Decimal, ts time.Time, barIndex int64) error {
	price, slip, commission := applyFriction(raw, order.Qty, order.Side, g.cfg)
	g.acct.applyFill(order.Symbol, string(order.Side), order.Qty, price, commission)
	g.fillCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OrderAttributes(order.Symbol, string(order.Side), string(order.OrderType))...))

	snapshot := envelope.FillSnapshot{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		TS:            ts,
		Price:         price.String(),
		Qty:           order.Qty.String(),
		Commission:    commission.String(),
		Slippage:      slip.String(),
		BarIndex:      barIndex,
	}
	g.fillLog = append(g.fillLog, snapshot)

	if g.fillSink != nil {
		fill := fillstore.Fill{
			ID:         0,
			OrderID:    order.ID,
			RunID:      g.runID,
			TS:         ts,
			Price:      price,
			Qty:        order.Qty,
			Commission: commission,
			Slippage:   slip,
			BarIndex:   barIndex,
		}
		if _, err := g.fillSink.Append(ctx, fill); err != nil {
			return fmt.Errorf("sim: persist fill: %w", err)
		}
	}
	if g.orderSink != nil {
		filledQty := order.Qty.String()
		avgPrice := price.String()
		update := orderstore.Update{
			ID:              order.ID,
			Status:          orderstore.StatusFilled,
			ExchangeOrderID: nil,
			FilledQty:       &filledQty,
			FilledAvgPrice:  &avgPrice,
			UpdatedAt:       ts,
		}
		if err := g.orderSink.Update(ctx, update); err != nil {
			return fmt.Errorf("sim: persist fill update: %w", err)
		}
	}

	env := envelope.New(envelope.TypeOrdersFilled,
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(order.CorrID),
		envelope.WithCausation(order.CausationID),
		envelope.WithTimestamp(ts),
		envelope.WithPayload(envelope.OrderFillPayload{
			OrderID:        order.ID,
			ClientOrderID:  order.ClientOrderID,
			Symbol:         order.Symbol,
			Side:           string(order.Side),
			FillQty:        order.Qty.String(),
			FillPrice:      price.String(),
			FilledQty:      order.Qty.String(),
			FilledAvgPrice: price.String(),
			Commission:     commission.String(),
			Slippage:       slip.String(),
			BarIndex:       barIndex,
			Status:         string(orderstore.StatusFilled),
			TS:             ts,
		}),
	)
	if _, err := g.log.Append(ctx, env); err != nil {
		return fmt.Errorf("sim: append orders.Filled: %w", err)
	}
	return nil
}

// Finish emits the terminal backtest.Result and discards simulator state.
func (g *Greta) Finish(ctx context.Context) (envelope.BacktestResultPayload, error) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return envelope.BacktestResultPayload{}, fmt.Errorf("sim: already finished")
	}
	g.finished = true
	result := envelope.BacktestResultPayload{
		RunID:       g.runID,
		Stats:       g.stats(),
		EquityCurve: g.equityCurve,
		Fills:       g.fillLog,
	}
	g.equityCurve = nil
	g.fillLog = nil
	g.pending = nil
	g.cache = map[cacheKey][]barstore.Bar{}
	g.cursor = map[cacheKey]int{}
	g.mu.Unlock()

	env := envelope.New(envelope.TypeBacktestResult,
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(result),
	)
	if _, err := g.log.Append(ctx, env); err != nil {
		return result, fmt.Errorf("sim: append backtest.Result: %w", err)
	}
	return result, nil
}

// stats summarises the run. Caller holds the mutex.
func (g *Greta) stats() envelope.ResultStats {
	final := g.cfg.InitialCash
	if len(g.equityCurve) > 0 {
		if parsed, err := decimal.NewFromString(g.equityCurve[len(g.equityCurve)-1].Equity); err == nil {
			final = parsed
		}
	}
	totalReturn := decimal.Zero
	if g.cfg.InitialCash.IsPositive() {
		totalReturn = final.Sub(g.cfg.InitialCash).Div(g.cfg.InitialCash)
	}
	return envelope.ResultStats{
		InitialCash:    g.cfg.InitialCash.String(),
		FinalEquity:    final.String(),
		TotalReturn:    totalReturn.String(),
		MaxDrawdown:    maxDrawdown(g.equityCurve).String(),
		RealizedPnL:    g.acct.Realized.String(),
		CommissionPaid: g.acct.CommissionPaid.String(),
		FillCount:      len(g.fillLog),
		TickCount:      g.tickCount,
	}
}

// maxDrawdown is the largest peak-to-trough fraction over the curve.
func maxDrawdown(curve []envelope.EquityPoint) decimal.Decimal {
	worst := decimal.Zero
	peak := decimal.Zero
	for i, point := range curve {
		equity, err := decimal.NewFromString(point.Equity)
		if err != nil {
			continue
		}
		if i == 0 || equity.GreaterThan(peak) {
			peak = equity
			continue
		}
		if peak.IsPositive() {
			dd := peak.Sub(equity).Div(peak)
			worst = decimal.Max(worst, dd)
		}
	}
	return worst
}

func (g *Greta) handlePlaceOrder(ctx context.Context, env *envelope.Envelope) error {
	payload, ok := placeOrderPayload(env.Payload)
	if !ok {
		return fmt.Errorf("sim: unexpected place payload %T", env.Payload)
	}
	intent, err := intentFromPayload(g.runID, payload)
	if err != nil {
		g.rejectOrder(ctx, env, payload, err)
		return nil
	}
	if _, err := g.submit(ctx, intent, env.CorrID, env.ID); err != nil {
		g.rejectOrder(ctx, env, payload, err)
	}
	return nil
}

// rejectOrder surfaces a submit failure on the log; the strategy observes it
// like any venue rejection.
func (g *Greta) rejectOrder(ctx context.Context, cause *envelope.Envelope, payload envelope.PlaceOrderPayload, err error) {
	env := envelope.New(envelope.TypeOrdersRejected,
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(cause.CorrID),
		envelope.WithCausation(cause.ID),
		envelope.WithPayload(envelope.OrderRejectedPayload{
			OrderID:       "",
			ClientOrderID: payload.ClientOrderID,
			Symbol:        payload.Symbol,
			Reason:        string(errs.KindOf(err)),
			ErrorCode:     "",
			ErrorMessage:  err.Error(),
		}),
	)
	if _, appendErr := g.log.Append(ctx, env); appendErr != nil {
		g.logger.Printf("reject append failed: run=%s err=%v", g.runID, appendErr)
	}
}

func (g *Greta) handleFetchWindow(ctx context.Context, env *envelope.Envelope) error {
	payload, ok := fetchWindowPayload(env.Payload)
	if !ok {
		return fmt.Errorf("sim: unexpected fetch payload %T", env.Payload)
	}

	g.mu.Lock()
	cached := g.cache[cacheKey{symbol: payload.Symbol, timeframe: payload.Timeframe}]
	g.mu.Unlock()

	bars := make([]envelope.BarData, 0, len(cached))
	for _, bar := range cached {
		if bar.TS.Before(payload.From) || !bar.TS.Before(payload.To) {
			continue
		}
		bars = append(bars, envelope.BarData{
			TS:     bar.TS,
			Open:   bar.Open.String(),
			High:   bar.High.String(),
			Low:    bar.Low.String(),
			Close:  bar.Close.String(),
			Volume: bar.Volume.String(),
		})
	}

	ready := envelope.WindowReadyPayload{
		Symbol:    payload.Symbol,
		Timeframe: payload.Timeframe,
		From:      payload.From,
		To:        payload.To,
		Bars:      bars,
		DataRef:   "",
	}
	encoded, err := json.Marshal(ready)
	if err != nil {
		return fmt.Errorf("sim: encode window: %w", err)
	}
	switch {
	case len(encoded) <= inlineWindowLimit:
		return g.emitWindowReady(ctx, env, ready)
	case len(encoded) <= externalWindowLimit:
		return g.emitChunkedWindow(ctx, env, payload, bars)
	default:
		return g.emitWindowRef(ctx, env, ready)
	}
}

// emitWindowReady appends one data.WindowReady and hands it to the window
// sink when one is wired.
func (g *Greta) emitWindowReady(ctx context.Context, cause *envelope.Envelope, ready envelope.WindowReadyPayload) error {
	opts := []envelope.Option{
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(cause.CorrID),
		envelope.WithCausation(cause.ID),
		envelope.WithPayload(ready),
	}
	if ready.DataRef != "" {
		opts = append(opts, envelope.WithHeader(envelope.HeaderDataRef, ready.DataRef))
	}
	out := envelope.New(envelope.TypeDataWindowReady, opts...)
	if _, err := g.log.Append(ctx, out); err != nil {
		return fmt.Errorf("sim: append window: %w", err)
	}
	if g.windowSink != nil {
		if err := g.windowSink(ctx, out); err != nil {
			return fmt.Errorf("sim: window sink: %w", err)
		}
	}
	return nil
}

// emitWindowRef replaces an oversized window's bars with a reference back to
// the bar store. Consumers re-read the range the payload scopes.
func (g *Greta) emitWindowRef(ctx context.Context, cause *envelope.Envelope, ready envelope.WindowReadyPayload) error {
	ready.Bars = nil
	ready.DataRef = fmt.Sprintf("bars://%s/%s?from=%s&to=%s",
		ready.Symbol, ready.Timeframe,
		ready.From.UTC().Format(time.RFC3339), ready.To.UTC().Format(time.RFC3339))
	return g.emitWindowReady(ctx, cause, ready)
}

// emitChunkedWindow splits an oversized window into data.WindowChunk slices
// terminated by data.WindowComplete.
func (g *Greta) emitChunkedWindow(ctx context.Context, cause *envelope.Envelope, payload envelope.FetchWindowPayload, bars []envelope.BarData) error {
	chunkCount := 0
	for start := 0; start < len(bars); start += chunkBarCount {
		end := start + chunkBarCount
		if end > len(bars) {
			end = len(bars)
		}
		chunk := envelope.New(envelope.TypeDataWindowChunk,
			envelope.WithRunID(g.runID),
			envelope.WithProducer(Producer),
			envelope.WithCorrID(cause.CorrID),
			envelope.WithCausation(cause.ID),
			envelope.WithPayload(envelope.WindowChunkPayload{
				Symbol:     payload.Symbol,
				Timeframe:  payload.Timeframe,
				ChunkIndex: chunkCount,
				Bars:       bars[start:end],
			}),
		)
		if _, err := g.log.Append(ctx, chunk); err != nil {
			return fmt.Errorf("sim: append chunk %d: %w", chunkCount, err)
		}
		chunkCount++
	}
	complete := envelope.New(envelope.TypeDataWindowComplete,
		envelope.WithRunID(g.runID),
		envelope.WithProducer(Producer),
		envelope.WithCorrID(cause.CorrID),
		envelope.WithCausation(cause.ID),
		envelope.WithPayload(envelope.WindowCompletePayload{
			Symbol:     payload.Symbol,
			Timeframe:  payload.Timeframe,
			ChunkCount: chunkCount,
			BarCount:   len(bars),
		}),
	)
	if _, err := g.log.Append(ctx, complete); err != nil {
		return fmt.Errorf("sim: append window complete: %w", err)
	}
	return nil
}

func validateIntent(intent execution.OrderIntent) error {
	if intent.Symbol == "" {
		return errs.New(component, errs.KindValidation, errs.WithMessage("symbol required"))
	}
	if intent.Side != orderstore.SideBuy && intent.Side != orderstore.SideSell {
		return errs.New(component, errs.KindValidation, errs.WithMessage("unknown side "+string(intent.Side)))
	}
	if !intent.Qty.IsPositive() {
		return errs.New(component, errs.KindValidation, errs.WithMessage("qty must be positive"))
	}
	switch intent.OrderType {
	case orderstore.TypeMarket:
	case orderstore.TypeLimit:
		if intent.LimitPrice == nil {
			return errs.New(component, errs.KindValidation, errs.WithMessage("limit order requires limit_price"))
		}
	case orderstore.TypeStop:
		if intent.StopPrice == nil {
			return errs.New(component, errs.KindValidation, errs.WithMessage("stop order requires stop_price"))
		}
	case orderstore.TypeStopLimit:
		if intent.LimitPrice == nil || intent.StopPrice == nil {
			return errs.New(component, errs.KindValidation, errs.WithMessage("stop_limit order requires limit_price and stop_price"))
		}
	default:
		return errs.New(component, errs.KindValidation, errs.WithMessage("unknown order type "+string(intent.OrderType)))
	}
	return nil
}

func intentFromPayload(runID string, payload envelope.PlaceOrderPayload) (execution.OrderIntent, error) {
	qty, err := decimal.NewFromString(payload.Qty)
	if err != nil {
		return execution.OrderIntent{}, errs.New(component, errs.KindValidation,
			errs.WithMessage("bad qty "+payload.Qty), errs.WithCause(err))
	}
	limit, err := optionalDecimal(payload.LimitPrice)
	if err != nil {
		return execution.OrderIntent{}, errs.New(component, errs.KindValidation,
			errs.WithMessage("bad limit_price"), errs.WithCause(err))
	}
	stop, err := optionalDecimal(payload.StopPrice)
	if err != nil {
		return execution.OrderIntent{}, errs.New(component, errs.KindValidation,
			errs.WithMessage("bad stop_price"), errs.WithCause(err))
	}
	return execution.OrderIntent{
		RunID:         runID,
		ClientOrderID: payload.ClientOrderID,
		Symbol:        payload.Symbol,
		Side:          orderstore.Side(payload.Side),
		OrderType:     orderstore.Type(payload.OrderType),
		Qty:           qty,
		LimitPrice:    limit,
		StopPrice:     stop,
		TimeInForce:   payload.TimeInForce,
		ExtendedHours: payload.ExtendedHours,
	}, nil
}

func optionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	out, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func placeOrderPayload(payload any) (envelope.PlaceOrderPayload, bool) {
	switch p := payload.(type) {
	case envelope.PlaceOrderPayload:
		return p, true
	case *envelope.PlaceOrderPayload:
		if p != nil {
			return *p, true
		}
	}
	return envelope.PlaceOrderPayload{}, false
}

func fetchWindowPayload(payload any) (envelope.FetchWindowPayload, bool) {
	switch p := payload.(type) {
	case envelope.FetchWindowPayload:
		return p, true
	case *envelope.FetchWindowPayload:
		if p != nil {
			return *p, true
		}
	}
	return envelope.FetchWindowPayload{}, false
}

func orderRecord(runID string, order *simOrder) orderstore.Order {
	exchangeID := order.ID
	return orderstore.Order{
		ID:              order.ID,
		RunID:           runID,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: &exchangeID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		OrderType:       order.OrderType,
		Qty:             order.Qty.String(),
		LimitPrice:      decimalString(order.LimitPrice),
		StopPrice:       decimalString(order.StopPrice),
		TimeInForce:     order.TimeInForce,
		FilledQty:       "0",
		FilledAvgPrice:  nil,
		Status:          orderstore.StatusAccepted,
		CreatedAt:       order.PlacedAt,
		UpdatedAt:       order.PlacedAt,
	}
}
