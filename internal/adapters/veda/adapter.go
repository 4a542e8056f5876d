// Package veda is the live execution adapter for the VedaService venue
// gateway: REST for order placement, a websocket stream for order updates.
// One adapter instance serves one run.
package veda

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/telemetry"
)

// Producer identifies adapter-emitted envelopes on the log.
const Producer = "veda.adapter"

const component = "veda.adapter"

// Adapter implements execution.Execution against a VedaService gateway.
type Adapter struct {
	runID   string
	cfg     Config
	client  *client
	log     eventlog.Log
	limiter *rate.Limiter
	logger  *log.Logger

	submitCounter   metric.Int64Counter
	submitDuration  metric.Float64Histogram
	rejectCounter   metric.Int64Counter
	streamCounter   metric.Int64Counter
	connTransitions metric.Int64Counter

	mu        sync.Mutex
	connected bool
	stream    *stream
}

// Option customises adapter construction.
type Option func(*Adapter)

// WithLogger overrides the adapter's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New constructs an adapter for one run.
func New(runID string, cfg Config, eventLog eventlog.Log, opts ...Option) (*Adapter, error) {
	if runID == "" {
		return nil, fmt.Errorf("veda: run id required")
	}
	if eventLog == nil {
		return nil, fmt.Errorf("veda: event log required")
	}
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("veda")
	submitCounter, _ := meter.Int64Counter("execution.submits",
		metric.WithDescription("Order submits attempted at the venue"),
		metric.WithUnit("{order}"))
	submitDuration, _ := meter.Float64Histogram("execution.submit.duration",
		metric.WithDescription("Order submit round-trip duration"),
		metric.WithUnit("ms"))
	rejectCounter, _ := meter.Int64Counter("execution.rejections",
		metric.WithDescription("Orders rejected before or at the venue"),
		metric.WithUnit("{order}"))
	streamCounter, _ := meter.Int64Counter("execution.stream.order_updates",
		metric.WithDescription("Order lifecycle updates received over the stream"),
		metric.WithUnit("{update}"))
	connTransitions, _ := meter.Int64Counter("execution.connection.transitions",
		metric.WithDescription("Venue connection state transitions"),
		metric.WithUnit("{transition}"))
	a := &Adapter{
		runID:           runID,
		cfg:             normalized,
		client:          newClient(normalized),
		log:             eventLog,
		limiter:         rate.NewLimiter(normalized.SubmitRate, normalized.SubmitBurst),
		logger:          log.New(os.Stdout, "veda ", log.LstdFlags|log.Lmicroseconds),
		submitCounter:   submitCounter,
		submitDuration:  submitDuration,
		rejectCounter:   rejectCounter,
		streamCounter:   streamCounter,
		connTransitions: connTransitions,
		mu:              sync.Mutex{},
		connected:       false,
		stream:          nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Connect starts the order update stream. Idempotent: a second call on a
// connected adapter is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.cfg.StreamURL != "" {
		s := newStream(a.cfg, a.handleFrame, a.logger)
		if err := s.start(ctx); err != nil {
			return fmt.Errorf("veda: start stream: %w", err)
		}
		a.stream = s
	}
	a.connected = true
	a.connTransitions.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes("connected")...))
	return nil
}

// Disconnect stops the stream and blocks further operations.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	if a.stream != nil {
		a.stream.stop()
		a.stream = nil
	}
	a.connTransitions.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes("disconnected")...))
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) guard() error {
	if !a.IsConnected() {
		return errs.New(component, errs.KindNotConnected,
			errs.WithMessage("operation before connect"))
	}
	return nil
}

// SubmitOrder places an order at the venue. The submit path is throttled;
// a venue ack emits orders.Created, failures emit orders.Rejected.
func (a *Adapter) SubmitOrder(ctx context.Context, intent execution.OrderIntent) (execution.SubmitResult, error) {
	if err := a.guard(); err != nil {
		a.emitRejected(ctx, intent.ClientOrderID, intent.Symbol, "not_connected", "", err.Error())
		return execution.SubmitResult{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return execution.SubmitResult{}, errs.New(component, errs.KindAdapterFailure,
			errs.WithMessage("submit throttle interrupted"), errs.WithCause(err))
	}

	started := time.Now()
	order, err := a.client.submit(ctx, submitRequest{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		OrderType:     string(intent.OrderType),
		Qty:           intent.Qty.String(),
		LimitPrice:    decimalString(intent.LimitPrice),
		StopPrice:     decimalString(intent.StopPrice),
		TimeInForce:   intent.TimeInForce,
		ExtendedHours: intent.ExtendedHours,
	})
	orderAttrs := telemetry.OrderAttributes(intent.Symbol, string(intent.Side), string(intent.OrderType))
	a.submitDuration.Record(ctx, float64(time.Since(started))/float64(time.Millisecond),
		metric.WithAttributes(orderAttrs...))
	if err != nil {
		reason := "venue_error"
		if isTimeout(err) {
			reason = "timeout"
		}
		a.submitCounter.Add(ctx, 1, metric.WithAttributes(
			append(orderAttrs, telemetry.AttrResult.String(reason))...))
		a.emitRejected(ctx, intent.ClientOrderID, intent.Symbol, reason, "", err.Error())
		return execution.SubmitResult{
			Success:         false,
			ExchangeOrderID: "",
			Status:          orderstore.StatusRejected,
			ErrorCode:       reason,
			ErrorMessage:    err.Error(),
		}, err
	}

	a.submitCounter.Add(ctx, 1, metric.WithAttributes(
		append(orderAttrs, telemetry.AttrResult.String("ok"))...))

	created := envelope.New(envelope.TypeOrdersCreated,
		envelope.WithRunID(a.runID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.OrderAcceptedPayload{
			OrderID:         order.ID,
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: order.ID,
			Symbol:          order.Symbol,
			Side:            order.Side,
			OrderType:       order.OrderType,
			Qty:             order.Qty,
			LimitPrice:      order.LimitPrice,
			StopPrice:       order.StopPrice,
			Status:          order.Status,
		}),
	)
	if _, err := a.log.Append(ctx, created); err != nil {
		return execution.SubmitResult{}, fmt.Errorf("veda: append orders.Created: %w", err)
	}
	return execution.SubmitResult{
		Success:         true,
		ExchangeOrderID: order.ID,
		Status:          orderstore.Status(order.Status),
		ErrorCode:       "",
		ErrorMessage:    "",
	}, nil
}

// CancelOrder requests a venue-side cancel. The resulting orders.Cancelled
// arrives over the stream, not from this call.
func (a *Adapter) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	if err := a.guard(); err != nil {
		return false, err
	}
	if err := a.client.cancel(ctx, exchangeOrderID); err != nil {
		return false, err
	}
	return true, nil
}

// GetOrder fetches the venue's current view of an order.
func (a *Adapter) GetOrder(ctx context.Context, exchangeOrderID string) (*execution.ExchangeOrder, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	order, err := a.client.getOrder(ctx, exchangeOrderID)
	if err != nil {
		return nil, err
	}
	return toExchangeOrder(order)
}

func toExchangeOrder(order wireOrder) (*execution.ExchangeOrder, error) {
	qty, err := decimal.NewFromString(order.Qty)
	if err != nil {
		return nil, errs.New(component, errs.KindInvalidPayload,
			errs.WithMessage("bad qty "+order.Qty), errs.WithCause(err))
	}
	filled := decimal.Zero
	if order.FilledQty != "" {
		if filled, err = decimal.NewFromString(order.FilledQty); err != nil {
			return nil, errs.New(component, errs.KindInvalidPayload,
				errs.WithMessage("bad filled_qty "+order.FilledQty), errs.WithCause(err))
		}
	}
	avgPrice := decimal.Zero
	if order.FilledAvgPrice != nil {
		if avgPrice, err = decimal.NewFromString(*order.FilledAvgPrice); err != nil {
			return nil, errs.New(component, errs.KindInvalidPayload,
				errs.WithMessage("bad filled_avg_price"), errs.WithCause(err))
		}
	}
	updatedAt := time.Time{}
	if order.UpdatedAt != "" {
		if parsed, perr := time.Parse(time.RFC3339, order.UpdatedAt); perr == nil {
			updatedAt = parsed
		}
	}
	return &execution.ExchangeOrder{
		ExchangeOrderID: order.ID,
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            orderstore.Side(order.Side),
		OrderType:       orderstore.Type(order.OrderType),
		Qty:             qty,
		FilledQty:       filled,
		FilledAvgPrice:  avgPrice,
		Status:          orderstore.Status(order.Status),
		UpdatedAt:       updatedAt,
	}, nil
}

// handleFrame translates one stream frame into its lifecycle envelope.
// Market data frames pass through under their own namespace.
func (a *Adapter) handleFrame(frame streamFrame) error {
	switch frame.Type {
	case frameOrderUpdate:
		return a.handleOrderUpdate(frame)
	case frameQuote:
		var payload envelope.QuotePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("veda: decode quote frame: %w", err)
		}
		return a.appendMarket(envelope.TypeMarketQuote, payload)
	case frameTrade:
		var payload envelope.TradePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("veda: decode trade frame: %w", err)
		}
		return a.appendMarket(envelope.TypeMarketTrade, payload)
	case frameBar:
		var payload envelope.BarPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("veda: decode bar frame: %w", err)
		}
		return a.appendMarket(envelope.TypeMarketBar, payload)
	default:
		a.logger.Printf("unknown frame type: %s", frame.Type)
		return nil
	}
}

func (a *Adapter) handleOrderUpdate(frame streamFrame) error {
	order := frame.Order
	if order == nil {
		return fmt.Errorf("veda: order frame without order body")
	}
	ctx := context.Background()
	a.streamCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrOrderState.String(order.Status)))
	switch orderstore.Status(order.Status) {
	case orderstore.StatusFilled, orderstore.StatusPartial:
		eventType := envelope.TypeOrdersFilled
		if orderstore.Status(order.Status) == orderstore.StatusPartial {
			eventType = envelope.TypeOrdersPartiallyFilled
		}
		avgPrice := ""
		if order.FilledAvgPrice != nil {
			avgPrice = *order.FilledAvgPrice
		}
		env := envelope.New(eventType,
			envelope.WithRunID(a.runID),
			envelope.WithProducer(Producer),
			envelope.WithPayload(envelope.OrderFillPayload{
				OrderID:        order.ID,
				ClientOrderID:  order.ClientOrderID,
				Symbol:         order.Symbol,
				Side:           order.Side,
				FillQty:        frame.FillQty,
				FillPrice:      frame.FillPrice,
				FilledQty:      order.FilledQty,
				FilledAvgPrice: avgPrice,
				Commission:     frame.Commission,
				Slippage:       "",
				BarIndex:       0,
				Status:         order.Status,
				TS:             time.Now().UTC(),
			}),
		)
		_, err := a.log.Append(ctx, env)
		return err
	case orderstore.StatusCancelled, orderstore.StatusExpired:
		env := envelope.New(envelope.TypeOrdersCancelled,
			envelope.WithRunID(a.runID),
			envelope.WithProducer(Producer),
			envelope.WithPayload(envelope.OrderCancelledPayload{
				OrderID:       order.ID,
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
			}),
		)
		_, err := a.log.Append(ctx, env)
		return err
	case orderstore.StatusRejected:
		a.emitRejected(ctx, order.ClientOrderID, order.Symbol, "venue_rejected", "", frame.Reason)
		return nil
	default:
		// Accepted and pending updates carry no new information for the log.
		return nil
	}
}

func (a *Adapter) appendMarket(eventType envelope.EventType, payload any) error {
	env := envelope.New(eventType,
		envelope.WithRunID(a.runID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(payload),
	)
	_, err := a.log.Append(context.Background(), env)
	return err
}

func (a *Adapter) emitRejected(ctx context.Context, clientOrderID, symbol, reason, code, message string) {
	a.rejectCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrReason.String(reason)))
	env := envelope.New(envelope.TypeOrdersRejected,
		envelope.WithRunID(a.runID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.OrderRejectedPayload{
			OrderID:       "",
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Reason:        reason,
			ErrorCode:     code,
			ErrorMessage:  message,
		}),
	)
	if _, err := a.log.Append(ctx, env); err != nil {
		a.logger.Printf("reject emit failed: run=%s err=%v", a.runID, err)
	}
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
