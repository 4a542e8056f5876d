// Package strategy defines the capability contract consumed by strategy
// runners, the action vocabulary strategies answer with, and the static
// registry of built-in Go strategies.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the strategy-facing view of one clock pulse.
type Tick struct {
	RunID     string
	TS        time.Time
	Timeframe string
	BarIndex  int64
}

// WindowBar is one OHLCV bar inside a delivered window.
type WindowBar struct {
	TS     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Window is a historical bar range delivered in answer to a FetchWindow
// action.
type Window struct {
	Symbol    string
	Timeframe string
	From      time.Time
	To        time.Time
	Bars      []WindowBar
}

// ActionKind discriminates the action variants a strategy may return.
type ActionKind string

const (
	// ActionFetchWindow requests a historical bar range.
	ActionFetchWindow ActionKind = "fetch_window"
	// ActionPlaceOrder requests an order placement.
	ActionPlaceOrder ActionKind = "place_order"
)

// FetchWindowAction asks the platform for historical bars.
type FetchWindowAction struct {
	Symbol    string
	Timeframe string
	From      time.Time
	To        time.Time
}

// PlaceOrderAction asks the platform to place an order. ClientOrderID may be
// left empty; the runner assigns one before emitting.
type PlaceOrderAction struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	ExtendedHours bool
}

// Action is a tagged union; exactly one of the pointers is set, matching Kind.
type Action struct {
	Kind        ActionKind
	FetchWindow *FetchWindowAction
	PlaceOrder  *PlaceOrderAction
}

// NewFetchWindow wraps a FetchWindowAction.
func NewFetchWindow(a FetchWindowAction) Action {
	return Action{Kind: ActionFetchWindow, FetchWindow: &a, PlaceOrder: nil}
}

// NewPlaceOrder wraps a PlaceOrderAction.
func NewPlaceOrder(a PlaceOrderAction) Action {
	return Action{Kind: ActionPlaceOrder, FetchWindow: nil, PlaceOrder: &a}
}

// Strategy is the full capability set the runner consumes. Strategies are
// pure from the runner's perspective: they never touch the event log or an
// execution backend directly, only return actions.
type Strategy interface {
	Initialize(ctx context.Context, symbols []string) error
	OnTick(ctx context.Context, tick Tick) ([]Action, error)
	OnData(ctx context.Context, window Window) ([]Action, error)
}
