// Package execution defines the order-lifecycle contract shared by the
// backtest simulator and the live venue adapter. RunManager injects exactly
// one implementation per run; callers never branch on which one they hold.
package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/domain/orderstore"
)

// OrderIntent is a validated request to place one order.
type OrderIntent struct {
	RunID         string
	ClientOrderID string
	Symbol        string
	Side          orderstore.Side
	OrderType     orderstore.Type
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	ExtendedHours bool
}

// SubmitResult reports the venue's synchronous answer to a submit.
type SubmitResult struct {
	Success         bool
	ExchangeOrderID string
	Status          orderstore.Status
	ErrorCode       string
	ErrorMessage    string
}

// ExchangeOrder is the venue-side view of one order.
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            orderstore.Side
	OrderType       orderstore.Type
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	FilledAvgPrice  decimal.Decimal
	Status          orderstore.Status
	UpdatedAt       time.Time
}

// Execution is the capability set every venue backend provides. Operations
// other than Connect fail with a not_connected error until Connect succeeds;
// Connect itself is idempotent.
type Execution interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	SubmitOrder(ctx context.Context, intent OrderIntent) (SubmitResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*ExchangeOrder, error)
}
