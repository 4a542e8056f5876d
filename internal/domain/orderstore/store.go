// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"errors"
	"time"
)

// Side distinguishes buys from sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Type enumerates supported order types.
type Type string

const (
	TypeMarket    Type = "market"
	TypeLimit     Type = "limit"
	TypeStop      Type = "stop"
	TypeStopLimit Type = "stop_limit"
)

// Status is one node of the order state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status freezes the order.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Order is the persisted snapshot of one order. Decimal fields are strings to
// preserve full precision across the wire and the database.
type Order struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID *string   `json:"exchange_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	OrderType       Type      `json:"order_type"`
	Qty             string    `json:"qty"`
	LimitPrice      *string   `json:"limit_price,omitempty"`
	StopPrice       *string   `json:"stop_price,omitempty"`
	TimeInForce     string    `json:"time_in_force"`
	FilledQty       string    `json:"filled_qty"`
	FilledAvgPrice  *string   `json:"filled_avg_price,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Update captures a state transition for an existing order. Nil pointers
// leave the respective column untouched.
type Update struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	ExchangeOrderID *string   `json:"exchange_order_id,omitempty"`
	FilledQty       *string   `json:"filled_qty,omitempty"`
	FilledAvgPrice  *string   `json:"filled_avg_price,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Query scopes order listings.
type Query struct {
	RunID    string `json:"run_id,omitempty"`
	Status   Status `json:"status,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// ErrNotFound reports a lookup for an unknown order id.
var ErrNotFound = errors.New("order not found")

// ErrDuplicateClientOrderID reports a second insert with the same
// (run_id, client_order_id) idempotency key.
var ErrDuplicateClientOrderID = errors.New("duplicate client order id")

// Store defines the contract for order persistence operations.
type Store interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	GetByClientOrderID(ctx context.Context, runID, clientOrderID string) (Order, error)
	List(ctx context.Context, query Query) ([]Order, int, error)
	Update(ctx context.Context, update Update) error
}
