// Package fillstore defines the append-only persistence contract for fills.
package fillstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one immutable execution record against an order.
type Fill struct {
	ID         int64           `json:"id"`
	OrderID    string          `json:"order_id"`
	RunID      string          `json:"run_id"`
	TS         time.Time       `json:"ts"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	BarIndex   int64           `json:"bar_index"`
}

// Store defines the contract for fill persistence operations.
type Store interface {
	Append(ctx context.Context, fill Fill) (int64, error)
	ListByRun(ctx context.Context, runID string) ([]Fill, error)
}
