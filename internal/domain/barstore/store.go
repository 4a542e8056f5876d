// Package barstore defines the read contract for immutable OHLCV bars.
package barstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one immutable OHLCV candle. TS is the bar-start boundary; bars are
// uniquely keyed by (symbol, timeframe, ts).
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	TS        time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Query scopes bar range reads. From is inclusive, To exclusive when set.
type Query struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// Store defines the contract for bar persistence operations.
type Store interface {
	Range(ctx context.Context, query Query) ([]Bar, error)
	// Insert loads bars in bulk; conflicts on the unique key are ignored so
	// re-ingesting a window is safe.
	Insert(ctx context.Context, bars []Bar) error
}
