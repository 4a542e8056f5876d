package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/fillstore"
)

// FillStore persists execution fills in the fills table.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore constructs a FillStore backed by the provided pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const (
	fillInsertSQL = `
INSERT INTO fills (order_id, run_id, ts, price, qty, commission, slippage, bar_index)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id;
`

	fillSelectByRunSQL = `
SELECT id, order_id, run_id, ts, price::text, qty::text, commission::text, slippage::text, bar_index
FROM fills
WHERE run_id = $1
ORDER BY id ASC;
`
)

// Append records one fill and returns its assigned id.
func (s *FillStore) Append(ctx context.Context, fill fillstore.Fill) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("fill store: nil pool")
	}
	price, err := numericFromDecimal(fill.Price)
	if err != nil {
		return 0, fmt.Errorf("fill store: price: %w", err)
	}
	qty, err := numericFromDecimal(fill.Qty)
	if err != nil {
		return 0, fmt.Errorf("fill store: qty: %w", err)
	}
	commission, err := numericFromDecimal(fill.Commission)
	if err != nil {
		return 0, fmt.Errorf("fill store: commission: %w", err)
	}
	slippage, err := numericFromDecimal(fill.Slippage)
	if err != nil {
		return 0, fmt.Errorf("fill store: slippage: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, fillInsertSQL,
		fill.OrderID,
		fill.RunID,
		fill.TS,
		price,
		qty,
		commission,
		slippage,
		fill.BarIndex,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("fill store: insert fill: %w", err)
	}
	return id, nil
}

// ListByRun returns every fill recorded for a run in append order.
func (s *FillStore) ListByRun(ctx context.Context, runID string) ([]fillstore.Fill, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("fill store: nil pool")
	}
	rows, err := s.pool.Query(ctx, fillSelectByRunSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("fill store: list fills: %w", err)
	}
	defer rows.Close()

	var fills []fillstore.Fill
	for rows.Next() {
		var (
			fill       fillstore.Fill
			price      string
			qty        string
			commission string
			slippage   string
		)
		err := rows.Scan(&fill.ID, &fill.OrderID, &fill.RunID, &fill.TS, &price, &qty, &commission, &slippage, &fill.BarIndex)
		if err != nil {
			return nil, fmt.Errorf("fill store: scan fill: %w", err)
		}
		if fill.Price, err = decimalFromText(price); err != nil {
			return nil, fmt.Errorf("fill store: price: %w", err)
		}
		if fill.Qty, err = decimalFromText(qty); err != nil {
			return nil, fmt.Errorf("fill store: qty: %w", err)
		}
		if fill.Commission, err = decimalFromText(commission); err != nil {
			return nil, fmt.Errorf("fill store: commission: %w", err)
		}
		if fill.Slippage, err = decimalFromText(slippage); err != nil {
			return nil, fmt.Errorf("fill store: slippage: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fill store: iterate fills: %w", err)
	}
	return fills, nil
}

var _ fillstore.Store = (*FillStore)(nil)
