package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/barstore"
)

// BarStore persists immutable OHLCV candles in the bars table.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore constructs a BarStore backed by the provided pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const (
	barInsertSQL = `
INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (symbol, timeframe, ts) DO NOTHING;
`

	barSelectBase = `
SELECT symbol, timeframe, ts, open::text, high::text, low::text, close::text, volume::text
FROM bars
`
)

// Range returns bars for one symbol and timeframe ordered by bar start. From
// is inclusive and To exclusive when set.
func (s *BarStore) Range(ctx context.Context, query barstore.Query) ([]barstore.Bar, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bar store: nil pool")
	}
	if strings.TrimSpace(query.Symbol) == "" || strings.TrimSpace(query.Timeframe) == "" {
		return nil, fmt.Errorf("bar store: symbol and timeframe required")
	}

	var builder strings.Builder
	builder.WriteString(barSelectBase)
	builder.WriteString("WHERE symbol = $1 AND timeframe = $2\n")
	args := []any{query.Symbol, query.Timeframe}
	if !query.From.IsZero() {
		args = append(args, query.From)
		builder.WriteString(fmt.Sprintf("AND ts >= $%d\n", len(args)))
	}
	if !query.To.IsZero() {
		args = append(args, query.To)
		builder.WriteString(fmt.Sprintf("AND ts < $%d\n", len(args)))
	}
	builder.WriteString("ORDER BY ts ASC\n")
	limit := clampLimit(query.Limit, defaultBarLimit, maxBarLimit)
	args = append(args, limit)
	builder.WriteString(fmt.Sprintf("LIMIT $%d;", len(args)))

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("bar store: range bars: %w", err)
	}
	defer rows.Close()

	bars := make([]barstore.Bar, 0, limit)
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("bar store: scan bar: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bar store: iterate bars: %w", err)
	}
	return bars, nil
}

// Insert loads bars in bulk. Conflicts on (symbol, timeframe, ts) are ignored
// so re-ingesting an overlapping window is safe.
func (s *BarStore) Insert(ctx context.Context, bars []barstore.Bar) error {
	if s.pool == nil {
		return fmt.Errorf("bar store: nil pool")
	}
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, bar := range bars {
		open, err := numericFromDecimal(bar.Open)
		if err != nil {
			return fmt.Errorf("bar store: open: %w", err)
		}
		high, err := numericFromDecimal(bar.High)
		if err != nil {
			return fmt.Errorf("bar store: high: %w", err)
		}
		low, err := numericFromDecimal(bar.Low)
		if err != nil {
			return fmt.Errorf("bar store: low: %w", err)
		}
		closing, err := numericFromDecimal(bar.Close)
		if err != nil {
			return fmt.Errorf("bar store: close: %w", err)
		}
		volume, err := numericFromDecimal(bar.Volume)
		if err != nil {
			return fmt.Errorf("bar store: volume: %w", err)
		}
		batch.Queue(barInsertSQL, bar.Symbol, bar.Timeframe, bar.TS, open, high, low, closing, volume)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bar store: insert bar: %w", err)
		}
	}
	return nil
}

func scanBar(row rowScanner) (barstore.Bar, error) {
	var (
		bar    barstore.Bar
		open   string
		high   string
		low    string
		close  string
		volume string
	)
	if err := row.Scan(&bar.Symbol, &bar.Timeframe, &bar.TS, &open, &high, &low, &close, &volume); err != nil {
		return barstore.Bar{}, err
	}
	var err error
	if bar.Open, err = decimalFromText(open); err != nil {
		return barstore.Bar{}, err
	}
	if bar.High, err = decimalFromText(high); err != nil {
		return barstore.Bar{}, err
	}
	if bar.Low, err = decimalFromText(low); err != nil {
		return barstore.Bar{}, err
	}
	if bar.Close, err = decimalFromText(close); err != nil {
		return barstore.Bar{}, err
	}
	if bar.Volume, err = decimalFromText(volume); err != nil {
		return barstore.Bar{}, err
	}
	return bar, nil
}

const (
	defaultBarLimit = 1000
	maxBarLimit     = 10000
)

var _ barstore.Store = (*BarStore)(nil)
