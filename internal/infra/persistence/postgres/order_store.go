package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/outboxstore"
)

// OrderStore persists order lifecycle state in the orders table. The unique
// index on (run_id, client_order_id) backs the submission idempotency key.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id, run_id, client_order_id, exchange_order_id, symbol, side, order_type,
    qty, limit_price, stop_price, time_in_force, filled_qty, filled_avg_price,
    status, created_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7,
    $8, $9, $10, $11, $12, $13,
    $14, $15, $16
);
`

	orderSelectBase = `
SELECT id, run_id, client_order_id, exchange_order_id, symbol, side, order_type,
       qty::text, limit_price::text, stop_price::text, time_in_force,
       filled_qty::text, filled_avg_price::text, status, created_at, updated_at
FROM orders
`

	orderUpdateSQL = `
UPDATE orders
SET status = $2,
    exchange_order_id = COALESCE($3, exchange_order_id),
    filled_qty = COALESCE($4, filled_qty),
    filled_avg_price = COALESCE($5, filled_avg_price),
    updated_at = $6
WHERE id = $1;
`

	uniqueViolationCode = "23505"
)

// Create inserts a new order row. A second insert with the same
// (run_id, client_order_id) pair returns ErrDuplicateClientOrderID.
func (s *OrderStore) Create(ctx context.Context, order orderstore.Order) error {
	if s.pool == nil {
		return fmt.Errorf("order store: nil pool")
	}
	return s.createWith(ctx, s.pool, order)
}

// CreateInTx inserts the order row inside an open outbox transaction, so the
// row and the log append it accompanies commit or roll back together. The tx
// must come from the durable log's postgres store.
func (s *OrderStore) CreateInTx(ctx context.Context, tx outboxstore.Tx, order orderstore.Order) error {
	carrier, ok := tx.(interface{ PgxTx() pgx.Tx })
	if !ok {
		return fmt.Errorf("order store: tx %T does not carry a pgx transaction", tx)
	}
	return s.createWith(ctx, carrier.PgxTx(), order)
}

func (s *OrderStore) createWith(ctx context.Context, q querier, order orderstore.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	qty, err := numericFromString(order.Qty)
	if err != nil {
		return fmt.Errorf("order store: qty: %w", err)
	}
	limitPrice, err := numericFromOptional(order.LimitPrice)
	if err != nil {
		return fmt.Errorf("order store: limit price: %w", err)
	}
	stopPrice, err := numericFromOptional(order.StopPrice)
	if err != nil {
		return fmt.Errorf("order store: stop price: %w", err)
	}
	filledQty := order.FilledQty
	if strings.TrimSpace(filledQty) == "" {
		filledQty = "0"
	}
	filled, err := numericFromString(filledQty)
	if err != nil {
		return fmt.Errorf("order store: filled qty: %w", err)
	}
	filledAvg, err := numericFromOptional(order.FilledAvgPrice)
	if err != nil {
		return fmt.Errorf("order store: filled avg price: %w", err)
	}
	_, err = q.Exec(ctx, orderInsertSQL,
		order.ID,
		order.RunID,
		order.ClientOrderID,
		order.ExchangeOrderID,
		order.Symbol,
		string(order.Side),
		string(order.OrderType),
		qty,
		limitPrice,
		stopPrice,
		order.TimeInForce,
		filled,
		filledAvg,
		string(order.Status),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return orderstore.ErrDuplicateClientOrderID
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// Get fetches one order by id.
func (s *OrderStore) Get(ctx context.Context, id string) (orderstore.Order, error) {
	if s.pool == nil {
		return orderstore.Order{}, fmt.Errorf("order store: nil pool")
	}
	row := s.pool.QueryRow(ctx, orderSelectBase+"WHERE id = $1;", id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: get order: %w", err)
	}
	return order, nil
}

// GetByClientOrderID fetches the order matching the idempotency key.
func (s *OrderStore) GetByClientOrderID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error) {
	if s.pool == nil {
		return orderstore.Order{}, fmt.Errorf("order store: nil pool")
	}
	row := s.pool.QueryRow(ctx, orderSelectBase+"WHERE run_id = $1 AND client_order_id = $2;", runID, clientOrderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	if err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: get order by client id: %w", err)
	}
	return order, nil
}

// List returns a page of orders ordered newest first, plus the total count
// for the query.
func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]orderstore.Order, int, error) {
	if s.pool == nil {
		return nil, 0, fmt.Errorf("order store: nil pool")
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := clampLimit(query.PageSize, defaultOrderPageSize, maxOrderPageSize)

	var (
		conditions []string
		args       []any
	)
	if query.RunID != "" {
		args = append(args, query.RunID)
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if query.Status != "" {
		args = append(args, string(query.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	var where string
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ") + "\n"
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM orders\n" + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("order store: count orders: %w", err)
	}

	listSQL := fmt.Sprintf("%s%sORDER BY created_at DESC, id DESC\nLIMIT $%d OFFSET $%d;",
		orderSelectBase, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]orderstore.Order, 0, pageSize)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("order store: scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, total, nil
}

// Update applies a state transition to an existing order. Nil pointers in the
// update leave the respective columns untouched.
func (s *OrderStore) Update(ctx context.Context, update orderstore.Update) error {
	if s.pool == nil {
		return fmt.Errorf("order store: nil pool")
	}
	filledQty, err := numericFromOptional(update.FilledQty)
	if err != nil {
		return fmt.Errorf("order store: filled qty: %w", err)
	}
	filledAvg, err := numericFromOptional(update.FilledAvgPrice)
	if err != nil {
		return fmt.Errorf("order store: filled avg price: %w", err)
	}
	tag, err := s.pool.Exec(ctx, orderUpdateSQL,
		update.ID,
		string(update.Status),
		update.ExchangeOrderID,
		filledQty,
		filledAvg,
		update.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

func scanOrder(row rowScanner) (orderstore.Order, error) {
	var (
		order     orderstore.Order
		side      string
		orderType string
		status    string
		qty       string
		limit     *string
		stop      *string
		filled    string
		filledAvg *string
	)
	err := row.Scan(
		&order.ID,
		&order.RunID,
		&order.ClientOrderID,
		&order.ExchangeOrderID,
		&order.Symbol,
		&side,
		&orderType,
		&qty,
		&limit,
		&stop,
		&order.TimeInForce,
		&filled,
		&filledAvg,
		&status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return orderstore.Order{}, err
	}
	order.Side = orderstore.Side(side)
	order.OrderType = orderstore.Type(orderType)
	order.Status = orderstore.Status(status)
	order.Qty = qty
	order.LimitPrice = limit
	order.StopPrice = stop
	order.FilledQty = filled
	order.FilledAvgPrice = filledAvg
	return order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

const (
	defaultOrderPageSize = 50
	maxOrderPageSize     = 500
)

var _ orderstore.Store = (*OrderStore)(nil)
