// Package postgres provides the PostgreSQL repositories backing durable runs:
// the event log, consumer offsets, runs, orders, fills and market data bars.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories sharing one connection pool.
type Store struct {
	*persistence.Store

	Outbox  *OutboxStore
	Offsets *OffsetStore
	Runs    *RunStore
	Orders  *OrderStore
	Bars    *BarStore
	Fills   *FillStore
}

// New constructs the full repository set over one pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:   persistence.NewStore(pool),
		Outbox:  NewOutboxStore(pool),
		Offsets: NewOffsetStore(pool),
		Runs:    NewRunStore(pool),
		Orders:  NewOrderStore(pool),
		Bars:    NewBarStore(pool),
		Fills:   NewFillStore(pool),
	}
}
