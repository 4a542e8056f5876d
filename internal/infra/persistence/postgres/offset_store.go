package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/outboxstore"
)

// OffsetStore persists consumer resume points. Commits never move an offset
// backwards, so replays after a crash are safe.
type OffsetStore struct {
	pool *pgxpool.Pool
}

// NewOffsetStore constructs an OffsetStore backed by the provided pool.
func NewOffsetStore(pool *pgxpool.Pool) *OffsetStore {
	return &OffsetStore{pool: pool}
}

const (
	offsetUpsertSQL = `
INSERT INTO consumer_offsets (consumer_name, last_processed_seq, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (consumer_name) DO UPDATE
SET last_processed_seq = GREATEST(consumer_offsets.last_processed_seq, EXCLUDED.last_processed_seq),
    updated_at = NOW();
`

	offsetLoadSQL = `
SELECT COALESCE(
    (SELECT last_processed_seq FROM consumer_offsets WHERE consumer_name = $1),
    0
);
`
)

// Commit records the highest processed sequence for a consumer.
func (s *OffsetStore) Commit(ctx context.Context, consumer string, seq int64) error {
	if s.pool == nil {
		return fmt.Errorf("offset store: nil pool")
	}
	name := strings.TrimSpace(consumer)
	if name == "" {
		return fmt.Errorf("offset store: consumer name required")
	}
	if seq < 0 {
		return fmt.Errorf("offset store: offset must not be negative")
	}
	if _, err := s.pool.Exec(ctx, offsetUpsertSQL, name, seq); err != nil {
		return fmt.Errorf("offset store: commit offset: %w", err)
	}
	return nil
}

// Load returns the consumer's last committed sequence, zero for an unknown
// consumer.
func (s *OffsetStore) Load(ctx context.Context, consumer string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("offset store: nil pool")
	}
	name := strings.TrimSpace(consumer)
	if name == "" {
		return 0, fmt.Errorf("offset store: consumer name required")
	}
	var seq int64
	if err := s.pool.QueryRow(ctx, offsetLoadSQL, name).Scan(&seq); err != nil {
		return 0, fmt.Errorf("offset store: load offset: %w", err)
	}
	return seq, nil
}

var _ outboxstore.OffsetStore = (*OffsetStore)(nil)
