package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/outboxstore"
)

// OutboxStore persists envelopes on the append-only events table. Sequence
// numbers come from the table's BIGSERIAL, so commit order under the durable
// log's append lock equals sequence order.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultEventLimit = 128
	maxEventLimit     = 1024
)

const (
	eventInsertSQL = `
INSERT INTO events (
    id,
    kind,
    type,
    version,
    run_id,
    corr_id,
    causation_id,
    trace_id,
    producer,
    ts,
    headers,
    payload
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::jsonb, '{}'::jsonb), COALESCE($12::jsonb, '{}'::jsonb))
RETURNING seq;
`

	eventSelectBase = `
SELECT
    seq,
    id,
    kind,
    type,
    version,
    run_id,
    corr_id,
    causation_id,
    trace_id,
    producer,
    ts,
    headers,
    payload,
    created_at
FROM events
`

	eventMaxSeqSQL = `
SELECT COALESCE(MAX(seq), 0) FROM events;
`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type outboxTx struct {
	tx    pgx.Tx
	store *OutboxStore
}

// PgxTx exposes the underlying transaction so sibling repositories can write
// rows atomically with the log append.
func (t *outboxTx) PgxTx() pgx.Tx {
	return t.tx
}

func (t *outboxTx) Append(ctx context.Context, rec outboxstore.Record) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("outbox store: nil transaction")
	}
	return t.store.appendWith(ctx, t.tx, rec)
}

func (s *OutboxStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	return s.pool, nil
}

func (s *OutboxStore) appendWith(ctx context.Context, q querier, rec outboxstore.Record) (int64, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return 0, fmt.Errorf("outbox store: envelope id required")
	}
	if strings.TrimSpace(rec.Type) == "" {
		return 0, fmt.Errorf("outbox store: event type required")
	}
	headers, err := encodeHeaders(rec.Headers)
	if err != nil {
		return 0, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	version := rec.Version
	if version <= 0 {
		version = 1
	}
	var seq int64
	err = q.QueryRow(ctx, eventInsertSQL,
		rec.ID,
		rec.Kind,
		rec.Type,
		version,
		rec.RunID,
		rec.CorrID,
		rec.CausationID,
		rec.TraceID,
		rec.Producer,
		ts,
		headers,
		[]byte(payload),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("outbox store: insert event: %w", err)
	}
	return seq, nil
}

// Append inserts one envelope outside any caller transaction.
func (s *OutboxStore) Append(ctx context.Context, rec outboxstore.Record) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	return s.appendWith(ctx, pool, rec)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OutboxStore) WithTransaction(ctx context.Context, fn func(context.Context, outboxstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("outbox store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("outbox store: begin tx: %w", err)
	}
	wrapped := &outboxTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("outbox store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("outbox store: commit tx: %w", err)
	}
	return nil
}

// List returns committed events after the query's sequence cursor.
func (s *OutboxStore) List(ctx context.Context, query outboxstore.Query) ([]outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultEventLimit, maxEventLimit)

	builder := strings.Builder{}
	builder.WriteString(eventSelectBase)
	builder.WriteString(" WHERE seq > $1")

	args := make([]any, 0, 4)
	args = append(args, query.AfterSeq)
	argPos := 2

	if trimmed := strings.TrimSpace(query.RunID); trimmed != "" {
		fmt.Fprintf(&builder, " AND run_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if types := normalizedTypes(query.Types); len(types) > 0 {
		fmt.Fprintf(&builder, " AND type = ANY($%d)", argPos)
		args = append(args, types)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY seq ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list events: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate events: %w", err)
	}
	return records, nil
}

// MaxSeq returns the sequence of the newest committed event, zero when the
// log is empty.
func (s *OutboxStore) MaxSeq(ctx context.Context) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := pool.QueryRow(ctx, eventMaxSeqSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("outbox store: max seq: %w", err)
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record      outboxstore.Record
		headerJSON  []byte
		payloadJSON []byte
	)
	if err := row.Scan(
		&record.Seq,
		&record.ID,
		&record.Kind,
		&record.Type,
		&record.Version,
		&record.RunID,
		&record.CorrID,
		&record.CausationID,
		&record.TraceID,
		&record.Producer,
		&record.TS,
		&headerJSON,
		&payloadJSON,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan event: %w", err)
	}
	headers, err := decodeHeaders(headerJSON)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Headers = headers
	record.Payload = json.RawMessage(payloadJSON)
	return record, nil
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}

func normalizedTypes(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	for _, typ := range types {
		if trimmed := strings.TrimSpace(typ); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

var _ outboxstore.Store = (*OutboxStore)(nil)
