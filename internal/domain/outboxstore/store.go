// Package outboxstore defines persistence contracts for the append-only event
// outbox and its consumer offsets.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Record is the persisted form of one envelope on the log. Seq is assigned by
// the store on append and orders the log globally.
type Record struct {
	Seq         int64
	ID          string
	Kind        string
	Type        string
	Version     int
	RunID       string
	CorrID      string
	CausationID string
	TraceID     string
	Producer    string
	TS          time.Time
	Headers     map[string]string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Tx exposes the append operation inside a transaction so callers can commit
// their own row writes atomically with the outbox insert.
type Tx interface {
	Append(ctx context.Context, rec Record) (int64, error)
}

// Query selects log records after a sequence number. RunID and Types narrow
// the result when non-empty.
type Query struct {
	AfterSeq int64
	Limit    int
	RunID    string
	Types    []string
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	List(ctx context.Context, q Query) ([]Record, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// OffsetStore tracks the highest sequence each named consumer has processed.
// Commits regress-protect: an offset never moves backwards.
type OffsetStore interface {
	Commit(ctx context.Context, consumer string, seq int64) error
	Load(ctx context.Context, consumer string) (int64, error)
}
