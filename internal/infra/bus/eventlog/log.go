// Package eventlog provides the ordered, append-only envelope log that every
// Weaver component communicates through, with in-memory and Postgres-durable
// implementations.
package eventlog

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/weaver/internal/domain/envelope"
)

// DefaultPayloadCapBytes is the threshold above which producers should split
// bulk payloads into chunked events instead of one oversized append.
const DefaultPayloadCapBytes = 100 * 1024

// SubscriptionID uniquely identifies a log subscription.
type SubscriptionID string

// Entry is one committed envelope with its log sequence number. Sequence
// numbers start at 1 and increase without reordering.
type Entry struct {
	Seq      int64
	Envelope *envelope.Envelope
}

// Filter narrows reads and subscriptions. A zero filter matches everything;
// RunID and Types constrain independently when set.
type Filter struct {
	RunID string
	Types []envelope.EventType
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env *envelope.Envelope) bool {
	if env == nil {
		return false
	}
	if f.RunID != "" && env.RunID != f.RunID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, typ := range f.Types {
		if typ == envelope.TypeWildcard || typ == env.Type {
			return true
		}
	}
	return false
}

// Log is the ordered event log. Append assigns the next sequence number;
// Read returns committed entries with sequence numbers strictly greater than
// fromSeq; Subscribe delivers entries committed after the subscription is
// registered. Offsets give named consumers durable resume points.
type Log interface {
	Append(ctx context.Context, env *envelope.Envelope) (int64, error)
	Read(ctx context.Context, fromSeq int64, limit int, filter Filter) ([]Entry, error)
	Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan Entry, error)
	Unsubscribe(id SubscriptionID)
	CommitOffset(ctx context.Context, consumer string, seq int64) error
	LoadOffset(ctx context.Context, consumer string) (int64, error)
	Close()
}

// MemoryConfig configures the in-memory log buffers.
type MemoryConfig struct {
	// Capacity bounds the ring buffer; the oldest entries are evicted once
	// it fills.
	Capacity int
	// BufferSize is the per-subscriber channel depth.
	BufferSize int
	// Registry validates appends. Defaults to the shared catalogue.
	Registry *envelope.Registry
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.Capacity <= 0 {
		c.Capacity = 100_000
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Registry == nil {
		c.Registry = envelope.DefaultRegistry()
	}
	return c
}

// PayloadSize reports the encoded size of an envelope payload without
// mutating it.
func PayloadSize(payload any) (int, error) {
	switch v := payload.(type) {
	case nil:
		return 0, nil
	case []byte:
		return len(v), nil
	case json.RawMessage:
		return len(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		return len(data), nil
	}
}
