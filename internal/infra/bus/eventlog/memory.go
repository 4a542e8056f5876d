package eventlog

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/telemetry"
)

// MemoryLog is the in-memory event log used by backtests and tests. Entries
// live in a bounded ring; when it fills, the oldest entries are evicted.
// Consumer offsets are process-local and vanish on restart.
type MemoryLog struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once

	mu      sync.Mutex
	buf     []Entry
	start   int
	size    int
	nextSeq int64
	offsets map[string]int64

	fan *fanout

	appendCounter   metric.Int64Counter
	appendDuration  metric.Float64Histogram
	evictionCounter metric.Int64Counter
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog constructs an in-memory log.
func NewMemoryLog(cfg MemoryConfig) *MemoryLog {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	meter := otel.Meter("eventlog")
	appendCounter, _ := meter.Int64Counter("eventlog.appends",
		metric.WithDescription("Number of envelopes appended to the log"),
		metric.WithUnit("{envelope}"))
	appendDuration, _ := meter.Float64Histogram("eventlog.append.duration",
		metric.WithDescription("Event log append duration"),
		metric.WithUnit("ms"))
	evictionCounter, _ := meter.Int64Counter("eventlog.evictions",
		metric.WithDescription("Entries evicted from the memory ring"),
		metric.WithUnit("{entry}"))
	subscriberGauge, _ := meter.Int64UpDownCounter("eventlog.subscribers",
		metric.WithDescription("Number of active log subscribers"),
		metric.WithUnit("{subscriber}"))
	lagCounter, _ := meter.Int64Counter("eventlog.subscriber.lag",
		metric.WithDescription("Entries shed because a subscriber buffer was full"),
		metric.WithUnit("{entry}"))

	logger := log.New(os.Stdout, "eventlog/memory ", log.LstdFlags|log.Lmicroseconds)
	return &MemoryLog{
		cfg:             cfg,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		shutdownOnce:    sync.Once{},
		mu:              sync.Mutex{},
		buf:             make([]Entry, cfg.Capacity),
		start:           0,
		size:            0,
		nextSeq:         0,
		offsets:         make(map[string]int64),
		fan:             newFanout(cfg.BufferSize, logger, subscriberGauge, lagCounter),
		appendCounter:   appendCounter,
		appendDuration:  appendDuration,
		evictionCounter: evictionCounter,
	}
}

// Append validates the envelope, assigns the next sequence number and fans
// the entry out to matching subscribers. Envelopes must not be mutated after
// they are appended.
func (l *MemoryLog) Append(ctx context.Context, env *envelope.Envelope) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.cfg.Registry.Validate(env); err != nil {
		return 0, err
	}
	start := time.Now()

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return 0, errs.New("eventlog/append", errs.KindInternal, errs.WithMessage("log closed"))
	}
	l.nextSeq++
	entry := Entry{Seq: l.nextSeq, Envelope: env}
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = entry
		l.size++
	} else {
		l.buf[l.start] = entry
		l.start = (l.start + 1) % len(l.buf)
		if l.evictionCounter != nil {
			l.evictionCounter.Add(ctx, 1)
		}
	}
	// Fanout happens under the append lock so subscribers observe entries
	// in sequence order. Delivery never blocks.
	l.fan.publish(ctx, entry)
	l.mu.Unlock()

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(env.Type)),
		))
	}
	if l.appendDuration != nil {
		l.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return entry.Seq, nil
}

// Read returns up to limit committed entries with sequence numbers strictly
// greater than fromSeq that pass the filter. Entries already evicted from the
// ring are silently skipped.
func (l *MemoryLog) Read(ctx context.Context, fromSeq int64, limit int, filter Filter) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, min(limit, l.size))
	for i := 0; i < l.size && len(out) < limit; i++ {
		entry := l.buf[(l.start+i)%len(l.buf)]
		if entry.Seq <= fromSeq {
			continue
		}
		if !filter.Matches(entry.Envelope) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Subscribe registers for entries appended after this call.
func (l *MemoryLog) Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan Entry, error) {
	return l.fan.subscribe(ctx, filter)
}

// Unsubscribe removes the subscription and closes its channel.
func (l *MemoryLog) Unsubscribe(id SubscriptionID) {
	l.fan.unsubscribe(id)
}

// CommitOffset records the highest processed sequence for a consumer.
// Offsets never move backwards.
func (l *MemoryLog) CommitOffset(ctx context.Context, consumer string, seq int64) error {
	if consumer == "" {
		return errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("consumer name required"))
	}
	if seq < 0 {
		return errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("offset must not be negative"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.offsets[consumer] {
		l.offsets[consumer] = seq
	}
	return nil
}

// LoadOffset returns the last committed sequence for a consumer, zero when
// the consumer has never committed.
func (l *MemoryLog) LoadOffset(ctx context.Context, consumer string) (int64, error) {
	if consumer == "" {
		return 0, errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("consumer name required"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offsets[consumer], nil
}

// MaxSeq returns the sequence of the newest committed entry.
func (l *MemoryLog) MaxSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Close shuts down the log and all subscriptions.
func (l *MemoryLog) Close() {
	l.shutdownOnce.Do(func() {
		l.cancel()
		l.fan.close()
	})
}
