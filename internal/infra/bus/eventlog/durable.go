package eventlog

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/outboxstore"
	"github.com/5TFG4/weaver/internal/telemetry"
)

// DurableOption configures the durable log.
type DurableOption func(*DurableLog)

// WithDurableLogger overrides the default logger used by the durable log.
func WithDurableLogger(logger *log.Logger) DurableOption {
	return func(l *DurableLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDispatchInterval tweaks the polling cadence for delivering committed
// entries when no append wake-up arrives.
func WithDispatchInterval(interval time.Duration) DurableOption {
	return func(l *DurableLog) {
		if interval > 0 {
			l.dispatchInterval = interval
		}
	}
}

// WithDispatchBatchSize configures the number of rows fetched per dispatch
// pass.
func WithDispatchBatchSize(size int) DurableOption {
	return func(l *DurableLog) {
		if size > 0 {
			l.dispatchBatchSize = size
		}
	}
}

// WithDispatchDisabled skips starting the background dispatch worker.
// Subscriptions never fire; reads and appends still work.
func WithDispatchDisabled() DurableOption {
	return func(l *DurableLog) {
		l.dispatchDisabled = true
	}
}

// WithDurableRegistry overrides the schema registry used to validate appends
// and decode reads.
func WithDurableRegistry(reg *envelope.Registry) DurableOption {
	return func(l *DurableLog) {
		if reg != nil {
			l.registry = reg
		}
	}
}

// WithDurableBufferSize sets the per-subscriber channel depth.
func WithDurableBufferSize(size int) DurableOption {
	return func(l *DurableLog) {
		if size > 0 {
			l.bufferSize = size
		}
	}
}

const (
	defaultDispatchInterval  = time.Second
	defaultDispatchBatchSize = 256
)

// DurableLog persists every envelope to Postgres before delivery. Appends are
// serialized so commit order matches sequence order; a background worker
// tails committed rows and fans them out to subscribers.
type DurableLog struct {
	store   outboxstore.Store
	offsets outboxstore.OffsetStore

	registry *envelope.Registry
	logger   *log.Logger

	dispatchInterval  time.Duration
	dispatchBatchSize int
	dispatchDisabled  bool
	bufferSize        int

	appendMu sync.Mutex

	fan    *fanout
	wakeCh chan struct{}

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatchWG     sync.WaitGroup
	cursor         int64

	appendCounter   metric.Int64Counter
	appendDuration  metric.Float64Histogram
	dispatchCounter metric.Int64Counter
	commitGauge     metric.Int64Gauge
}

var _ Log = (*DurableLog)(nil)

// NewDurableLog constructs a Postgres-backed log. The dispatch worker starts
// tailing at the current end of the log, so subscribers only observe entries
// appended after construction.
func NewDurableLog(ctx context.Context, store outboxstore.Store, offsets outboxstore.OffsetStore, opts ...DurableOption) (*DurableLog, error) {
	if store == nil {
		return nil, fmt.Errorf("durable log: store required")
	}
	if offsets == nil {
		return nil, fmt.Errorf("durable log: offset store required")
	}
	durable := &DurableLog{
		store:             store,
		offsets:           offsets,
		registry:          envelope.DefaultRegistry(),
		logger:            log.New(os.Stdout, "eventlog/durable ", log.LstdFlags|log.Lmicroseconds),
		dispatchInterval:  defaultDispatchInterval,
		dispatchBatchSize: defaultDispatchBatchSize,
		dispatchDisabled:  false,
		bufferSize:        256,
		appendMu:          sync.Mutex{},
		fan:               nil,
		wakeCh:            make(chan struct{}, 1),
		dispatchCtx:       nil,
		dispatchCancel:    nil,
		dispatchWG:        sync.WaitGroup{},
		cursor:            0,
		appendCounter:     nil,
		appendDuration:    nil,
		dispatchCounter:   nil,
		commitGauge:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}

	meter := otel.Meter("eventlog")
	durable.appendCounter, _ = meter.Int64Counter("eventlog.appends",
		metric.WithDescription("Number of envelopes appended to the log"),
		metric.WithUnit("{envelope}"))
	durable.appendDuration, _ = meter.Float64Histogram("eventlog.append.duration",
		metric.WithDescription("Event log append duration"),
		metric.WithUnit("ms"))
	durable.dispatchCounter, _ = meter.Int64Counter("eventlog.dispatched",
		metric.WithDescription("Committed entries delivered to subscribers"),
		metric.WithUnit("{entry}"))
	durable.commitGauge, _ = meter.Int64Gauge("eventlog.consumer.offset",
		metric.WithDescription("Highest sequence committed per consumer"),
		metric.WithUnit("{seq}"))
	subscriberGauge, _ := meter.Int64UpDownCounter("eventlog.subscribers",
		metric.WithDescription("Number of active log subscribers"),
		metric.WithUnit("{subscriber}"))
	lagCounter, _ := meter.Int64Counter("eventlog.subscriber.lag",
		metric.WithDescription("Entries shed because a subscriber buffer was full"),
		metric.WithUnit("{entry}"))
	durable.fan = newFanout(durable.bufferSize, durable.logger, subscriberGauge, lagCounter)

	maxSeq, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable log: resolve log end: %w", err)
	}
	durable.cursor = maxSeq

	if !durable.dispatchDisabled {
		durable.startDispatchWorker()
	}
	return durable, nil
}

// Append persists the envelope and returns its sequence number.
func (l *DurableLog) Append(ctx context.Context, env *envelope.Envelope) (int64, error) {
	return l.AppendWith(ctx, env, nil)
}

// AppendWith persists the envelope and runs work inside the same database
// transaction, so row writes commit atomically with the log entry. Appends
// are serialized: sequence order equals commit order.
func (l *DurableLog) AppendWith(ctx context.Context, env *envelope.Envelope, work func(context.Context, outboxstore.Tx) error) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.registry.Validate(env); err != nil {
		return 0, err
	}
	rec, err := envelopeToRecord(env)
	if err != nil {
		return 0, fmt.Errorf("durable log append: %w", err)
	}
	start := time.Now()

	l.appendMu.Lock()
	var seq int64
	err = l.store.WithTransaction(ctx, func(txCtx context.Context, tx outboxstore.Tx) error {
		assigned, appendErr := tx.Append(txCtx, rec)
		if appendErr != nil {
			return appendErr
		}
		seq = assigned
		if work != nil {
			return work(txCtx, tx)
		}
		return nil
	})
	l.appendMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("durable log append: %w", err)
	}

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(string(env.Type)),
		))
	}
	if l.appendDuration != nil {
		l.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	l.wake()
	return seq, nil
}

// Read returns up to limit committed entries with sequence numbers strictly
// greater than fromSeq that pass the filter.
func (l *DurableLog) Read(ctx context.Context, fromSeq int64, limit int, filter Filter) ([]Entry, error) {
	records, err := l.store.List(ctx, outboxstore.Query{
		AfterSeq: fromSeq,
		Limit:    clampReadLimit(limit),
		RunID:    filter.RunID,
		Types:    filterTypeNames(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("durable log read: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, l.recordToEntry(rec))
	}
	return entries, nil
}

// Subscribe registers for entries committed after this call.
func (l *DurableLog) Subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan Entry, error) {
	return l.fan.subscribe(ctx, filter)
}

// Unsubscribe removes the subscription and closes its channel.
func (l *DurableLog) Unsubscribe(id SubscriptionID) {
	l.fan.unsubscribe(id)
}

// CommitOffset durably records the highest processed sequence for a consumer.
func (l *DurableLog) CommitOffset(ctx context.Context, consumer string, seq int64) error {
	if consumer == "" {
		return errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("consumer name required"))
	}
	if seq < 0 {
		return errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("offset must not be negative"))
	}
	if err := l.offsets.Commit(ctx, consumer, seq); err != nil {
		return fmt.Errorf("durable log commit offset: %w", err)
	}
	if l.commitGauge != nil {
		l.commitGauge.Record(ctx, seq, metric.WithAttributes(
			telemetry.AttrConsumer.String(consumer)))
	}
	return nil
}

// LoadOffset returns the last committed sequence for a consumer.
func (l *DurableLog) LoadOffset(ctx context.Context, consumer string) (int64, error) {
	if consumer == "" {
		return 0, errs.New("eventlog/offset", errs.KindValidation, errs.WithMessage("consumer name required"))
	}
	seq, err := l.offsets.Load(ctx, consumer)
	if err != nil {
		return 0, fmt.Errorf("durable log load offset: %w", err)
	}
	return seq, nil
}

// Close stops the dispatch worker and closes all subscriptions.
func (l *DurableLog) Close() {
	if l.dispatchCancel != nil {
		l.dispatchCancel()
		l.dispatchWG.Wait()
	}
	l.fan.close()
}

func (l *DurableLog) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *DurableLog) startDispatchWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	l.dispatchCtx = ctx
	l.dispatchCancel = cancel
	l.dispatchWG.Add(1)
	go func() {
		defer l.dispatchWG.Done()
		ticker := time.NewTicker(l.dispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.wakeCh:
				l.dispatchCommitted(ctx)
			case <-ticker.C:
				l.dispatchCommitted(ctx)
			}
		}
	}()
}

// dispatchCommitted drains rows past the cursor and fans them out in
// sequence order. Only the dispatch worker advances the cursor.
func (l *DurableLog) dispatchCommitted(ctx context.Context) {
	for {
		records, err := l.store.List(ctx, outboxstore.Query{
			AfterSeq: l.cursor,
			Limit:    l.dispatchBatchSize,
			RunID:    "",
			Types:    nil,
		})
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Printf("dispatch list failed: %v", err)
			}
			return
		}
		if len(records) == 0 {
			return
		}
		for _, rec := range records {
			entry := l.recordToEntry(rec)
			l.fan.publish(ctx, entry)
			l.cursor = rec.Seq
			if l.dispatchCounter != nil {
				l.dispatchCounter.Add(ctx, 1)
			}
		}
		if len(records) < l.dispatchBatchSize {
			return
		}
	}
}

// recordToEntry rebuilds an envelope from its persisted form. Payloads of
// registered types are decoded into their payload structs; unknown types keep
// the raw JSON and are flagged via the unknown_type header.
func (l *DurableLog) recordToEntry(rec outboxstore.Record) Entry {
	headers := make(map[string]string, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	payload, known, err := l.registry.Decode(envelope.EventType(rec.Type), rec.Payload)
	if err != nil {
		l.logger.Printf("decode payload failed (seq=%d type=%s): %v", rec.Seq, rec.Type, err)
		payload = rec.Payload
		known = true
	}
	if !known {
		headers[envelope.HeaderUnknownType] = "true"
	}
	env := &envelope.Envelope{
		ID:          rec.ID,
		Kind:        envelope.Kind(rec.Kind),
		Type:        envelope.EventType(rec.Type),
		Version:     rec.Version,
		RunID:       rec.RunID,
		CorrID:      rec.CorrID,
		CausationID: rec.CausationID,
		TraceID:     rec.TraceID,
		TS:          rec.TS,
		Producer:    rec.Producer,
		Headers:     headers,
		Payload:     payload,
	}
	return Entry{Seq: rec.Seq, Envelope: env}
}

func envelopeToRecord(env *envelope.Envelope) (outboxstore.Record, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return outboxstore.Record{}, fmt.Errorf("encode payload: %w", err)
	}
	headers := make(map[string]string, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = v
	}
	return outboxstore.Record{
		Seq:         0,
		ID:          env.ID,
		Kind:        string(env.Kind),
		Type:        string(env.Type),
		Version:     env.Version,
		RunID:       env.RunID,
		CorrID:      env.CorrID,
		CausationID: env.CausationID,
		TraceID:     env.TraceID,
		Producer:    env.Producer,
		TS:          env.TS,
		Headers:     headers,
		Payload:     payload,
		CreatedAt:   time.Time{},
	}, nil
}

func clampReadLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func filterTypeNames(filter Filter) []string {
	if len(filter.Types) == 0 {
		return nil
	}
	names := make([]string, 0, len(filter.Types))
	for _, typ := range filter.Types {
		if typ == envelope.TypeWildcard {
			return nil
		}
		names = append(names, string(typ))
	}
	return names
}
