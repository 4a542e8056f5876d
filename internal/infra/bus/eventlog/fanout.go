package eventlog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/telemetry"
)

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	filter Filter

	// mu serialises sends against close so a delivery can never hit a
	// closed channel.
	mu     sync.Mutex
	ch     chan Entry
	closed bool
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// send delivers without blocking; a full buffer sheds its oldest entry and
// retries once. Reports whether an entry was shed.
func (s *subscriber) send(entry Entry) (shed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return false
	}
	select {
	case s.ch <- entry:
		return false
	default:
	}
	select {
	case <-s.ch:
		shed = true
	default:
	}
	select {
	case s.ch <- entry:
	default:
	}
	return shed
}

// fanout owns the subscriber registry shared by the memory and durable logs.
// Delivery never blocks the log: a full subscriber buffer sheds its oldest
// entry so the newest data keeps flowing, and the shed is counted and logged.
type fanout struct {
	bufferSize int
	logger     *log.Logger

	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscriber
	closed      bool
	nextID      uint64

	subscriberGauge metric.Int64UpDownCounter
	lagCounter      metric.Int64Counter
}

func newFanout(bufferSize int, logger *log.Logger, gauge metric.Int64UpDownCounter, lag metric.Int64Counter) *fanout {
	return &fanout{
		bufferSize:      bufferSize,
		logger:          logger,
		subscribers:     make(map[SubscriptionID]*subscriber),
		closed:          false,
		nextID:          0,
		subscriberGauge: gauge,
		lagCounter:      lag,
	}
}

func (f *fanout) subscribe(ctx context.Context, filter Filter) (SubscriptionID, <-chan Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan Entry, f.bufferSize)
	sub.filter = filter

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&f.nextID, 1)))

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return "", nil, errs.New("eventlog/subscribe", errs.KindInternal, errs.WithMessage("log closed"))
	}
	f.subscribers[id] = sub
	f.mu.Unlock()

	if f.subscriberGauge != nil {
		f.subscriberGauge.Add(ctx, 1)
	}

	go f.observe(id, sub)
	return id, sub.ch, nil
}

func (f *fanout) unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	f.mu.Lock()
	sub, ok := f.subscribers[id]
	if ok {
		delete(f.subscribers, id)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	if f.subscriberGauge != nil {
		f.subscriberGauge.Add(context.Background(), -1)
	}
	sub.close()
}

func (f *fanout) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	f.mu.Lock()
	if stored, ok := f.subscribers[id]; ok && stored == sub {
		delete(f.subscribers, id)
	}
	f.mu.Unlock()
	sub.close()
}

// publish delivers the entry to every matching subscriber.
func (f *fanout) publish(ctx context.Context, entry Entry) {
	f.mu.RLock()
	subs := make([]*subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		if sub.filter.Matches(entry.Envelope) {
			subs = append(subs, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		f.deliver(ctx, sub, entry)
	}
}

func (f *fanout) deliver(ctx context.Context, sub *subscriber, entry Entry) {
	if !sub.send(entry) {
		return
	}
	eventType := ""
	if entry.Envelope != nil {
		eventType = string(entry.Envelope.Type)
	}
	f.logger.Printf("subscriber lagging; dropped oldest entry seq=%d type=%s", entry.Seq, eventType)
	if f.lagCounter != nil {
		f.lagCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEventType.String(eventType),
		))
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*subscriber, 0, len(f.subscribers))
	for id, sub := range f.subscribers {
		subs = append(subs, sub)
		delete(f.subscribers, id)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
