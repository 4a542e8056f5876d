package httpserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

// DefaultClientBuffer is the per-client event queue depth. A client whose
// queue fills is disconnected rather than allowed to stall the fan-out.
const DefaultClientBuffer = 256

type sseEvent struct {
	eventType string
	data      []byte
}

type sseClient struct {
	id    int64
	runID string
	ch    chan sseEvent
}

// Broadcaster fans the event log out to SSE clients. One subscription feeds
// every client; per-client queues are bounded and never block the pump.
type Broadcaster struct {
	log    eventlog.Log
	logger *log.Logger
	buffer int

	mu      sync.Mutex
	clients map[int64]*sseClient
	nextID  int64
	closed  bool

	subID    eventlog.SubscriptionID
	pumpDone chan struct{}

	clientGauge metric.Int64UpDownCounter
	dropCounter metric.Int64Counter
}

// BroadcasterOption customises broadcaster construction.
type BroadcasterOption func(*Broadcaster)

// WithClientBuffer overrides the per-client queue depth.
func WithClientBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBroadcasterLogger overrides the broadcaster's diagnostic logger.
func WithBroadcasterLogger(logger *log.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroadcaster subscribes to the full event log and starts the fan-out
// pump. Close releases the subscription.
func NewBroadcaster(eventLog eventlog.Log, opts ...BroadcasterOption) (*Broadcaster, error) {
	if eventLog == nil {
		return nil, fmt.Errorf("sse: event log required")
	}
	meter := otel.Meter("sse")
	clientGauge, _ := meter.Int64UpDownCounter("sse.clients",
		metric.WithDescription("Connected SSE clients"),
		metric.WithUnit("{client}"))
	dropCounter, _ := meter.Int64Counter("sse.slow_consumer_drops",
		metric.WithDescription("SSE clients disconnected for falling behind"),
		metric.WithUnit("{client}"))

	b := &Broadcaster{
		log:         eventLog,
		logger:      log.New(os.Stdout, "sse ", log.LstdFlags|log.Lmicroseconds),
		buffer:      DefaultClientBuffer,
		mu:          sync.Mutex{},
		clients:     make(map[int64]*sseClient),
		nextID:      0,
		closed:      false,
		subID:       "",
		pumpDone:    make(chan struct{}),
		clientGauge: clientGauge,
		dropCounter: dropCounter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	subID, entries, err := eventLog.Subscribe(context.Background(), eventlog.Filter{
		RunID: "",
		Types: []envelope.EventType{envelope.TypeWildcard},
	})
	if err != nil {
		return nil, fmt.Errorf("sse: subscribe: %w", err)
	}
	b.subID = subID
	go b.pump(entries)
	return b, nil
}

// Close unsubscribes from the log and disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*sseClient, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = make(map[int64]*sseClient)
	b.mu.Unlock()

	b.log.Unsubscribe(b.subID)
	<-b.pumpDone
	for _, client := range clients {
		close(client.ch)
		b.clientGauge.Add(context.Background(), -1)
	}
}

func (b *Broadcaster) pump(entries <-chan eventlog.Entry) {
	defer close(b.pumpDone)
	for entry := range entries {
		b.fanout(entry.Envelope)
	}
}

func (b *Broadcaster) fanout(env *envelope.Envelope) {
	if env == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Printf("encode envelope failed: id=%s type=%s err=%v", env.ID, env.Type, err)
		return
	}
	event := sseEvent{eventType: string(env.Type), data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, client := range b.clients {
		if client.runID != "" && client.runID != env.RunID {
			continue
		}
		select {
		case client.ch <- event:
		default:
			// Full queue: the client is too slow to keep, drop it now so the
			// pump never blocks.
			delete(b.clients, id)
			close(client.ch)
			b.clientGauge.Add(context.Background(), -1)
			b.dropCounter.Add(context.Background(), 1)
			b.logger.Printf("client disconnected: id=%d reason=slow_consumer", id)
		}
	}
}

// register adds a client sink. The returned cancel is idempotent and safe to
// call after a slow-consumer drop.
func (b *Broadcaster) register(runID string) (*sseClient, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("sse: broadcaster closed")
	}
	b.nextID++
	client := &sseClient{
		id:    b.nextID,
		runID: runID,
		ch:    make(chan sseEvent, b.buffer),
	}
	b.clients[client.id] = client
	b.clientGauge.Add(context.Background(), 1)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[client.id]; !ok {
			return
		}
		delete(b.clients, client.id)
		close(client.ch)
		b.clientGauge.Add(context.Background(), -1)
	}
	return client, cancel, nil
}

// serveStream is the GET /api/v1/events/stream handler. Events flush as
// `event: <type>\ndata: <json>\n\n`; reconnects are the client's concern.
func (b *Broadcaster) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	client, cancel, err := b.register(runID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-client.ch:
			if !ok {
				// Dropped as a slow consumer or broadcaster shutdown.
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.eventType, event.data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
