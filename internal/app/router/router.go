// Package router rescopes strategy intents onto the execution namespace
// that matches each run's mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

// Producer identifies router-emitted envelopes on the log.
const Producer = "marvin.router"

// RunSource resolves run metadata for routing decisions. runstore.Store
// satisfies it.
type RunSource interface {
	Get(ctx context.Context, id string) (runstore.Run, error)
}

// routes maps each strategy intent onto the event name it takes inside an
// execution namespace. PlaceRequest becomes PlaceOrder once scoped.
var routes = map[envelope.EventType]string{
	envelope.TypeStrategyFetchWindow:  "FetchWindow",
	envelope.TypeStrategyPlaceRequest: "PlaceOrder",
}

// Router consumes strategy.* intents from the log and re-emits them under
// live.* or backtest.* according to the owning run's mode. Intents for
// unknown or finished runs are dropped with a run.UnknownRouted diagnostic.
type Router struct {
	log    eventlog.Log
	runs   RunSource
	logger *log.Logger

	mu     sync.RWMutex
	modes  map[string]runstore.Mode
	inline map[string]struct{}

	subID     eventlog.SubscriptionID
	done      chan struct{}
	started   bool
	closeOnce sync.Once
}

// Option customises router construction.
type Option func(*Router)

// WithLogger overrides the router's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a router over the given log and run source.
func New(eventLog eventlog.Log, runs RunSource, opts ...Option) (*Router, error) {
	if eventLog == nil {
		return nil, fmt.Errorf("router: event log required")
	}
	if runs == nil {
		return nil, fmt.Errorf("router: run source required")
	}
	r := &Router{
		log:       eventLog,
		runs:      runs,
		logger:    log.New(os.Stdout, "router ", log.LstdFlags|log.Lmicroseconds),
		mu:        sync.RWMutex{},
		modes:     make(map[string]runstore.Mode),
		inline:    make(map[string]struct{}),
		subID:     "",
		done:      nil,
		started:   false,
		closeOnce: sync.Once{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Start subscribes to strategy intents and begins routing.
func (r *Router) Start(ctx context.Context) error {
	if r.started {
		return fmt.Errorf("router: already started")
	}
	types := make([]envelope.EventType, 0, len(routes))
	for typ := range routes {
		types = append(types, typ)
	}
	subID, ch, err := r.log.Subscribe(ctx, eventlog.Filter{Types: types})
	if err != nil {
		return fmt.Errorf("router: subscribe: %w", err)
	}
	r.started = true
	r.subID = subID
	r.done = make(chan struct{})
	go r.loop(ch)
	return nil
}

// Close unsubscribes and waits for in-flight routing to finish.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		if !r.started {
			return
		}
		r.log.Unsubscribe(r.subID)
		<-r.done
	})
}

// Forget drops the cached mode for a run. The run manager calls it on
// teardown so stragglers re-check status and surface as diagnostics.
func (r *Router) Forget(runID string) {
	r.mu.Lock()
	delete(r.modes, runID)
	delete(r.inline, runID)
	r.mu.Unlock()
}

// MarkInline registers a run whose owner routes its intents through direct
// Route calls. The subscription loop skips such runs so each intent routes
// exactly once.
func (r *Router) MarkInline(runID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	r.inline[runID] = struct{}{}
	r.mu.Unlock()
}

func (r *Router) routedInline(runID string) bool {
	r.mu.RLock()
	_, ok := r.inline[runID]
	r.mu.RUnlock()
	return ok
}

func (r *Router) loop(ch <-chan eventlog.Entry) {
	defer close(r.done)
	for entry := range ch {
		if r.routedInline(entry.Envelope.RunID) {
			continue
		}
		if _, err := r.Route(context.Background(), entry.Envelope); err != nil {
			r.logger.Printf("routing failed: event=%s type=%s err=%v", entry.Envelope.ID, entry.Envelope.Type, err)
		}
	}
}

// Route rescopes a single strategy intent and returns the routed envelope, or
// nil when the intent was dropped with a diagnostic. Exposed for direct
// invocation in synchronous pipelines.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("router: nil envelope")
	}
	name, ok := routes[env.Type]
	if !ok {
		return nil, fmt.Errorf("router: unroutable type %s", env.Type)
	}

	mode, reason, err := r.resolveMode(ctx, env.RunID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, r.emitUnknownRouted(ctx, env, reason)
	}

	namespace := "live"
	if mode == runstore.ModeBacktest {
		namespace = "backtest"
	}
	routed := envelope.New(envelope.EventType(namespace+"."+name),
		envelope.WithKind(env.Kind),
		envelope.WithRunID(env.RunID),
		envelope.WithCorrID(env.CorrID),
		envelope.WithCausation(env.ID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(env.Payload),
	)
	if _, err := r.log.Append(ctx, routed); err != nil {
		return nil, fmt.Errorf("router: append %s: %w", routed.Type, err)
	}
	return routed, nil
}

// resolveMode returns the run's mode, or a non-empty drop reason when the
// intent must not be routed. Modes are cached after the first successful
// lookup; a run's mode never changes once created.
func (r *Router) resolveMode(ctx context.Context, runID string) (runstore.Mode, string, error) {
	if runID == "" {
		return "", "missing_run_id", nil
	}
	r.mu.RLock()
	mode, cached := r.modes[runID]
	r.mu.RUnlock()
	if cached {
		return mode, "", nil
	}

	run, err := r.runs.Get(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return "", "unknown_run", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("router: look up run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return "", "run_" + string(run.Status), nil
	}

	r.mu.Lock()
	r.modes[runID] = run.Mode
	r.mu.Unlock()
	return run.Mode, "", nil
}

func (r *Router) emitUnknownRouted(ctx context.Context, env *envelope.Envelope, reason string) error {
	diag := envelope.New(envelope.TypeRunUnknownRouted,
		envelope.WithRunID(env.RunID),
		envelope.WithCorrID(env.CorrID),
		envelope.WithCausation(env.ID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.UnknownRoutedPayload{
			RunID:        env.RunID,
			OriginalID:   env.ID,
			OriginalType: string(env.Type),
			Reason:       reason,
		}),
	)
	if _, err := r.log.Append(ctx, diag); err != nil {
		return fmt.Errorf("router: append diagnostic: %w", err)
	}
	r.logger.Printf("dropped intent: event=%s type=%s run=%s reason=%s", env.ID, env.Type, env.RunID, reason)
	return nil
}
