package envelope

import (
	"fmt"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/weaver/errs"
)

// Registry maps event types to their payload schema and version. Emit paths
// validate against it; read paths use it to rehydrate typed payloads.
type Registry struct {
	mu      sync.RWMutex
	entries map[EventType]registration
}

type registration struct {
	version     int
	payloadType reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:      sync.RWMutex{},
		entries: make(map[EventType]registration),
	}
}

// Register binds eventType to the payload prototype's concrete type at the
// given version. Registration is idempotent; re-registering the same
// (type, version) with a differing schema fails with a schema_conflict error.
// A new version replaces the previous registration.
func (r *Registry) Register(eventType EventType, version int, prototype any) error {
	if eventType == "" {
		return fmt.Errorf("envelope registry: event type required")
	}
	if version <= 0 {
		return fmt.Errorf("envelope registry: version must be positive, got %d", version)
	}
	payloadType := payloadTypeOf(prototype)
	if payloadType == nil {
		return fmt.Errorf("envelope registry: payload prototype required for %s", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[eventType]
	if ok && existing.version == version {
		if existing.payloadType == payloadType {
			return nil
		}
		return errs.New("envelope", errs.KindSchemaConflict,
			errs.WithMessage("event type re-registered with a differing schema"),
			errs.WithField("event_type", string(eventType)),
			errs.WithField("version", fmt.Sprintf("%d", version)),
			errs.WithField("registered", existing.payloadType.String()),
			errs.WithField("proposed", payloadType.String()),
		)
	}

	r.entries[eventType] = registration{version: version, payloadType: payloadType}
	return nil
}

// Known reports whether the event type has a registered schema.
func (r *Registry) Known(eventType EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[eventType]
	return ok
}

// Version returns the registered schema version for the event type.
func (r *Registry) Version(eventType EventType) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[eventType]
	if !ok {
		return 0, false
	}
	return reg.version, true
}

// Validate checks an envelope's payload against the registered schema on the
// emit path. Unregistered types pass: validation binds only declared schemas.
func (r *Registry) Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope registry: nil envelope")
	}
	if env.Type == "" {
		return errs.New("envelope", errs.KindValidation,
			errs.WithMessage("event type required"))
	}

	r.mu.RLock()
	reg, ok := r.entries[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if env.Version != reg.version {
		return errs.New("envelope", errs.KindInvalidPayload,
			errs.WithMessage("envelope version does not match registered schema"),
			errs.WithField("event_type", string(env.Type)),
			errs.WithField("envelope_version", fmt.Sprintf("%d", env.Version)),
			errs.WithField("registered_version", fmt.Sprintf("%d", reg.version)),
		)
	}
	if env.Payload == nil {
		return errs.New("envelope", errs.KindInvalidPayload,
			errs.WithMessage("payload required"),
			errs.WithField("event_type", string(env.Type)),
		)
	}

	if raw, isRaw := env.Payload.(json.RawMessage); isRaw {
		target := reflect.New(reg.payloadType).Interface()
		if err := json.Unmarshal(raw, target); err != nil {
			return errs.New("envelope", errs.KindInvalidPayload,
				errs.WithMessage("raw payload does not decode into registered schema"),
				errs.WithField("event_type", string(env.Type)),
				errs.WithCause(err),
			)
		}
		return nil
	}

	actual := payloadTypeOf(env.Payload)
	if actual != reg.payloadType {
		return errs.New("envelope", errs.KindInvalidPayload,
			errs.WithMessage("payload type does not match registered schema"),
			errs.WithField("event_type", string(env.Type)),
			errs.WithField("registered", reg.payloadType.String()),
			errs.WithField("actual", fmt.Sprintf("%T", env.Payload)),
		)
	}
	return nil
}

// Decode rehydrates raw JSON into the registered payload type. Unknown types
// return the raw bytes untouched with known=false so read paths can pass them
// through flagged rather than dropped.
func (r *Registry) Decode(eventType EventType, raw json.RawMessage) (any, bool, error) {
	r.mu.RLock()
	reg, ok := r.entries[eventType]
	r.mu.RUnlock()
	if !ok {
		return raw, false, nil
	}

	target := reflect.New(reg.payloadType)
	if err := json.Unmarshal(raw, target.Interface()); err != nil {
		return nil, true, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return target.Elem().Interface(), true, nil
}

func payloadTypeOf(payload any) reflect.Type {
	if payload == nil {
		return nil
	}
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

var defaultSchemas = map[EventType]any{
	TypeStrategyFetchWindow:   FetchWindowPayload{},
	TypeStrategyPlaceRequest:  PlaceOrderPayload{},
	TypeStrategyDecisionMade:  DecisionMadePayload{},
	TypeLiveFetchWindow:       FetchWindowPayload{},
	TypeLivePlaceOrder:        PlaceOrderPayload{},
	TypeBacktestFetchWindow:   FetchWindowPayload{},
	TypeBacktestPlaceOrder:    PlaceOrderPayload{},
	TypeBacktestResult:        BacktestResultPayload{},
	TypeDataWindowReady:       WindowReadyPayload{},
	TypeDataWindowChunk:       WindowChunkPayload{},
	TypeDataWindowComplete:    WindowCompletePayload{},
	TypeMarketQuote:           QuotePayload{},
	TypeMarketTrade:           TradePayload{},
	TypeMarketBar:             BarPayload{},
	TypeOrdersCreated:         OrderAcceptedPayload{},
	TypeOrdersPlaceRequest:    PlaceOrderPayload{},
	TypeOrdersAck:             OrderAcceptedPayload{},
	TypeOrdersPlaced:          OrderAcceptedPayload{},
	TypeOrdersFilled:          OrderFillPayload{},
	TypeOrdersPartiallyFilled: OrderFillPayload{},
	TypeOrdersCancelled:       OrderCancelledPayload{},
	TypeOrdersRejected:        OrderRejectedPayload{},
	TypeRunCreated:            RunLifecyclePayload{},
	TypeRunStarted:            RunLifecyclePayload{},
	TypeRunStopRequested:      RunLifecyclePayload{},
	TypeRunStopped:            RunLifecyclePayload{},
	TypeRunCompleted:          RunLifecyclePayload{},
	TypeRunError:              RunErrorPayload{},
	TypeRunUnknownRouted:      UnknownRoutedPayload{},
	TypeClockTick:             TickPayload{},
}

// DefaultRegistry returns a registry with every catalogue event type
// registered at schema version 1.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for eventType, prototype := range defaultSchemas {
		if err := r.Register(eventType, 1, prototype); err != nil {
			panic(fmt.Sprintf("envelope registry: default registration %s: %v", eventType, err))
		}
	}
	return r
}
