package envelope

import "strings"

// EventType is a case-sensitive dotted event name, namespace.PascalName.
type EventType string

// Strategy intent events emitted by strategy runners.
const (
	TypeStrategyFetchWindow  EventType = "strategy.FetchWindow"
	TypeStrategyPlaceRequest EventType = "strategy.PlaceRequest"
	TypeStrategyDecisionMade EventType = "strategy.DecisionMade"
)

// Router outputs scoped to live (and paper) execution.
const (
	TypeLiveFetchWindow EventType = "live.FetchWindow"
	TypeLivePlaceOrder  EventType = "live.PlaceOrder"
)

// Router outputs scoped to backtest execution, plus the terminal result.
const (
	TypeBacktestFetchWindow EventType = "backtest.FetchWindow"
	TypeBacktestPlaceOrder  EventType = "backtest.PlaceOrder"
	TypeBacktestResult      EventType = "backtest.Result"
)

// Historical data window delivery.
const (
	TypeDataWindowReady    EventType = "data.WindowReady"
	TypeDataWindowChunk    EventType = "data.WindowChunk"
	TypeDataWindowComplete EventType = "data.WindowComplete"
)

// Market data.
const (
	TypeMarketQuote EventType = "market.Quote"
	TypeMarketTrade EventType = "market.Trade"
	TypeMarketBar   EventType = "market.Bar"
)

// Order lifecycle.
const (
	TypeOrdersCreated         EventType = "orders.Created"
	TypeOrdersPlaceRequest    EventType = "orders.PlaceRequest"
	TypeOrdersAck             EventType = "orders.Ack"
	TypeOrdersPlaced          EventType = "orders.Placed"
	TypeOrdersFilled          EventType = "orders.Filled"
	TypeOrdersPartiallyFilled EventType = "orders.PartiallyFilled"
	TypeOrdersCancelled       EventType = "orders.Cancelled"
	TypeOrdersRejected        EventType = "orders.Rejected"
)

// Run lifecycle.
const (
	TypeRunCreated       EventType = "run.Created"
	TypeRunStarted       EventType = "run.Started"
	TypeRunStopRequested EventType = "run.StopRequested"
	TypeRunStopped       EventType = "run.Stopped"
	TypeRunCompleted     EventType = "run.Completed"
	TypeRunError         EventType = "run.Error"
	TypeRunUnknownRouted EventType = "run.UnknownRouted"
)

// Clock pulses.
const (
	TypeClockTick EventType = "clock.Tick"
)

// TypeWildcard subscribes to every event type.
const TypeWildcard EventType = "*"

// Namespace returns the portion before the first dot, or the whole type when
// it carries no namespace.
func (t EventType) Namespace() string {
	s := string(t)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Name returns the PascalName portion after the first dot.
func (t EventType) Name() string {
	s := string(t)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[idx+1:]
	}
	return ""
}

// InNamespace reports whether the type belongs to the given namespace.
func (t EventType) InNamespace(namespace string) bool {
	return t.Namespace() == namespace
}

// Rescope returns the same event name under a different namespace.
func (t EventType) Rescope(namespace string) EventType {
	name := t.Name()
	if name == "" {
		return EventType(namespace)
	}
	return EventType(namespace + "." + name)
}
