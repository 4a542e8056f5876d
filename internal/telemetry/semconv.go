// Package telemetry provides OpenTelemetry initialization and instrumentation.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Weaver-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the envelope event type (e.g. clock.Tick, orders.Filled).
	AttrEventType = attribute.Key("event.type")
	// AttrRunMode distinguishes live, paper and backtest runs.
	AttrRunMode = attribute.Key("run.mode")
	// AttrStrategy identifies the strategy module driving a run.
	AttrStrategy = attribute.Key("strategy")
	// AttrTimeframe captures the bar duration code (1m, 1h, ...).
	AttrTimeframe = attribute.Key("timeframe")
	// AttrSymbol captures the tradable instrument symbol (e.g. AAPL).
	AttrSymbol = attribute.Key("symbol")
	// AttrConsumer labels event log offsets and lag by consumer name.
	AttrConsumer = attribute.Key("consumer")
	// AttrOrderSide labels order telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes market, limit, stop and stop_limit orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderState captures the execution lifecycle state reported (accepted, filled, rejected, ...).
	AttrOrderState = attribute.Key("order.state")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod); stamped on the resource.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels execution venue connection signals (connected, disconnected, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// OrderAttributes returns attributes for order-related metrics. Empty fields
// are omitted.
func OrderAttributes(symbol, side, orderType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	return attrs
}

// RunAttributes returns attributes for run lifecycle metrics.
func RunAttributes(mode, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunMode.String(mode),
		AttrStrategy.String(strategy),
	}
}

// ConnectionAttributes returns attributes for execution venue connection metrics.
func ConnectionAttributes(state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnectionState.String(state),
	}
}
