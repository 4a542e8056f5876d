package js

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/app/strategy"
)

// moduleStrategy bridges a JavaScript module to the Go strategy contract.
// JS modules export optional hooks:
//
//	exports.initialize = function(symbols, config) {}
//	exports.onTick     = function(tick)   { return [action, ...] }
//	exports.onData     = function(window) { return [action, ...] }
//
// Actions are plain objects with an "action" discriminator of "place_order"
// or "fetch_window". Decimal fields may be strings or numbers; timestamps are
// RFC 3339 strings.
type moduleStrategy struct {
	inst   *instance
	config map[string]any
}

var _ strategy.Strategy = (*moduleStrategy)(nil)

func newModuleStrategy(module *Module, config map[string]any) (*moduleStrategy, error) {
	inst, err := newInstance(module)
	if err != nil {
		return nil, err
	}
	return &moduleStrategy{inst: inst, config: config}, nil
}

// Initialize forwards the run's symbols and config to the module.
func (s *moduleStrategy) Initialize(_ context.Context, symbols []string) error {
	cfg := s.config
	if cfg == nil {
		cfg = map[string]any{}
	}
	if _, err := s.inst.call("initialize", symbols, cfg); err != nil {
		return fmt.Errorf("js strategy initialize: %w", err)
	}
	return nil
}

// OnTick invokes the module's onTick hook and decodes returned actions.
func (s *moduleStrategy) OnTick(_ context.Context, tick strategy.Tick) ([]strategy.Action, error) {
	value, err := s.inst.call("onTick", map[string]any{
		"run_id":    tick.RunID,
		"ts":        tick.TS.UTC().Format(time.RFC3339),
		"timeframe": tick.Timeframe,
		"bar_index": tick.BarIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("js strategy onTick: %w", err)
	}
	return decodeActions(value)
}

// OnData invokes the module's onData hook and decodes returned actions.
func (s *moduleStrategy) OnData(_ context.Context, window strategy.Window) ([]strategy.Action, error) {
	bars := make([]map[string]any, 0, len(window.Bars))
	for _, bar := range window.Bars {
		bars = append(bars, map[string]any{
			"ts":     bar.TS.UTC().Format(time.RFC3339),
			"open":   bar.Open.String(),
			"high":   bar.High.String(),
			"low":    bar.Low.String(),
			"close":  bar.Close.String(),
			"volume": bar.Volume.String(),
		})
	}
	value, err := s.inst.call("onData", map[string]any{
		"symbol":    window.Symbol,
		"timeframe": window.Timeframe,
		"from":      window.From.UTC().Format(time.RFC3339),
		"to":        window.To.UTC().Format(time.RFC3339),
		"bars":      bars,
	})
	if err != nil {
		return nil, fmt.Errorf("js strategy onData: %w", err)
	}
	return decodeActions(value)
}

// Close releases the module's VM. Safe to call more than once.
func (s *moduleStrategy) Close() {
	s.inst.close()
}

func decodeActions(value goja.Value) ([]strategy.Action, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	exported := value.Export()
	items, ok := exported.([]any)
	if !ok {
		return nil, fmt.Errorf("js strategy: hook must return an array of actions, got %T", exported)
	}
	actions := make([]strategy.Action, 0, len(items))
	for idx, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("js strategy: action[%d] must be an object, got %T", idx, item)
		}
		action, err := decodeAction(obj)
		if err != nil {
			return nil, fmt.Errorf("js strategy: action[%d]: %w", idx, err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func decodeAction(obj map[string]any) (strategy.Action, error) {
	kind, _ := obj["action"].(string)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "fetch_window":
		from, err := timeField(obj, "from")
		if err != nil {
			return strategy.Action{}, err
		}
		to, err := timeField(obj, "to")
		if err != nil {
			return strategy.Action{}, err
		}
		return strategy.NewFetchWindow(strategy.FetchWindowAction{
			Symbol:    stringField(obj, "symbol"),
			Timeframe: stringField(obj, "timeframe"),
			From:      from,
			To:        to,
		}), nil
	case "place_order":
		qty, err := decimalField(obj, "qty")
		if err != nil {
			return strategy.Action{}, err
		}
		limit, err := optionalDecimalField(obj, "limit_price")
		if err != nil {
			return strategy.Action{}, err
		}
		stop, err := optionalDecimalField(obj, "stop_price")
		if err != nil {
			return strategy.Action{}, err
		}
		tif := stringField(obj, "time_in_force")
		if tif == "" {
			tif = "day"
		}
		extended, _ := obj["extended_hours"].(bool)
		return strategy.NewPlaceOrder(strategy.PlaceOrderAction{
			ClientOrderID: stringField(obj, "client_order_id"),
			Symbol:        stringField(obj, "symbol"),
			Side:          strings.ToLower(stringField(obj, "side")),
			OrderType:     strings.ToLower(stringField(obj, "type")),
			Qty:           qty,
			LimitPrice:    limit,
			StopPrice:     stop,
			TimeInForce:   tif,
			ExtendedHours: extended,
		}), nil
	default:
		return strategy.Action{}, fmt.Errorf("unknown action kind %q", kind)
	}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func timeField(obj map[string]any, key string) (time.Time, error) {
	switch v := obj[key].(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
		return ts.UTC(), nil
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %q must be an RFC 3339 string", key)
	}
}

func decimalField(obj map[string]any, key string) (decimal.Decimal, error) {
	out, err := optionalDecimalField(obj, key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if out == nil {
		return decimal.Decimal{}, fmt.Errorf("field %q required", key)
	}
	return *out, nil
}

func optionalDecimalField(obj map[string]any, key string) (*decimal.Decimal, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var out decimal.Decimal
	var err error
	switch v := raw.(type) {
	case string:
		out, err = decimal.NewFromString(strings.TrimSpace(v))
	case int64:
		out = decimal.NewFromInt(v)
	case float64:
		out = decimal.NewFromFloat(v)
	default:
		return nil, fmt.Errorf("field %q has unsupported type %T", key, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return &out, nil
}
