package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/clock"
)

// Threshold buys when the latest close drops to or below a floor price and
// sells when it rises to or above a ceiling. Each tick it fetches the most
// recent bar and decides on the delivered window, so it exercises the full
// fetch-window round trip in every mode.
type Threshold struct {
	buyBelow  decimal.Decimal
	sellAbove decimal.Decimal
	qty       decimal.Decimal
	symbols   []string
	holding   bool
}

var _ Strategy = (*Threshold)(nil)

func thresholdMetadata() Metadata {
	return Metadata{
		Name:        "threshold",
		Version:     "1.0.0",
		DisplayName: "Price Threshold",
		Description: "Buys at or below a floor price, sells at or above a ceiling",
		Config: []ConfigField{
			{Name: "buy_below", Type: "decimal", Description: "Buy when close <= this price", Default: nil, Required: true},
			{Name: "sell_above", Type: "decimal", Description: "Sell when close >= this price", Default: nil, Required: true},
			{Name: "qty", Type: "decimal", Description: "Order quantity", Default: "1", Required: false},
		},
		Events: []string{"clock.Tick", "data.WindowReady"},
		Source: "builtin",
	}
}

// NewThreshold builds a Threshold strategy from its config map.
func NewThreshold(config map[string]any) (Strategy, error) {
	buyBelow, err := decimalConfig(config, "buy_below")
	if err != nil {
		return nil, err
	}
	sellAbove, err := decimalConfig(config, "sell_above")
	if err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(1)
	if _, ok := config["qty"]; ok {
		qty, err = decimalConfig(config, "qty")
		if err != nil {
			return nil, err
		}
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("threshold strategy: qty must be positive")
	}
	if !sellAbove.GreaterThan(buyBelow) {
		return nil, fmt.Errorf("threshold strategy: sell_above must exceed buy_below")
	}
	return &Threshold{
		buyBelow:  buyBelow,
		sellAbove: sellAbove,
		qty:       qty,
		symbols:   nil,
		holding:   false,
	}, nil
}

// Initialize records the run's symbols.
func (s *Threshold) Initialize(_ context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("threshold strategy: at least one symbol required")
	}
	s.symbols = append([]string(nil), symbols...)
	return nil
}

// OnTick requests the bar opening at the tick boundary of the primary
// symbol. Window bounds are half-open, so To extends one bar past the tick.
func (s *Threshold) OnTick(_ context.Context, tick Tick) ([]Action, error) {
	timeframe, err := clock.ParseTimeframe(tick.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("threshold strategy: bad timeframe %q: %w", tick.Timeframe, err)
	}
	return []Action{NewFetchWindow(FetchWindowAction{
		Symbol:    s.symbols[0],
		Timeframe: tick.Timeframe,
		From:      tick.TS,
		To:        tick.TS.Add(timeframe.Duration()),
	})}, nil
}

// OnData compares the newest close against the thresholds.
func (s *Threshold) OnData(_ context.Context, window Window) ([]Action, error) {
	if len(window.Bars) == 0 {
		return nil, nil
	}
	closePrice := window.Bars[len(window.Bars)-1].Close
	switch {
	case !s.holding && closePrice.LessThanOrEqual(s.buyBelow):
		s.holding = true
		return []Action{NewPlaceOrder(PlaceOrderAction{
			ClientOrderID: "",
			Symbol:        window.Symbol,
			Side:          "buy",
			OrderType:     "market",
			Qty:           s.qty,
			LimitPrice:    nil,
			StopPrice:     nil,
			TimeInForce:   "day",
			ExtendedHours: false,
		})}, nil
	case s.holding && closePrice.GreaterThanOrEqual(s.sellAbove):
		s.holding = false
		return []Action{NewPlaceOrder(PlaceOrderAction{
			ClientOrderID: "",
			Symbol:        window.Symbol,
			Side:          "sell",
			OrderType:     "market",
			Qty:           s.qty,
			LimitPrice:    nil,
			StopPrice:     nil,
			TimeInForce:   "day",
			ExtendedHours: false,
		})}, nil
	default:
		return nil, nil
	}
}

func decimalConfig(config map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return decimal.Decimal{}, fmt.Errorf("threshold strategy: config %q required", key)
	}
	switch v := raw.(type) {
	case string:
		out, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("threshold strategy: config %q: %w", key, err)
		}
		return out, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("threshold strategy: config %q has unsupported type %T", key, raw)
	}
}
