package sim

import (
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// referencePrice resolves the configured market-fill anchor for one bar.
// worst is the bar extreme against the order; vwap approximates as
// (high + low + close) / 3.
func referencePrice(bar barstore.Bar, side orderstore.Side, ref FillReference) decimal.Decimal {
	switch ref {
	case FillReferenceOpen:
		return bar.Open
	case FillReferenceVWAP:
		return bar.High.Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(3))
	case FillReferenceWorst:
		if side == orderstore.SideBuy {
			return bar.High
		}
		return bar.Low
	default:
		return bar.Close
	}
}

// limitFill applies the limit crossing rule: a buy fills at
// min(limit, open) when the bar low touches the limit, a sell at
// max(limit, open) when the bar high does.
func limitFill(bar barstore.Bar, side orderstore.Side, limit decimal.Decimal) (decimal.Decimal, bool) {
	if side == orderstore.SideBuy {
		if bar.Low.LessThanOrEqual(limit) {
			return decimal.Min(limit, bar.Open), true
		}
		return decimal.Zero, false
	}
	if bar.High.GreaterThanOrEqual(limit) {
		return decimal.Max(limit, bar.Open), true
	}
	return decimal.Zero, false
}

// stopTriggered reports whether the bar reaches the stop price: buys arm on
// the high, sells on the low.
func stopTriggered(bar barstore.Bar, side orderstore.Side, stop decimal.Decimal) bool {
	if side == orderstore.SideBuy {
		return bar.High.GreaterThanOrEqual(stop)
	}
	return bar.Low.LessThanOrEqual(stop)
}

// evaluate returns the raw fill price for the order against the bar and
// whether it fills. Stop orders that merely trigger without filling keep
// their triggered state for later bars.
func (o *simOrder) evaluate(bar barstore.Bar, ref FillReference) (decimal.Decimal, bool) {
	switch o.OrderType {
	case orderstore.TypeMarket:
		return referencePrice(bar, o.Side, ref), true
	case orderstore.TypeLimit:
		return limitFill(bar, o.Side, *o.LimitPrice)
	case orderstore.TypeStop:
		if !o.Triggered {
			if !stopTriggered(bar, o.Side, *o.StopPrice) {
				return decimal.Zero, false
			}
			o.Triggered = true
		}
		return referencePrice(bar, o.Side, ref), true
	case orderstore.TypeStopLimit:
		if !o.Triggered {
			if !stopTriggered(bar, o.Side, *o.StopPrice) {
				return decimal.Zero, false
			}
			o.Triggered = true
		}
		return limitFill(bar, o.Side, *o.LimitPrice)
	default:
		return decimal.Zero, false
	}
}

// applyFriction adds adverse slippage to a raw fill price and computes the
// commission on the resulting notional. Returns the executed price, the
// per-unit slippage, and the commission.
func applyFriction(raw, qty decimal.Decimal, side orderstore.Side, cfg FillSimulationConfig) (price, slip, commission decimal.Decimal) {
	slip = raw.Mul(cfg.SlippageBps).Div(bpsDivisor)
	if side == orderstore.SideBuy {
		price = raw.Add(slip)
	} else {
		price = raw.Sub(slip)
	}
	commission = price.Mul(qty).Abs().Mul(cfg.CommissionBps).Div(bpsDivisor)
	commission = decimal.Max(commission, cfg.MinCommission)
	return price, slip, commission
}
