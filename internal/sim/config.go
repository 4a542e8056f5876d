package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FillReference chooses the bar price a market fill anchors on.
type FillReference string

const (
	// FillReferenceOpen fills market orders at the bar open.
	FillReferenceOpen FillReference = "open"
	// FillReferenceClose fills market orders at the bar close.
	FillReferenceClose FillReference = "close"
	// FillReferenceVWAP fills at (high + low + close) / 3.
	FillReferenceVWAP FillReference = "vwap"
	// FillReferenceWorst fills at the bar extreme against the order: high for
	// buys, low for sells.
	FillReferenceWorst FillReference = "worst"
)

// FillSimulationConfig tunes fill pricing and account seeding for one
// backtest. The zero value is not usable; call Normalize before use.
type FillSimulationConfig struct {
	FillReference FillReference
	SlippageBps   decimal.Decimal
	CommissionBps decimal.Decimal
	MinCommission decimal.Decimal
	InitialCash   decimal.Decimal
}

// DefaultFillSimulationConfig returns frictionless fills at the bar close
// with a 100k starting balance.
func DefaultFillSimulationConfig() FillSimulationConfig {
	return FillSimulationConfig{
		FillReference: FillReferenceClose,
		SlippageBps:   decimal.Zero,
		CommissionBps: decimal.Zero,
		MinCommission: decimal.Zero,
		InitialCash:   decimal.NewFromInt(100_000),
	}
}

// Normalize fills unset fields with defaults and validates the rest.
func (c FillSimulationConfig) Normalize() (FillSimulationConfig, error) {
	if c.FillReference == "" {
		c.FillReference = FillReferenceClose
	}
	switch c.FillReference {
	case FillReferenceOpen, FillReferenceClose, FillReferenceVWAP, FillReferenceWorst:
	default:
		return c, fmt.Errorf("sim: unknown fill reference %q", c.FillReference)
	}
	if c.SlippageBps.IsNegative() {
		return c, fmt.Errorf("sim: slippage_bps must be non-negative")
	}
	if c.CommissionBps.IsNegative() {
		return c, fmt.Errorf("sim: commission_bps must be non-negative")
	}
	if c.MinCommission.IsNegative() {
		return c, fmt.Errorf("sim: min_commission must be non-negative")
	}
	if c.InitialCash.IsZero() {
		c.InitialCash = decimal.NewFromInt(100_000)
	}
	if c.InitialCash.IsNegative() {
		return c, fmt.Errorf("sim: initial_cash must be positive")
	}
	return c, nil
}
