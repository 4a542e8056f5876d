package sim

import "github.com/shopspring/decimal"

// position tracks one symbol's signed exposure. Qty is positive long,
// negative short; AvgEntry follows the weighted-average method.
type position struct {
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
	LastMark decimal.Decimal
}

// account holds the simulated cash balance and open positions for one run.
type account struct {
	Cash           decimal.Decimal
	Positions      map[string]*position
	Realized       decimal.Decimal
	CommissionPaid decimal.Decimal
}

func newAccount(initialCash decimal.Decimal) *account {
	return &account{
		Cash:           initialCash,
		Positions:      make(map[string]*position),
		Realized:       decimal.Zero,
		CommissionPaid: decimal.Zero,
	}
}

// applyFill books one execution. Adding to a position reweights the average
// entry; reducing realizes PnL on the closed portion and leaves the entry
// untouched; crossing through zero closes fully and opens the reverse side
// at the fill price.
func (a *account) applyFill(symbol string, side string, qty, price, commission decimal.Decimal) {
	signedQty := qty
	if side == "sell" {
		signedQty = qty.Neg()
	}
	a.Cash = a.Cash.Sub(signedQty.Mul(price)).Sub(commission)
	a.CommissionPaid = a.CommissionPaid.Add(commission)

	pos, ok := a.Positions[symbol]
	if !ok {
		pos = &position{Qty: decimal.Zero, AvgEntry: decimal.Zero, LastMark: price}
		a.Positions[symbol] = pos
	}

	switch {
	case pos.Qty.IsZero():
		pos.Qty = signedQty
		pos.AvgEntry = price
	case pos.Qty.Sign() == signedQty.Sign():
		oldAbs := pos.Qty.Abs()
		newAbs := oldAbs.Add(qty)
		pos.AvgEntry = pos.AvgEntry.Mul(oldAbs).Add(price.Mul(qty)).Div(newAbs)
		pos.Qty = pos.Qty.Add(signedQty)
	default:
		closeQty := decimal.Min(qty, pos.Qty.Abs())
		direction := decimal.NewFromInt(int64(pos.Qty.Sign()))
		a.Realized = a.Realized.Add(price.Sub(pos.AvgEntry).Mul(closeQty).Mul(direction))
		pos.Qty = pos.Qty.Add(signedQty)
		if pos.Qty.IsZero() {
			delete(a.Positions, symbol)
			return
		}
		if pos.Qty.Sign() != direction.Sign() {
			// Flipped through zero; the surviving exposure opened here.
			pos.AvgEntry = price
		}
	}
	pos.LastMark = price
}

// mark updates a symbol's mark price without changing exposure.
func (a *account) mark(symbol string, price decimal.Decimal) {
	if pos, ok := a.Positions[symbol]; ok {
		pos.LastMark = price
	}
}

// equity is cash plus the marked value of every open position.
func (a *account) equity() decimal.Decimal {
	total := a.Cash
	for _, pos := range a.Positions {
		total = total.Add(pos.Qty.Mul(pos.LastMark))
	}
	return total
}
