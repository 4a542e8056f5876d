package envelope

import "time"

// Decimal-valued fields across every payload are serialized as strings so the
// wire never loses precision to binary floats.

// TickPayload drives strategy logic once per timeframe boundary. The envelope
// timestamp carries the boundary itself.
type TickPayload struct {
	Timeframe  string `json:"timeframe"`
	BarIndex   int64  `json:"bar_index"`
	IsBacktest bool   `json:"is_backtest"`
}

// FetchWindowPayload requests a historical bar range. It travels as
// strategy.FetchWindow and is rescoped to live.FetchWindow or
// backtest.FetchWindow by the router.
type FetchWindowPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// PlaceOrderPayload carries an order intent. It travels as
// strategy.PlaceRequest, the rescoped live.PlaceOrder / backtest.PlaceOrder,
// and orders.PlaceRequest.
type PlaceOrderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
}

// DecisionMadePayload records a strategy decision for diagnostics.
type DecisionMadePayload struct {
	Symbol   string `json:"symbol,omitempty"`
	Decision string `json:"decision"`
	Detail   string `json:"detail,omitempty"`
}

// BarData is the wire form of one OHLCV bar.
type BarData struct {
	TS     time.Time `json:"ts"`
	Open   string    `json:"open"`
	High   string    `json:"high"`
	Low    string    `json:"low"`
	Close  string    `json:"close"`
	Volume string    `json:"volume"`
}

// WindowReadyPayload delivers a bar window inline.
type WindowReadyPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Bars      []BarData `json:"bars"`
	// DataRef names the externally stored bars when the window is too large
	// to carry inline. Bars is empty in that case.
	DataRef string `json:"data_ref,omitempty"`
}

// WindowChunkPayload delivers one slice of a window too large to inline.
type WindowChunkPayload struct {
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	ChunkIndex int       `json:"chunk_index"`
	Bars       []BarData `json:"bars"`
}

// WindowCompletePayload terminates a chunked window delivery.
type WindowCompletePayload struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	ChunkCount int    `json:"chunk_count"`
	BarCount   int    `json:"bar_count"`
}

// QuotePayload is a top-of-book market quote.
type QuotePayload struct {
	Symbol  string    `json:"symbol"`
	Bid     string    `json:"bid"`
	Ask     string    `json:"ask"`
	BidSize string    `json:"bid_size,omitempty"`
	AskSize string    `json:"ask_size,omitempty"`
	TS      time.Time `json:"ts"`
}

// TradePayload is a single market trade print.
type TradePayload struct {
	Symbol string    `json:"symbol"`
	Price  string    `json:"price"`
	Qty    string    `json:"qty"`
	Side   string    `json:"side,omitempty"`
	TS     time.Time `json:"ts"`
}

// BarPayload is a completed market bar.
type BarPayload struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Bar       BarData `json:"bar"`
}

// OrderAcceptedPayload announces order acceptance. It backs orders.Created,
// orders.Placed, and orders.Ack.
type OrderAcceptedPayload struct {
	OrderID         string  `json:"order_id"`
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	OrderType       string  `json:"order_type"`
	Qty             string  `json:"qty"`
	LimitPrice      *string `json:"limit_price,omitempty"`
	StopPrice       *string `json:"stop_price,omitempty"`
	Status          string  `json:"status"`
}

// OrderFillPayload backs orders.Filled and orders.PartiallyFilled.
type OrderFillPayload struct {
	OrderID        string    `json:"order_id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	FillQty        string    `json:"fill_qty"`
	FillPrice      string    `json:"fill_price"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	Commission     string    `json:"commission"`
	Slippage       string    `json:"slippage"`
	BarIndex       int64     `json:"bar_index,omitempty"`
	Status         string    `json:"status"`
	TS             time.Time `json:"ts"`
}

// OrderCancelledPayload backs orders.Cancelled.
type OrderCancelledPayload struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
}

// OrderRejectedPayload backs orders.Rejected.
type OrderRejectedPayload struct {
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Reason        string `json:"reason"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// RunLifecyclePayload backs run.Created, run.Started, run.StopRequested,
// run.Stopped, and run.Completed.
type RunLifecyclePayload struct {
	RunID      string `json:"run_id"`
	StrategyID string `json:"strategy_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Status     string `json:"status"`
}

// RunErrorPayload backs run.Error.
type RunErrorPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// UnknownRoutedPayload diagnoses a strategy event dropped by the router.
type UnknownRoutedPayload struct {
	RunID        string `json:"run_id,omitempty"`
	OriginalID   string `json:"original_id"`
	OriginalType string `json:"original_type"`
	Reason       string `json:"reason"`
}

// EquityPoint is one mark-to-market sample of a backtest account.
type EquityPoint struct {
	TS     time.Time `json:"ts"`
	Equity string    `json:"equity"`
}

// FillSnapshot is the immutable record of one simulated execution.
type FillSnapshot struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	TS            time.Time `json:"ts"`
	Price         string    `json:"price"`
	Qty           string    `json:"qty"`
	Commission    string    `json:"commission"`
	Slippage      string    `json:"slippage"`
	BarIndex      int64     `json:"bar_index"`
}

// ResultStats summarises one completed backtest.
type ResultStats struct {
	InitialCash    string `json:"initial_cash"`
	FinalEquity    string `json:"final_equity"`
	TotalReturn    string `json:"total_return"`
	MaxDrawdown    string `json:"max_drawdown"`
	RealizedPnL    string `json:"realized_pnl"`
	CommissionPaid string `json:"commission_paid"`
	FillCount      int    `json:"fill_count"`
	TickCount      int64  `json:"tick_count"`
}

// BacktestResultPayload is the terminal event of a backtest run.
type BacktestResultPayload struct {
	RunID       string         `json:"run_id"`
	Stats       ResultStats    `json:"stats"`
	EquityCurve []EquityPoint  `json:"equity_curve"`
	Fills       []FillSnapshot `json:"fills"`
}
