package veda

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

func newTestAdapter(t *testing.T, baseURL string, timeout time.Duration) (*Adapter, *eventlog.MemoryLog) {
	t.Helper()
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 128, BufferSize: 16})
	t.Cleanup(memLog.Close)
	a, err := New("run-1", Config{
		BaseURL:        baseURL,
		StreamURL:      "",
		APIKey:         "test-key",
		RequestTimeout: timeout,
		SubmitRate:     100,
		SubmitBurst:    100,
	}, memLog)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a, memLog
}

func typed(t *testing.T, memLog *eventlog.MemoryLog, typ envelope.EventType) []*envelope.Envelope {
	t.Helper()
	entries, err := memLog.Read(context.Background(), 0, 200, eventlog.Filter{Types: []envelope.EventType{typ}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := make([]*envelope.Envelope, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Envelope)
	}
	return out
}

func buyIntent() execution.OrderIntent {
	return execution.OrderIntent{
		RunID:         "run-1",
		ClientOrderID: "c-1",
		Symbol:        "AAPL",
		Side:          orderstore.SideBuy,
		OrderType:     orderstore.TypeMarket,
		Qty:           decimal.NewFromInt(5),
		TimeInForce:   "day",
	}
}

func TestOperationsBeforeConnectFail(t *testing.T) {
	a, memLog := newTestAdapter(t, "http://127.0.0.1:0", time.Second)
	_, err := a.SubmitOrder(context.Background(), buyIntent())
	if !errs.IsKind(err, errs.KindNotConnected) {
		t.Fatalf("submit: want not_connected, got %v", err)
	}
	rejected := typed(t, memLog, envelope.TypeOrdersRejected)
	if len(rejected) != 1 {
		t.Fatalf("orders.Rejected count = %d", len(rejected))
	}
	if payload := rejected[0].Payload.(envelope.OrderRejectedPayload); payload.Reason != "not_connected" {
		t.Fatalf("reason = %q", payload.Reason)
	}
	if _, err := a.CancelOrder(context.Background(), "x"); !errs.IsKind(err, errs.KindNotConnected) {
		t.Fatalf("cancel: want not_connected, got %v", err)
	}
	if _, err := a.GetOrder(context.Background(), "x"); !errs.IsKind(err, errs.KindNotConnected) {
		t.Fatalf("get: want not_connected, got %v", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	a, _ := newTestAdapter(t, "http://127.0.0.1:0", time.Second)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !a.IsConnected() {
		t.Fatal("adapter should report connected")
	}
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if a.IsConnected() {
		t.Fatal("adapter should report disconnected")
	}
}

func TestSubmitOrderEmitsCreated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wireOrder{
			ID:            "ex-1",
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			OrderType:     req.OrderType,
			Qty:           req.Qty,
			TimeInForce:   req.TimeInForce,
			FilledQty:     "0",
			Status:        "accepted",
		})
	}))
	defer server.Close()

	a, memLog := newTestAdapter(t, server.URL, time.Second)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	result, err := a.SubmitOrder(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Success || result.ExchangeOrderID != "ex-1" || result.Status != orderstore.StatusAccepted {
		t.Fatalf("result: %+v", result)
	}
	created := typed(t, memLog, envelope.TypeOrdersCreated)
	if len(created) != 1 {
		t.Fatalf("orders.Created count = %d", len(created))
	}
	payload := created[0].Payload.(envelope.OrderAcceptedPayload)
	if payload.ExchangeOrderID != "ex-1" || payload.Qty != "5" {
		t.Fatalf("payload: %+v", payload)
	}
}

func TestSubmitVenueErrorEmitsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(apiError{Code: "insufficient_funds", Message: "insufficient buying power"})
	}))
	defer server.Close()

	a, memLog := newTestAdapter(t, server.URL, time.Second)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	result, err := a.SubmitOrder(context.Background(), buyIntent())
	if err == nil {
		t.Fatal("expected venue error")
	}
	if result.Status != orderstore.StatusRejected || result.ErrorCode != "venue_error" {
		t.Fatalf("result: %+v", result)
	}
	rejected := typed(t, memLog, envelope.TypeOrdersRejected)
	if len(rejected) != 1 {
		t.Fatalf("orders.Rejected count = %d", len(rejected))
	}
	if payload := rejected[0].Payload.(envelope.OrderRejectedPayload); payload.Reason != "venue_error" {
		t.Fatalf("reason = %q", payload.Reason)
	}
}

func TestSubmitTimeoutRejectsWithTimeoutReason(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	a, memLog := newTestAdapter(t, server.URL, 50*time.Millisecond)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := a.SubmitOrder(context.Background(), buyIntent())
	if !errs.IsKind(err, errs.KindAdapterFailure) {
		t.Fatalf("want adapter_failure, got %v", err)
	}
	rejected := typed(t, memLog, envelope.TypeOrdersRejected)
	if len(rejected) != 1 {
		t.Fatalf("orders.Rejected count = %d", len(rejected))
	}
	if payload := rejected[0].Payload.(envelope.OrderRejectedPayload); payload.Reason != "timeout" {
		t.Fatalf("reason = %q", payload.Reason)
	}
}

func TestCancelAndGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/orders/ex-1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/orders/ex-1":
			avg := "100.5"
			_ = json.NewEncoder(w).Encode(wireOrder{
				ID:             "ex-1",
				ClientOrderID:  "c-1",
				Symbol:         "AAPL",
				Side:           "buy",
				OrderType:      "market",
				Qty:            "5",
				FilledQty:      "5",
				FilledAvgPrice: &avg,
				Status:         "filled",
				UpdatedAt:      "2024-03-01T09:31:00Z",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	a, _ := newTestAdapter(t, server.URL, time.Second)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ok, err := a.CancelOrder(context.Background(), "ex-1")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	order, err := a.GetOrder(context.Background(), "ex-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if order.Status != orderstore.StatusFilled || !order.FilledAvgPrice.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("order: %+v", order)
	}
}

func TestHandleFrameFillAndMarketPassthrough(t *testing.T) {
	a, memLog := newTestAdapter(t, "http://127.0.0.1:0", time.Second)
	avg := "101.25"
	fill := streamFrame{
		Type: frameOrderUpdate,
		Order: &wireOrder{
			ID:             "ex-9",
			ClientOrderID:  "c-9",
			Symbol:         "AAPL",
			Side:           "sell",
			OrderType:      "limit",
			Qty:            "3",
			FilledQty:      "3",
			FilledAvgPrice: &avg,
			Status:         "filled",
		},
		FillQty:   "3",
		FillPrice: "101.25",
	}
	if err := a.handleFrame(fill); err != nil {
		t.Fatalf("fill frame: %v", err)
	}
	filled := typed(t, memLog, envelope.TypeOrdersFilled)
	if len(filled) != 1 {
		t.Fatalf("orders.Filled count = %d", len(filled))
	}
	payload := filled[0].Payload.(envelope.OrderFillPayload)
	if payload.FilledAvgPrice != "101.25" || payload.FillQty != "3" {
		t.Fatalf("payload: %+v", payload)
	}

	quoteData, _ := json.Marshal(envelope.QuotePayload{
		Symbol: "AAPL",
		Bid:    "100.1",
		Ask:    "100.2",
		TS:     time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC),
	})
	if err := a.handleFrame(streamFrame{Type: frameQuote, Data: quoteData}); err != nil {
		t.Fatalf("quote frame: %v", err)
	}
	quotes := typed(t, memLog, envelope.TypeMarketQuote)
	if len(quotes) != 1 {
		t.Fatalf("market.Quote count = %d", len(quotes))
	}
	if quote := quotes[0].Payload.(envelope.QuotePayload); quote.Bid != "100.1" {
		t.Fatalf("quote: %+v", quote)
	}
}
