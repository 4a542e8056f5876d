package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/clock"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	httpserver "github.com/5TFG4/weaver/internal/infra/server/http"
)

// stubExecution records submits and accepts everything.
type stubExecution struct {
	mu        sync.Mutex
	connected bool
	submits   []execution.OrderIntent
}

var _ execution.Execution = (*stubExecution)(nil)

func (s *stubExecution) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *stubExecution) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *stubExecution) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubExecution) SubmitOrder(_ context.Context, intent execution.OrderIntent) (execution.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, intent)
	return execution.SubmitResult{
		Success:         true,
		ExchangeOrderID: fmt.Sprintf("stub-%d", len(s.submits)),
		Status:          orderstore.StatusAccepted,
		ErrorCode:       "",
		ErrorMessage:    "",
	}, nil
}

func (s *stubExecution) CancelOrder(context.Context, string) (bool, error) {
	return true, nil
}

func (s *stubExecution) GetOrder(context.Context, string) (*execution.ExchangeOrder, error) {
	return nil, nil
}

func (s *stubExecution) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func TestOrderPlacementIdempotentOnClientOrderID(t *testing.T) {
	ctx := context.Background()

	stub := &stubExecution{connected: false, submits: nil, mu: sync.Mutex{}}
	clk := newManualClock(clock.Timeframe("1m"))
	st := newStack(t,
		runmanager.WithLiveExecution(func(context.Context, runstore.Run) (execution.Execution, error) {
			return stub, nil
		}),
		runmanager.WithClockFactory(func(runstore.Run) (clock.Clock, error) {
			return clk, nil
		}),
	)

	server := httptest.NewServer(httpserver.NewHandler("test", st.manager, st.orders, st.bars, strategy.DefaultRegistry(), nil))
	defer server.Close()

	run := createRunOverHTTP(t, server.URL, runmanager.CreateRequest{
		StrategyID:    "noop",
		Mode:          runstore.ModePaper,
		Symbols:       []string{"AAPL"},
		Timeframe:     "1m",
		Config:        nil,
		BacktestStart: nil,
		BacktestEnd:   nil,
	})

	resp := postJSON(t, server.URL+"/api/v1/runs/"+run.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	require.True(t, stub.IsConnected())

	order := map[string]any{
		"run_id":          run.ID,
		"client_order_id": "order-1",
		"symbol":          "AAPL",
		"side":            "buy",
		"order_type":      "market",
		"qty":             "5",
	}

	resp = postJSON(t, server.URL+"/api/v1/orders", order)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first orderstore.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "order-1", first.ClientOrderID)
	require.Equal(t, orderstore.StatusAccepted, first.Status)
	require.NotNil(t, first.ExchangeOrderID)

	// Same client_order_id again: the stored order comes back and nothing
	// reaches the venue a second time.
	resp = postJSON(t, server.URL+"/api/v1/orders", order)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second orderstore.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, stub.submitCount())

	orders, total, err := st.orders.List(ctx, orderstore.Query{RunID: run.ID, Status: "", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, orders, 1)

	require.NoError(t, st.manager.Stop(ctx, run.ID))
	require.False(t, stub.IsConnected())
}

func createRunOverHTTP(t *testing.T, baseURL string, req runmanager.CreateRequest) runstore.Run {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/v1/runs", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run runstore.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.NoError(t, resp.Body.Close())
	return run
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}
