package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
)

type placeOrderRequest struct {
	RunID         string  `json:"run_id"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
	ExtendedHours bool    `json:"extended_hours,omitempty"`
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	params := r.URL.Query()
	page, pageSize, err := parsePagination(params)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	query := orderstore.Query{
		RunID:    firstValue(params, "run_id"),
		Status:   orderstore.Status(firstValue(params, "status")),
		Page:     page,
		PageSize: pageSize,
	}
	orders, total, err := s.orders.List(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []orderstore.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":    orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// createOrder places an order through the run's execution backend.
// client_order_id is the idempotency key: a repeat returns the stored order
// with 200 and submits nothing.
func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, fmt.Errorf("decode payload: %w", err))
		return
	}

	intent, err := buildIntent(req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if _, err := s.runs.Get(r.Context(), req.RunID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if existing, err := s.orders.GetByClientOrderID(r.Context(), intent.RunID, intent.ClientOrderID); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	} else if !errors.Is(err, orderstore.ErrNotFound) {
		s.writeDomainError(w, err)
		return
	}

	exec, ok := s.runs.Execution(intent.RunID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "run has no active execution backend")
		return
	}

	now := time.Now().UTC()
	order := orderstore.Order{
		ID:              uuid.NewString(),
		RunID:           intent.RunID,
		ClientOrderID:   intent.ClientOrderID,
		ExchangeOrderID: nil,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		OrderType:       intent.OrderType,
		Qty:             intent.Qty.String(),
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		TimeInForce:     intent.TimeInForce,
		FilledQty:       "0",
		FilledAvgPrice:  nil,
		Status:          orderstore.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(r.Context(), order); err != nil {
		if errors.Is(err, orderstore.ErrDuplicateClientOrderID) {
			// Lost a race against a concurrent identical request.
			if existing, gerr := s.orders.GetByClientOrderID(r.Context(), intent.RunID, intent.ClientOrderID); gerr == nil {
				writeJSON(w, http.StatusOK, existing)
				return
			}
		}
		s.writeDomainError(w, err)
		return
	}

	result, err := exec.SubmitOrder(r.Context(), intent)
	if err != nil {
		s.markRejected(r, order.ID)
		s.writeDomainError(w, err)
		return
	}
	update := orderstore.Update{
		ID:              order.ID,
		Status:          result.Status,
		ExchangeOrderID: nil,
		FilledQty:       nil,
		FilledAvgPrice:  nil,
		UpdatedAt:       time.Now().UTC(),
	}
	if result.ExchangeOrderID != "" {
		update.ExchangeOrderID = &result.ExchangeOrderID
	}
	if err := s.orders.Update(r.Context(), update); err != nil {
		s.writeDomainError(w, err)
		return
	}
	stored, err := s.orders.Get(r.Context(), order.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *httpServer) markRejected(r *http.Request, orderID string) {
	update := orderstore.Update{
		ID:              orderID,
		Status:          orderstore.StatusRejected,
		ExchangeOrderID: nil,
		FilledQty:       nil,
		FilledAvgPrice:  nil,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.orders.Update(r.Context(), update); err != nil {
		s.logger.Printf("mark order rejected failed: order=%s err=%v", orderID, err)
	}
}

func buildIntent(req placeOrderRequest) (execution.OrderIntent, error) {
	intent := execution.OrderIntent{
		RunID:         strings.TrimSpace(req.RunID),
		ClientOrderID: strings.TrimSpace(req.ClientOrderID),
		Symbol:        strings.TrimSpace(req.Symbol),
		Side:          orderstore.Side(req.Side),
		OrderType:     orderstore.Type(req.OrderType),
		Qty:           decimal.Zero,
		LimitPrice:    nil,
		StopPrice:     nil,
		TimeInForce:   strings.TrimSpace(req.TimeInForce),
		ExtendedHours: req.ExtendedHours,
	}
	if intent.RunID == "" {
		return intent, errs.New("http", errs.KindValidation, errs.WithMessage("run_id required"))
	}
	if intent.Symbol == "" {
		return intent, errs.New("http", errs.KindValidation, errs.WithMessage("symbol required"))
	}
	if intent.Side != orderstore.SideBuy && intent.Side != orderstore.SideSell {
		return intent, errs.New("http", errs.KindValidation, errs.WithMessage("bad side "+req.Side))
	}
	switch intent.OrderType {
	case orderstore.TypeMarket, orderstore.TypeLimit, orderstore.TypeStop, orderstore.TypeStopLimit:
	default:
		return intent, errs.New("http", errs.KindValidation, errs.WithMessage("bad order_type "+req.OrderType))
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(req.Qty))
	if err != nil || !qty.IsPositive() {
		return intent, errs.New("http", errs.KindValidation, errs.WithMessage("qty must be a positive decimal"))
	}
	intent.Qty = qty
	if intent.OrderType == orderstore.TypeLimit || intent.OrderType == orderstore.TypeStopLimit {
		price, err := parsePrice(req.LimitPrice)
		if err != nil {
			return intent, errs.New("http", errs.KindValidation, errs.WithMessage("limit_price must be a positive decimal"))
		}
		intent.LimitPrice = price
	}
	if intent.OrderType == orderstore.TypeStop || intent.OrderType == orderstore.TypeStopLimit {
		price, err := parsePrice(req.StopPrice)
		if err != nil {
			return intent, errs.New("http", errs.KindValidation, errs.WithMessage("stop_price must be a positive decimal"))
		}
		intent.StopPrice = price
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}
	if intent.TimeInForce == "" {
		intent.TimeInForce = "day"
	}
	return intent, nil
}

func parsePrice(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, errors.New("price required")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil || !price.IsPositive() {
		return nil, errors.New("bad price")
	}
	return &price, nil
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	order, err := s.orders.Get(r.Context(), id)
	if errors.Is(err, orderstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	order, err := s.orders.Get(r.Context(), id)
	if errors.Is(err, orderstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if order.Status.Terminal() {
		writeError(w, http.StatusConflict, "order is "+string(order.Status))
		return
	}
	exec, ok := s.runs.Execution(order.RunID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "run has no active execution backend")
		return
	}
	venueID := order.ID
	if order.ExchangeOrderID != nil && *order.ExchangeOrderID != "" {
		venueID = *order.ExchangeOrderID
	}
	if _, err := exec.CancelOrder(r.Context(), venueID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	update := orderstore.Update{
		ID:              order.ID,
		Status:          orderstore.StatusCancelled,
		ExchangeOrderID: nil,
		FilledQty:       nil,
		FilledAvgPrice:  nil,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.orders.Update(r.Context(), update); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
