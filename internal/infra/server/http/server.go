// Package httpserver exposes the Weaver control plane: run lifecycle, order
// placement, candle queries, the strategy catalog, and the SSE event stream.
package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/runstore"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	apiPrefix = "/api/v1"

	healthzPath     = apiPrefix + "/healthz"
	runsPath        = apiPrefix + "/runs"
	runDetailPrefix = runsPath + "/"

	ordersPath        = apiPrefix + "/orders"
	orderDetailPrefix = ordersPath + "/"

	candlesPath     = apiPrefix + "/candles"
	strategiesPath  = apiPrefix + "/strategies"
	eventStreamPath = apiPrefix + "/events/stream"
)

const defaultPageSize = 50

type handlerFunc func(http.ResponseWriter, *http.Request)

// RunService is the run lifecycle surface the control plane drives. The
// run manager satisfies it.
type RunService interface {
	Create(ctx context.Context, req runmanager.CreateRequest) (runstore.Run, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (runstore.Run, error)
	List(ctx context.Context, query runstore.Query) ([]runstore.Run, int, error)
	Execution(id string) (execution.Execution, bool)
}

type httpServer struct {
	version     string
	runs        RunService
	orders      orderstore.Store
	bars        barstore.Store
	strategies  *strategy.Registry
	broadcaster *Broadcaster
	logger      *log.Logger
}

// NewHandler wires the control plane routes over the given services. A nil
// broadcaster disables the event stream endpoint.
func NewHandler(version string, runs RunService, orders orderstore.Store, bars barstore.Store, strategies *strategy.Registry, broadcaster *Broadcaster) http.Handler {
	server := &httpServer{
		version:     version,
		runs:        runs,
		orders:      orders,
		bars:        bars,
		strategies:  strategies,
		broadcaster: broadcaster,
		logger:      log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds),
	}
	mux := http.NewServeMux()

	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealthz,
	}))

	mux.Handle(runsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listRuns,
		http.MethodPost: server.createRun,
	}))
	mux.Handle(runDetailPrefix, http.HandlerFunc(server.handleRun))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.createOrder,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getOrder,
		http.MethodDelete: server.cancelOrder,
	}))

	mux.Handle(candlesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCandles,
	}))

	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStrategies,
	}))

	if broadcaster != nil {
		mux.Handle(eventStreamPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: broadcaster.serveStream,
		}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *httpServer) getStrategies(w http.ResponseWriter, _ *http.Request) {
	catalog := []strategy.Metadata{}
	if s.strategies != nil {
		catalog = s.strategies.Catalog()
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": catalog})
}

func (s *httpServer) getCandles(w http.ResponseWriter, r *http.Request) {
	if s.bars == nil {
		writeError(w, http.StatusServiceUnavailable, "bar store unavailable")
		return
	}
	params := r.URL.Query()
	symbol := strings.TrimSpace(params.Get("symbol"))
	timeframe := strings.TrimSpace(params.Get("timeframe"))
	if symbol == "" || timeframe == "" {
		writeError(w, http.StatusUnprocessableEntity, "symbol and timeframe required")
		return
	}
	query := barstore.Query{
		Symbol:    symbol,
		Timeframe: timeframe,
		From:      time.Time{},
		To:        time.Time{},
		Limit:     0,
	}
	var err error
	if query.From, err = parseTimeParam(params.Get("from")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "bad from: "+err.Error())
		return
	}
	if query.To, err = parseTimeParam(params.Get("to")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "bad to: "+err.Error())
		return
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusUnprocessableEntity, "bad limit: "+raw)
			return
		}
		query.Limit = limit
	}
	bars, err := s.bars.Range(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if bars == nil {
		bars = []barstore.Bar{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candles": bars, "count": len(bars)})
}

func parseTimeParam(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parsePagination(params map[string][]string) (page, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	if raw := firstValue(params, "page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, errors.New("bad page: " + raw)
		}
	}
	if raw := firstValue(params, "page_size"); raw != "" {
		if pageSize, err = strconv.Atoi(raw); err != nil || pageSize < 1 {
			return 0, 0, errors.New("bad page_size: " + raw)
		}
	}
	return page, pageSize, nil
}

func firstValue(params map[string][]string, key string) string {
	values := params[key]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// writeDomainError maps errs kinds to HTTP statuses; plain errors become 500.
func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
