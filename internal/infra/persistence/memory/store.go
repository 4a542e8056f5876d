// Package memory provides in-process implementations of the persistence
// contracts. They back single-process deployments and backtest runs that
// need no database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/fillstore"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/runstore"
)

// RunStore keeps runs in a map guarded by a mutex.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]runstore.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		mu:   sync.RWMutex{},
		runs: make(map[string]runstore.Run),
	}
}

func (s *RunStore) Create(ctx context.Context, run runstore.Run) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *RunStore) Get(ctx context.Context, id string) (runstore.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return runstore.Run{}, runstore.ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *RunStore) List(ctx context.Context, query runstore.Query) ([]runstore.Run, int, error) {
	_ = ctx
	s.mu.RLock()
	matched := make([]runstore.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []runstore.Run{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *RunStore) Transition(ctx context.Context, id string, from, to runstore.Status, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return runstore.ErrNotFound
	}
	if run.Status != from {
		return runstore.ErrStatusConflict
	}
	run.Status = to
	switch to {
	case runstore.StatusRunning:
		ts := at
		run.StartedAt = &ts
	case runstore.StatusStopped, runstore.StatusCompleted, runstore.StatusError:
		ts := at
		run.StoppedAt = &ts
	}
	s.runs[id] = run
	return nil
}

func (s *RunStore) ListByStatus(ctx context.Context, status runstore.Status) ([]runstore.Run, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []runstore.Run
	for _, run := range s.runs {
		if run.Status == status {
			matched = append(matched, cloneRun(run))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func cloneRun(run runstore.Run) runstore.Run {
	out := run
	out.Symbols = append([]string(nil), run.Symbols...)
	if run.Config != nil {
		cfg := make(map[string]any, len(run.Config))
		for k, v := range run.Config {
			cfg[k] = v
		}
		out.Config = cfg
	}
	return out
}

// OrderStore keeps orders in maps guarded by a mutex. The secondary index
// mirrors the database's (run_id, client_order_id) unique key.
type OrderStore struct {
	mu       sync.RWMutex
	orders   map[string]orderstore.Order
	byClient map[string]string
}

// NewOrderStore constructs an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		mu:       sync.RWMutex{},
		orders:   make(map[string]orderstore.Order),
		byClient: make(map[string]string),
	}
}

func clientKey(runID, clientOrderID string) string {
	return runID + "\x00" + clientOrderID
}

func (s *OrderStore) Create(ctx context.Context, order orderstore.Order) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientKey(order.RunID, order.ClientOrderID)
	if _, exists := s.byClient[key]; exists {
		return orderstore.ErrDuplicateClientOrderID
	}
	s.orders[order.ID] = order
	s.byClient[key] = order.ID
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (orderstore.Order, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return order, nil
}

func (s *OrderStore) GetByClientOrderID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClient[clientKey(runID, clientOrderID)]
	if !ok {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return s.orders[id], nil
}

func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]orderstore.Order, int, error) {
	_ = ctx
	s.mu.RLock()
	matched := make([]orderstore.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if query.RunID != "" && order.RunID != query.RunID {
			continue
		}
		if query.Status != "" && order.Status != query.Status {
			continue
		}
		matched = append(matched, order)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []orderstore.Order{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *OrderStore) Update(ctx context.Context, update orderstore.Update) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[update.ID]
	if !ok {
		return orderstore.ErrNotFound
	}
	order.Status = update.Status
	if update.ExchangeOrderID != nil {
		order.ExchangeOrderID = update.ExchangeOrderID
	}
	if update.FilledQty != nil {
		order.FilledQty = *update.FilledQty
	}
	if update.FilledAvgPrice != nil {
		order.FilledAvgPrice = update.FilledAvgPrice
	}
	order.UpdatedAt = update.UpdatedAt
	s.orders[update.ID] = order
	return nil
}

// BarStore keeps bars sorted per (symbol, timeframe) series.
type BarStore struct {
	mu     sync.RWMutex
	series map[string][]barstore.Bar
}

// NewBarStore constructs an empty BarStore.
func NewBarStore() *BarStore {
	return &BarStore{
		mu:     sync.RWMutex{},
		series: make(map[string][]barstore.Bar),
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "\x00" + timeframe
}

func (s *BarStore) Range(ctx context.Context, query barstore.Query) ([]barstore.Bar, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[seriesKey(query.Symbol, query.Timeframe)]
	out := make([]barstore.Bar, 0, len(series))
	for _, bar := range series {
		if !query.From.IsZero() && bar.TS.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && !bar.TS.Before(query.To) {
			continue
		}
		out = append(out, bar)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (s *BarStore) Insert(ctx context.Context, bars []barstore.Bar) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := make(map[string]struct{})
	for _, bar := range bars {
		key := seriesKey(bar.Symbol, bar.Timeframe)
		if containsTS(s.series[key], bar.TS) {
			continue
		}
		s.series[key] = append(s.series[key], bar)
		touched[key] = struct{}{}
	}
	for key := range touched {
		series := s.series[key]
		sort.Slice(series, func(i, j int) bool {
			return series[i].TS.Before(series[j].TS)
		})
		s.series[key] = series
	}
	return nil
}

func containsTS(series []barstore.Bar, ts time.Time) bool {
	for _, bar := range series {
		if bar.TS.Equal(ts) {
			return true
		}
	}
	return false
}

// FillStore keeps fills in append order with process-local ids.
type FillStore struct {
	mu     sync.RWMutex
	nextID int64
	fills  []fillstore.Fill
}

// NewFillStore constructs an empty FillStore.
func NewFillStore() *FillStore {
	return &FillStore{
		mu:     sync.RWMutex{},
		nextID: 0,
		fills:  nil,
	}
}

func (s *FillStore) Append(ctx context.Context, fill fillstore.Fill) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	fill.ID = s.nextID
	s.fills = append(s.fills, fill)
	return fill.ID, nil
}

func (s *FillStore) ListByRun(ctx context.Context, runID string) ([]fillstore.Fill, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fillstore.Fill
	for _, fill := range s.fills {
		if fill.RunID == runID {
			out = append(out, fill)
		}
	}
	return out, nil
}

var (
	_ runstore.Store   = (*RunStore)(nil)
	_ orderstore.Store = (*OrderStore)(nil)
	_ barstore.Store   = (*BarStore)(nil)
	_ fillstore.Store  = (*FillStore)(nil)
)
