package runmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
)

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]runstore.Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]runstore.Run)}
}

func (s *memRunStore) Create(_ context.Context, run runstore.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memRunStore) Get(_ context.Context, id string) (runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return runstore.Run{}, runstore.ErrNotFound
	}
	return run, nil
}

func (s *memRunStore) List(_ context.Context, _ runstore.Query) ([]runstore.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runstore.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, len(out), nil
}

func (s *memRunStore) Transition(_ context.Context, id string, from, to runstore.Status, at time.Time) error {
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
		run.StartedAt = &at
	case runstore.StatusStopped, runstore.StatusCompleted, runstore.StatusError:
		run.StoppedAt = &at
	}
	s.runs[id] = run
	return nil
}

func (s *memRunStore) ListByStatus(_ context.Context, status runstore.Status) ([]runstore.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runstore.Run
	for _, run := range s.runs {
		if run.Status == status {
			out = append(out, run)
		}
	}
	return out, nil
}

type flatBarStore struct{}

func (flatBarStore) Range(_ context.Context, query barstore.Query) ([]barstore.Bar, error) {
	price := decimal.NewFromInt(100)
	var out []barstore.Bar
	for ts := query.From; ts.Before(query.To); ts = ts.Add(time.Minute) {
		out = append(out, barstore.Bar{
			Symbol:    query.Symbol,
			Timeframe: query.Timeframe,
			TS:        ts,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return out, nil
}

func (flatBarStore) Insert(_ context.Context, _ []barstore.Bar) error { return nil }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *memRunStore, *eventlog.MemoryLog) {
	t.Helper()
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 1024, BufferSize: 64})
	t.Cleanup(memLog.Close)
	runs := newMemRunStore()
	m, err := New(runs, memLog, strategy.DefaultRegistry(), flatBarStore{}, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, runs, memLog
}

func backtestRequest() CreateRequest {
	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)
	return CreateRequest{
		StrategyID:    "noop",
		Mode:          runstore.ModeBacktest,
		Symbols:       []string{"AAPL"},
		Timeframe:     "1m",
		Config:        nil,
		BacktestStart: &start,
		BacktestEnd:   &end,
	}
}

func typedEnvelopes(t *testing.T, memLog *eventlog.MemoryLog, typ envelope.EventType) []*envelope.Envelope {
	t.Helper()
	entries, err := memLog.Read(context.Background(), 0, 1000, eventlog.Filter{Types: []envelope.EventType{typ}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := make([]*envelope.Envelope, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Envelope)
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"unknown strategy", func(r *CreateRequest) { r.StrategyID = "nope" }},
		{"bad mode", func(r *CreateRequest) { r.Mode = "turbo" }},
		{"no symbols", func(r *CreateRequest) { r.Symbols = nil }},
		{"bad timeframe", func(r *CreateRequest) { r.Timeframe = "7m" }},
		{"missing range", func(r *CreateRequest) { r.BacktestStart = nil }},
		{"inverted range", func(r *CreateRequest) {
			r.BacktestStart, r.BacktestEnd = r.BacktestEnd, r.BacktestStart
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := backtestRequest()
			tc.mutate(&req)
			_, err := m.Create(context.Background(), req)
			if !errs.IsKind(err, errs.KindValidation) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
}

func TestCreatePersistsPendingAndEmits(t *testing.T) {
	m, runs, memLog := newTestManager(t)
	run, err := m.Create(context.Background(), backtestRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := runs.Get(context.Background(), run.ID)
	if err != nil || stored.Status != runstore.StatusPending {
		t.Fatalf("stored run: %+v err=%v", stored, err)
	}
	created := typedEnvelopes(t, memLog, envelope.TypeRunCreated)
	if len(created) != 1 || created[0].RunID != run.ID {
		t.Fatalf("run.Created events: %d", len(created))
	}
}

func TestBacktestRunsToCompletion(t *testing.T) {
	m, runs, memLog := newTestManager(t)
	run, err := m.Create(context.Background(), backtestRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		current, err := runs.Get(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Status == runstore.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run stuck in %s", current.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	ticks := typedEnvelopes(t, memLog, envelope.TypeClockTick)
	if len(ticks) != 3 {
		t.Fatalf("tick count = %d, want 3", len(ticks))
	}
	results := typedEnvelopes(t, memLog, envelope.TypeBacktestResult)
	if len(results) != 1 {
		t.Fatalf("backtest.Result count = %d", len(results))
	}
	payload := results[0].Payload.(envelope.BacktestResultPayload)
	if len(payload.EquityCurve) != 3 || payload.Stats.TickCount != 3 {
		t.Fatalf("result payload: %+v", payload.Stats)
	}

	completed := typedEnvelopes(t, memLog, envelope.TypeRunCompleted)
	if len(completed) != 1 {
		t.Fatalf("run.Completed count = %d", len(completed))
	}

	// The terminal result precedes the lifecycle terminal event.
	all, err := memLog.Read(context.Background(), 0, 1000, eventlog.Filter{RunID: run.ID})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resultSeq, completedSeq := int64(0), int64(0)
	for _, entry := range all {
		switch entry.Envelope.Type {
		case envelope.TypeBacktestResult:
			resultSeq = entry.Seq
		case envelope.TypeRunCompleted:
			completedSeq = entry.Seq
		}
	}
	if resultSeq == 0 || completedSeq == 0 || resultSeq > completedSeq {
		t.Fatalf("ordering: result=%d completed=%d", resultSeq, completedSeq)
	}
}

func TestStartRequiresPending(t *testing.T) {
	m, _, _ := newTestManager(t)
	run, err := m.Create(context.Background(), backtestRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer func() { _ = m.Stop(context.Background(), run.ID) }()

	err = m.Start(context.Background(), run.ID)
	if err != nil && !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if err == nil {
		t.Fatal("second start must not succeed")
	}
}

func TestStopIdempotentOnTerminal(t *testing.T) {
	m, runs, memLog := newTestManager(t)
	run, err := m.Create(context.Background(), backtestRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	current, _ := runs.Get(context.Background(), run.ID)
	if current.Status != runstore.StatusStopped && current.Status != runstore.StatusCompleted {
		t.Fatalf("status after stop: %s", current.Status)
	}

	stopped := len(typedEnvelopes(t, memLog, envelope.TypeRunStopped))
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
	if got := len(typedEnvelopes(t, memLog, envelope.TypeRunStopped)); got != stopped {
		t.Fatalf("second stop re-emitted run.Stopped: %d -> %d", stopped, got)
	}
}

// failingTickStrategy errors on every tick.
type failingTickStrategy struct{}

func (failingTickStrategy) Initialize(context.Context, []string) error { return nil }

func (failingTickStrategy) OnTick(context.Context, strategy.Tick) ([]strategy.Action, error) {
	return nil, errors.New("indicator window underflow")
}

func (failingTickStrategy) OnData(context.Context, strategy.Window) ([]strategy.Action, error) {
	return nil, nil
}

func TestTickFailureEscalatesRunToError(t *testing.T) {
	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{Capacity: 1024, BufferSize: 64})
	t.Cleanup(memLog.Close)
	runs := newMemRunStore()
	reg := strategy.NewRegistry()
	if err := reg.Register(strategy.Metadata{Name: "brittle"}, func(map[string]any) (strategy.Strategy, error) {
		return failingTickStrategy{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	m, err := New(runs, memLog, reg, flatBarStore{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	req := backtestRequest()
	req.StrategyID = "brittle"
	run, err := m.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		current, err := runs.Get(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Status == runstore.StatusError {
			break
		}
		if current.Status == runstore.StatusCompleted {
			t.Fatal("run completed despite tick failures")
		}
		select {
		case <-deadline:
			t.Fatalf("run stuck in %s", current.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	errEvents := typedEnvelopes(t, memLog, envelope.TypeRunError)
	if len(errEvents) == 0 {
		t.Fatal("run.Error not emitted")
	}
	payload := errEvents[0].Payload.(envelope.RunErrorPayload)
	if payload.Reason != "tick_failure" {
		t.Fatalf("reason = %q", payload.Reason)
	}
}

func TestStopPendingRun(t *testing.T) {
	m, runs, memLog := newTestManager(t)
	run, err := m.Create(context.Background(), backtestRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("stop pending run: %v", err)
	}
	current, _ := runs.Get(context.Background(), run.ID)
	if current.Status != runstore.StatusStopped {
		t.Fatalf("status = %s, want stopped", current.Status)
	}
	if got := typedEnvelopes(t, memLog, envelope.TypeRunStopped); len(got) != 1 {
		t.Fatalf("run.Stopped count = %d", len(got))
	}
	if err := m.Start(context.Background(), run.ID); !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("start after stop: want conflict, got %v", err)
	}
}

func TestRecoverAbortsStrandedRuns(t *testing.T) {
	m, runs, memLog := newTestManager(t)
	stranded := runstore.Run{
		ID:         "run-stranded",
		StrategyID: "noop",
		Mode:       runstore.ModeBacktest,
		Status:     runstore.StatusRunning,
		Symbols:    []string{"AAPL"},
		Timeframe:  "1m",
		CreatedAt:  time.Now().UTC(),
	}
	if err := runs.Create(context.Background(), stranded); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	current, _ := runs.Get(context.Background(), stranded.ID)
	if current.Status != runstore.StatusError {
		t.Fatalf("status = %s, want error", current.Status)
	}
	errEvents := typedEnvelopes(t, memLog, envelope.TypeRunError)
	if len(errEvents) != 1 {
		t.Fatalf("run.Error count = %d", len(errEvents))
	}
	payload := errEvents[0].Payload.(envelope.RunErrorPayload)
	if payload.Reason != "recovery_abort" {
		t.Fatalf("reason = %q", payload.Reason)
	}
}
