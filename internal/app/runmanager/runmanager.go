// Package runmanager owns the run lifecycle: creation, startup wiring of
// clocks, runners, and execution backends, teardown, and crash recovery.
package runmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/weaver/errs"
	"github.com/5TFG4/weaver/internal/app/runner"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/clock"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/execution"
	"github.com/5TFG4/weaver/internal/domain/fillstore"
	"github.com/5TFG4/weaver/internal/domain/orderstore"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/sim"
	"github.com/5TFG4/weaver/internal/telemetry"
)

// Producer identifies manager-emitted envelopes on the log.
const Producer = "marvin.runmanager"

const component = "marvin.runmanager"

// ExecutionFactory builds the live execution backend for a run. Injected so
// the manager stays ignorant of venue credentials and transports.
type ExecutionFactory func(ctx context.Context, run runstore.Run) (execution.Execution, error)

// ClockFactory builds the clock driving a run's ticks.
type ClockFactory func(run runstore.Run) (clock.Clock, error)

// ModeInvalidator drops cached per-run routing state on teardown. The
// domain router satisfies it.
type ModeInvalidator interface {
	Forget(runID string)
}

// IntentRouter rescopes one strategy intent synchronously and returns the
// routed envelope, or nil when the intent was dropped with a diagnostic.
// *router.Router satisfies it.
type IntentRouter interface {
	Route(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// backtestPipeline drives one backtest tick end to end on the clock
// goroutine: tick the strategy, route the emitted intents, execute them,
// then advance the simulator. An order placed at a tick is resting before
// that tick's bars are evaluated, so fills never depend on goroutine
// scheduling.
type backtestPipeline struct {
	router IntentRouter
	greta  *sim.Greta
	runr   *runner.Runner
	queue  []*envelope.Envelope
}

// enqueue collects intents the runner emits. Only the clock goroutine
// touches the queue.
func (p *backtestPipeline) enqueue(_ context.Context, env *envelope.Envelope) error {
	p.queue = append(p.queue, env)
	return nil
}

func (p *backtestPipeline) handleWindow(ctx context.Context, env *envelope.Envelope) error {
	return p.runr.HandleDataReady(ctx, env)
}

// drain routes and executes queued intents until none remain. Executing one
// intent can emit more: a window answer reaches the strategy inline, and its
// orders re-enter the queue.
func (p *backtestPipeline) drain(ctx context.Context) error {
	for len(p.queue) > 0 {
		intent := p.queue[0]
		p.queue = p.queue[1:]
		routed, err := p.router.Route(ctx, intent)
		if err != nil {
			return err
		}
		if routed == nil {
			continue
		}
		if err := p.greta.HandleCommand(ctx, routed); err != nil {
			return err
		}
	}
	return nil
}

func (p *backtestPipeline) tick(ctx context.Context, tick clock.Tick) error {
	if err := p.runr.HandleTick(ctx, tick); err != nil {
		return err
	}
	if err := p.drain(ctx); err != nil {
		return err
	}
	return p.greta.AdvanceTo(ctx, tick.TS, tick.BarIndex)
}

// CreateRequest carries the validated inputs for a new run.
type CreateRequest struct {
	StrategyID    string         `json:"strategy_id"`
	Mode          runstore.Mode  `json:"mode"`
	Symbols       []string       `json:"symbols"`
	Timeframe     string         `json:"timeframe"`
	Config        map[string]any `json:"config,omitempty"`
	BacktestStart *time.Time     `json:"backtest_start,omitempty"`
	BacktestEnd   *time.Time     `json:"backtest_end,omitempty"`
}

// runContext bundles everything a started run owns. Teardown walks these in
// strict reverse build order.
type runContext struct {
	run        runstore.Run
	clk        clock.Clock
	unsubTick  func()
	runr       *runner.Runner
	exec       execution.Execution
	greta      *sim.Greta
	cancelCtx  context.CancelFunc
	simConfig  sim.FillSimulationConfig
	terminated bool
}

// Manager coordinates the run state machine and per-run component wiring.
type Manager struct {
	runs       runstore.Store
	log        eventlog.Log
	strategies *strategy.Registry
	bars       barstore.Store
	fills      fillstore.Store
	orders     orderstore.Store
	liveExec   ExecutionFactory
	clockFn    ClockFactory
	router     ModeInvalidator
	simCfg     sim.FillSimulationConfig
	logger     *log.Logger

	startCounter metric.Int64Counter

	mu         sync.Mutex
	contexts   map[string]*runContext
	tickFailed map[string]string
}

// Option customises manager construction.
type Option func(*Manager)

// WithFillStore persists simulated fills for backtest runs.
func WithFillStore(store fillstore.Store) Option {
	return func(m *Manager) { m.fills = store }
}

// WithOrderStore mirrors simulated order state into persistence.
func WithOrderStore(store orderstore.Store) Option {
	return func(m *Manager) { m.orders = store }
}

// WithLiveExecution wires the factory used for live and paper runs.
func WithLiveExecution(factory ExecutionFactory) Option {
	return func(m *Manager) { m.liveExec = factory }
}

// WithClockFactory overrides clock construction for every mode.
func WithClockFactory(factory ClockFactory) Option {
	return func(m *Manager) { m.clockFn = factory }
}

// WithRouter lets the manager invalidate the router's mode cache on
// teardown.
func WithRouter(router ModeInvalidator) Option {
	return func(m *Manager) { m.router = router }
}

// WithFillSimulation sets the fill model applied to backtest runs.
func WithFillSimulation(cfg sim.FillSimulationConfig) Option {
	return func(m *Manager) { m.simCfg = cfg }
}

// WithLogger overrides the manager's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New constructs a manager over the given stores and strategy registry.
func New(runs runstore.Store, eventLog eventlog.Log, strategies *strategy.Registry, bars barstore.Store, opts ...Option) (*Manager, error) {
	if runs == nil {
		return nil, fmt.Errorf("runmanager: run store required")
	}
	if eventLog == nil {
		return nil, fmt.Errorf("runmanager: event log required")
	}
	if strategies == nil {
		return nil, fmt.Errorf("runmanager: strategy registry required")
	}
	if bars == nil {
		return nil, fmt.Errorf("runmanager: bar store required")
	}
	startCounter, _ := otel.Meter("runmanager").Int64Counter("runs.started",
		metric.WithDescription("Runs transitioned from pending to running"),
		metric.WithUnit("{run}"))
	m := &Manager{
		runs:         runs,
		log:          eventLog,
		strategies:   strategies,
		bars:         bars,
		fills:        nil,
		orders:       nil,
		liveExec:     nil,
		clockFn:      nil,
		router:       nil,
		simCfg:       sim.DefaultFillSimulationConfig(),
		logger:       log.New(os.Stdout, "runmanager ", log.LstdFlags|log.Lmicroseconds),
		startCounter: startCounter,
		mu:           sync.Mutex{},
		contexts:     make(map[string]*runContext),
		tickFailed:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Create validates the request, persists the run as pending, and announces
// it with run.Created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (runstore.Run, error) {
	if err := m.validateCreate(req); err != nil {
		return runstore.Run{}, err
	}
	run := runstore.Run{
		ID:            uuid.NewString(),
		StrategyID:    req.StrategyID,
		Mode:          req.Mode,
		Status:        runstore.StatusPending,
		Symbols:       append([]string(nil), req.Symbols...),
		Timeframe:     req.Timeframe,
		Config:        req.Config,
		CreatedAt:     time.Now().UTC(),
		StartedAt:     nil,
		StoppedAt:     nil,
		BacktestStart: req.BacktestStart,
		BacktestEnd:   req.BacktestEnd,
	}
	if err := m.runs.Create(ctx, run); err != nil {
		return runstore.Run{}, fmt.Errorf("runmanager: persist run: %w", err)
	}
	m.emitLifecycle(ctx, envelope.TypeRunCreated, run)
	return run, nil
}

func (m *Manager) validateCreate(req CreateRequest) error {
	if !m.strategies.Known(req.StrategyID) {
		return errs.New(component, errs.KindValidation,
			errs.WithMessage("unknown strategy "+req.StrategyID))
	}
	if !runstore.ValidMode(req.Mode) {
		return errs.New(component, errs.KindValidation,
			errs.WithMessage("unknown mode "+string(req.Mode)))
	}
	if len(req.Symbols) == 0 {
		return errs.New(component, errs.KindValidation,
			errs.WithMessage("at least one symbol required"))
	}
	if _, err := clock.ParseTimeframe(req.Timeframe); err != nil {
		return errs.New(component, errs.KindValidation,
			errs.WithMessage("bad timeframe "+req.Timeframe), errs.WithCause(err))
	}
	if req.Mode == runstore.ModeBacktest {
		if req.BacktestStart == nil || req.BacktestEnd == nil {
			return errs.New(component, errs.KindValidation,
				errs.WithMessage("backtest runs require backtest_start and backtest_end"))
		}
		if !req.BacktestStart.Before(*req.BacktestEnd) {
			return errs.New(component, errs.KindValidation,
				errs.WithMessage("backtest_start must precede backtest_end"))
		}
	}
	return nil
}

// Start builds the run's components, transitions pending to running, and
// launches the clock. Non-pending runs fail with a conflict.
func (m *Manager) Start(ctx context.Context, id string) error {
	run, err := m.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != runstore.StatusPending {
		return errs.New(component, errs.KindConflict,
			errs.WithMessage("run "+id+" is "+string(run.Status)+", want pending"))
	}

	rc, err := m.buildContext(ctx, run)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := m.runs.Transition(ctx, id, runstore.StatusPending, runstore.StatusRunning, now); err != nil {
		m.teardown(ctx, rc)
		if errors.Is(err, runstore.ErrStatusConflict) {
			return errs.New(component, errs.KindConflict,
				errs.WithMessage("run "+id+" left pending concurrently"))
		}
		return fmt.Errorf("runmanager: transition to running: %w", err)
	}
	rc.run.Status = runstore.StatusRunning
	m.emitLifecycle(ctx, envelope.TypeRunStarted, rc.run)
	m.startCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.RunAttributes(string(rc.run.Mode), rc.run.StrategyID)...))

	m.mu.Lock()
	m.contexts[id] = rc
	m.mu.Unlock()

	if err := rc.clk.Start(ctx, id); err != nil {
		m.mu.Lock()
		delete(m.contexts, id)
		m.mu.Unlock()
		m.teardown(ctx, rc)
		if terr := m.runs.Transition(ctx, id, runstore.StatusRunning, runstore.StatusError, time.Now().UTC()); terr != nil {
			m.logger.Printf("error transition after clock failure: run=%s err=%v", id, terr)
		}
		return fmt.Errorf("runmanager: start clock: %w", err)
	}
	return nil
}

// buildContext assembles the per-mode component chain for a run. On any
// failure the partial build is torn down before returning.
func (m *Manager) buildContext(ctx context.Context, run runstore.Run) (*runContext, error) {
	strat, err := m.strategies.New(run.StrategyID, run.Config)
	if err != nil {
		return nil, errs.New(component, errs.KindValidation,
			errs.WithMessage("build strategy "+run.StrategyID), errs.WithCause(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rc := &runContext{
		run:        run,
		clk:        nil,
		unsubTick:  nil,
		runr:       nil,
		exec:       nil,
		greta:      nil,
		cancelCtx:  cancel,
		simConfig:  m.simCfg,
		terminated: false,
	}

	fail := func(err error) (*runContext, error) {
		m.teardown(ctx, rc)
		return nil, err
	}

	// When the router supports synchronous routing, backtests run the whole
	// tick pipeline inline instead of over log subscriptions.
	var pipeline *backtestPipeline
	if intentRouter, ok := m.router.(IntentRouter); ok {
		pipeline = &backtestPipeline{router: intentRouter, greta: nil, runr: nil, queue: nil}
	}

	switch run.Mode {
	case runstore.ModeBacktest:
		simOpts := []sim.Option{}
		if m.fills != nil {
			simOpts = append(simOpts, sim.WithFillStore(m.fills))
		}
		if m.orders != nil {
			simOpts = append(simOpts, sim.WithOrderStore(m.orders))
		}
		if pipeline != nil {
			simOpts = append(simOpts, sim.WithWindowSink(pipeline.handleWindow))
		}
		greta, err := sim.New(run.ID, run.Timeframe, m.simCfg, m.log, m.bars, simOpts...)
		if err != nil {
			return fail(fmt.Errorf("runmanager: build simulator: %w", err))
		}
		rc.greta = greta
		rc.exec = greta
		if pipeline != nil {
			pipeline.greta = greta
		}
		if err := greta.Preload(runCtx, run.Symbols, *run.BacktestStart, *run.BacktestEnd); err != nil {
			return fail(fmt.Errorf("runmanager: preload bars: %w", err))
		}
		if err := greta.Connect(runCtx); err != nil {
			return fail(fmt.Errorf("runmanager: connect simulator: %w", err))
		}
		if pipeline == nil {
			if err := greta.Start(runCtx); err != nil {
				return fail(fmt.Errorf("runmanager: start simulator: %w", err))
			}
		}
	case runstore.ModeLive, runstore.ModePaper:
		if m.liveExec == nil {
			return fail(errs.New(component, errs.KindValidation,
				errs.WithMessage("live execution backend not configured")))
		}
		exec, err := m.liveExec(runCtx, run)
		if err != nil {
			return fail(fmt.Errorf("runmanager: build live execution: %w", err))
		}
		rc.exec = exec
		if err := exec.Connect(runCtx); err != nil {
			return fail(fmt.Errorf("runmanager: connect live execution: %w", err))
		}
	default:
		return fail(errs.New(component, errs.KindValidation,
			errs.WithMessage("unknown mode "+string(run.Mode))))
	}
	if rc.greta == nil {
		pipeline = nil
	}
	if pipeline != nil {
		// Keep the router's subscription loop away from this run's intents;
		// the pipeline routes them inline.
		if marker, ok := m.router.(interface{ MarkInline(runID string) }); ok {
			marker.MarkInline(run.ID)
		}
	}

	runnerOpts := []runner.Option{runner.WithBarSource(m.bars)}
	if pipeline != nil {
		runnerOpts = append(runnerOpts, runner.WithIntentSink(pipeline.enqueue))
	}
	runr, err := runner.New(m.log, strat, runnerOpts...)
	if err != nil {
		return fail(fmt.Errorf("runmanager: build runner: %w", err))
	}
	rc.runr = runr
	if pipeline != nil {
		pipeline.runr = runr
	}
	if err := runr.Initialize(runCtx, run.ID, run.Symbols); err != nil {
		return fail(fmt.Errorf("runmanager: initialize runner: %w", err))
	}

	clk, err := m.buildClock(run)
	if err != nil {
		return fail(fmt.Errorf("runmanager: build clock: %w", err))
	}
	rc.clk = clk
	rc.unsubTick = clk.OnTick(func(tickCtx context.Context, tick clock.Tick) error {
		if pipeline != nil {
			return pipeline.tick(tickCtx, tick)
		}
		if rc.greta != nil {
			if err := runr.HandleTick(tickCtx, tick); err != nil {
				return err
			}
			return rc.greta.AdvanceTo(tickCtx, tick.TS, tick.BarIndex)
		}
		return runr.HandleTick(tickCtx, tick)
	})
	return rc, nil
}

func (m *Manager) buildClock(run runstore.Run) (clock.Clock, error) {
	if m.clockFn != nil {
		return m.clockFn(run)
	}
	timeframe, err := clock.ParseTimeframe(run.Timeframe)
	if err != nil {
		return nil, err
	}
	onError := func(tick clock.Tick, err error) {
		m.logger.Printf("tick callback failed: run=%s ts=%s err=%v", run.ID, tick.TS.Format(time.RFC3339), err)
		// Record before returning to the clock loop so a replay that runs to
		// the end still terminates in error, then escalate off the tick
		// goroutine: finish stops the clock, and the clock's Stop waits for
		// the tick loop to return.
		m.mu.Lock()
		if _, dup := m.tickFailed[run.ID]; !dup {
			m.tickFailed[run.ID] = "tick_failure"
		}
		m.mu.Unlock()
		go func() {
			if ferr := m.Error(context.Background(), run.ID, "tick_failure"); ferr != nil && !errs.IsKind(ferr, errs.KindConflict) {
				m.logger.Printf("error transition failed: run=%s err=%v", run.ID, ferr)
			}
		}()
	}
	if run.Mode == runstore.ModeBacktest {
		return clock.NewBacktestClock(timeframe, *run.BacktestStart, *run.BacktestEnd,
			clock.WithOnError(onError),
			clock.WithOnComplete(func() {
				go func() {
					if err := m.Complete(context.Background(), run.ID); err != nil {
						m.logger.Printf("complete failed: run=%s err=%v", run.ID, err)
					}
				}()
			}),
		)
	}
	return clock.NewRealtimeClock(timeframe, clock.WithOnError(onError))
}

// Stop transitions a running run to stopped and tears it down. Terminal
// runs are a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	run, err := m.getRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	err = m.finish(ctx, id, runstore.StatusStopped, envelope.TypeRunStopped, "")
	if errs.IsKind(err, errs.KindConflict) {
		// Lost the race against completion or another stop.
		if current, gerr := m.getRun(ctx, id); gerr == nil && current.Status.Terminal() {
			return nil
		}
	}
	return err
}

// Complete transitions a running run to completed. Backtest runs emit their
// terminal backtest.Result before run.Completed.
func (m *Manager) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	reason, failed := m.tickFailed[id]
	m.mu.Unlock()
	if failed {
		// A run with a failed tick never completes, even if the clock
		// replayed to the end.
		return m.Error(ctx, id, reason)
	}
	return m.finish(ctx, id, runstore.StatusCompleted, envelope.TypeRunCompleted, "")
}

// Error transitions a run to error with the given reason.
func (m *Manager) Error(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, runstore.StatusError, envelope.TypeRunError, reason)
}

// finish is the shared terminal path: CAS the status, tear down components
// in reverse build order, then emit the terminal event last.
func (m *Manager) finish(ctx context.Context, id string, to runstore.Status, eventType envelope.EventType, reason string) error {
	now := time.Now().UTC()
	if err := m.runs.Transition(ctx, id, runstore.StatusRunning, to, now); err != nil {
		if errors.Is(err, runstore.ErrStatusConflict) {
			// Allow terminating a run that never started.
			if perr := m.runs.Transition(ctx, id, runstore.StatusPending, to, now); perr != nil {
				return errs.New(component, errs.KindConflict,
					errs.WithMessage("run "+id+" not in a stoppable state"), errs.WithCause(perr))
			}
		} else if errors.Is(err, runstore.ErrNotFound) {
			return errs.New(component, errs.KindNotFound, errs.WithMessage("run "+id+" not found"))
		} else {
			return fmt.Errorf("runmanager: transition run %s: %w", id, err)
		}
	}

	m.mu.Lock()
	rc := m.contexts[id]
	delete(m.contexts, id)
	delete(m.tickFailed, id)
	m.mu.Unlock()

	if rc != nil {
		if to == runstore.StatusCompleted && rc.greta != nil {
			m.teardownForCompletion(ctx, rc)
		} else {
			m.teardown(ctx, rc)
		}
	}

	run, err := m.getRun(ctx, id)
	if err != nil {
		return err
	}
	if eventType == envelope.TypeRunError {
		m.emitError(ctx, run, reason)
	} else {
		m.emitLifecycle(ctx, eventType, run)
	}
	return nil
}

// teardown unwinds a run context in strict reverse build order: clock,
// runner, execution backend, routing cache.
func (m *Manager) teardown(ctx context.Context, rc *runContext) {
	if rc == nil || rc.terminated {
		return
	}
	rc.terminated = true
	if rc.unsubTick != nil {
		rc.unsubTick()
	}
	if rc.clk != nil {
		rc.clk.Stop()
	}
	if rc.runr != nil {
		rc.runr.Cleanup()
	}
	if rc.greta != nil {
		rc.greta.Close()
		if err := rc.greta.Disconnect(ctx); err != nil {
			m.logger.Printf("simulator disconnect failed: run=%s err=%v", rc.run.ID, err)
		}
	} else if rc.exec != nil {
		if err := rc.exec.Disconnect(ctx); err != nil {
			m.logger.Printf("execution disconnect failed: run=%s err=%v", rc.run.ID, err)
		}
	}
	if m.router != nil {
		m.router.Forget(rc.run.ID)
	}
	rc.cancelCtx()
}

// teardownForCompletion is teardown plus the simulator's terminal result,
// emitted before the simulator state is discarded.
func (m *Manager) teardownForCompletion(ctx context.Context, rc *runContext) {
	if rc == nil || rc.terminated {
		return
	}
	if rc.unsubTick != nil {
		rc.unsubTick()
		rc.unsubTick = nil
	}
	if rc.clk != nil {
		rc.clk.Stop()
	}
	if rc.runr != nil {
		rc.runr.Cleanup()
		rc.runr = nil
	}
	if _, err := rc.greta.Finish(ctx); err != nil {
		m.logger.Printf("backtest result emit failed: run=%s err=%v", rc.run.ID, err)
	}
	rc.clk = nil
	m.teardown(ctx, rc)
}

// Recover moves runs left running by a previous process into error. Called
// once at startup before the control plane accepts traffic.
func (m *Manager) Recover(ctx context.Context) error {
	stranded, err := m.runs.ListByStatus(ctx, runstore.StatusRunning)
	if err != nil {
		return fmt.Errorf("runmanager: list running runs: %w", err)
	}
	for _, run := range stranded {
		now := time.Now().UTC()
		if err := m.runs.Transition(ctx, run.ID, runstore.StatusRunning, runstore.StatusError, now); err != nil {
			return fmt.Errorf("runmanager: recover run %s: %w", run.ID, err)
		}
		run.Status = runstore.StatusError
		m.emitError(ctx, run, "recovery_abort")
		m.logger.Printf("recovered stranded run: run=%s strategy=%s", run.ID, run.StrategyID)
	}
	return nil
}

// Get returns the persisted run.
func (m *Manager) Get(ctx context.Context, id string) (runstore.Run, error) {
	return m.getRun(ctx, id)
}

// List returns runs matching the query with the total count.
func (m *Manager) List(ctx context.Context, query runstore.Query) ([]runstore.Run, int, error) {
	return m.runs.List(ctx, query)
}

// Execution returns the execution backend owned by an active run, if any.
// Runs that are not currently running have no backend.
func (m *Manager) Execution(id string) (execution.Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[id]
	if !ok || rc.exec == nil {
		return nil, false
	}
	return rc.exec, true
}

func (m *Manager) getRun(ctx context.Context, id string) (runstore.Run, error) {
	run, err := m.runs.Get(ctx, id)
	if errors.Is(err, runstore.ErrNotFound) {
		return runstore.Run{}, errs.New(component, errs.KindNotFound,
			errs.WithMessage("run "+id+" not found"))
	}
	if err != nil {
		return runstore.Run{}, fmt.Errorf("runmanager: load run %s: %w", id, err)
	}
	return run, nil
}

func (m *Manager) emitLifecycle(ctx context.Context, eventType envelope.EventType, run runstore.Run) {
	env := envelope.New(eventType,
		envelope.WithRunID(run.ID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.RunLifecyclePayload{
			RunID:      run.ID,
			StrategyID: run.StrategyID,
			Mode:       string(run.Mode),
			Status:     string(run.Status),
		}),
	)
	if _, err := m.log.Append(ctx, env); err != nil {
		m.logger.Printf("lifecycle emit failed: run=%s type=%s err=%v", run.ID, eventType, err)
	}
}

func (m *Manager) emitError(ctx context.Context, run runstore.Run, reason string) {
	env := envelope.New(envelope.TypeRunError,
		envelope.WithRunID(run.ID),
		envelope.WithProducer(Producer),
		envelope.WithPayload(envelope.RunErrorPayload{
			RunID:  run.ID,
			Reason: reason,
		}),
	)
	if _, err := m.log.Append(ctx, env); err != nil {
		m.logger.Printf("error emit failed: run=%s err=%v", run.ID, err)
	}
}
