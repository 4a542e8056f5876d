// Command backtest runs one strategy over historical bars entirely
// in-process and prints the terminal result as JSON.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/app/router"
	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/app/strategy/js"
	"github.com/5TFG4/weaver/internal/domain/barstore"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	"github.com/5TFG4/weaver/internal/infra/persistence/memory"
)

const (
	logCapacity   = 65536
	logBufferSize = 1024
	resultTimeout = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataPath    = flag.String("data", "", "CSV file with bars: symbol,ts,open,high,low,close,volume")
		strategyID  = flag.String("strategy", "noop", "Strategy to run")
		strategyDir = flag.String("strategies", "", "Optional directory of JavaScript strategy modules")
		symbolsFlag = flag.String("symbols", "", "Comma-separated symbols (defaults to symbols present in the data)")
		timeframe   = flag.String("timeframe", "1m", "Bar timeframe")
		startFlag   = flag.String("start", "", "Backtest start (RFC3339, defaults to first bar)")
		endFlag     = flag.String("end", "", "Backtest end (RFC3339, defaults to just past the last bar)")
		configJSON  = flag.String("config", "", "Strategy configuration as a JSON object")
		quiet       = flag.Bool("quiet", false, "Suppress progress logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dataPath) == "" {
		return fmt.Errorf("-data flag is required")
	}

	logger := log.New(io.Discard, "", 0)
	if !*quiet {
		logger = log.New(os.Stderr, "backtest ", log.LstdFlags)
	}

	ctx := context.Background()

	bars, symbols, first, last, err := loadBars(*dataPath, *timeframe)
	if err != nil {
		return err
	}
	if *symbolsFlag != "" {
		symbols = splitSymbols(*symbolsFlag)
	}
	logger.Printf("loaded %d bars across %d symbols", len(bars), len(symbols))

	start := first
	if *startFlag != "" {
		if start, err = time.Parse(time.RFC3339, *startFlag); err != nil {
			return fmt.Errorf("parse -start: %w", err)
		}
	}
	end := last.Add(time.Nanosecond)
	if *endFlag != "" {
		if end, err = time.Parse(time.RFC3339, *endFlag); err != nil {
			return fmt.Errorf("parse -end: %w", err)
		}
	}

	var config map[string]any
	if strings.TrimSpace(*configJSON) != "" {
		if err := json.Unmarshal([]byte(*configJSON), &config); err != nil {
			return fmt.Errorf("parse -config: %w", err)
		}
	}

	barStore := memory.NewBarStore()
	if err := barStore.Insert(ctx, bars); err != nil {
		return fmt.Errorf("load bars: %w", err)
	}

	memLog := eventlog.NewMemoryLog(eventlog.MemoryConfig{
		Capacity:   logCapacity,
		BufferSize: logBufferSize,
		Registry:   nil,
	})
	defer memLog.Close()

	registry, err := buildRegistry(ctx, *strategyDir)
	if err != nil {
		return err
	}

	runStore := memory.NewRunStore()
	modeRouter, err := router.New(memLog, runStore, router.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	if err := modeRouter.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer modeRouter.Close()

	manager, err := runmanager.New(runStore, memLog, registry, barStore,
		runmanager.WithFillStore(memory.NewFillStore()),
		runmanager.WithOrderStore(memory.NewOrderStore()),
		runmanager.WithRouter(modeRouter),
		runmanager.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build run manager: %w", err)
	}

	runRec, err := manager.Create(ctx, runmanager.CreateRequest{
		StrategyID:    *strategyID,
		Mode:          runstore.ModeBacktest,
		Symbols:       symbols,
		Timeframe:     *timeframe,
		Config:        config,
		BacktestStart: &start,
		BacktestEnd:   &end,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	subID, entries, err := memLog.Subscribe(ctx, eventlog.Filter{
		RunID: runRec.ID,
		Types: []envelope.EventType{envelope.TypeBacktestResult, envelope.TypeRunCompleted, envelope.TypeRunError},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer memLog.Unsubscribe(subID)

	if err := manager.Start(ctx, runRec.ID); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	logger.Printf("run %s started: %s to %s", runRec.ID, start.Format(time.RFC3339), end.Format(time.RFC3339))

	return awaitResult(entries, os.Stdout)
}

// awaitResult drains the run's terminal events: the backtest.Result payload
// goes to out, run.Completed ends the wait, run.Error fails it.
func awaitResult(entries <-chan eventlog.Entry, out io.Writer) error {
	timeout := time.After(resultTimeout)
	var printed bool
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if printed {
					return nil
				}
				return fmt.Errorf("event log closed before run finished")
			}
			switch entry.Envelope.Type {
			case envelope.TypeBacktestResult:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(entry.Envelope.Payload); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
				printed = true
			case envelope.TypeRunCompleted:
				if !printed {
					return fmt.Errorf("run completed without a result event")
				}
				return nil
			case envelope.TypeRunError:
				return fmt.Errorf("run failed: %s", describeRunError(entry.Envelope.Payload))
			}
		case <-timeout:
			return fmt.Errorf("timed out waiting for backtest result")
		}
	}
}

func describeRunError(payload any) string {
	if p, ok := payload.(envelope.RunErrorPayload); ok && p.Reason != "" {
		return p.Reason
	}
	return "unknown"
}

func buildRegistry(ctx context.Context, strategyDir string) (*strategy.Registry, error) {
	registry := strategy.DefaultRegistry()
	if strings.TrimSpace(strategyDir) == "" {
		return registry, nil
	}
	loader, err := js.NewLoader(strategyDir)
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("scan strategy modules: %w", err)
	}
	for _, meta := range loader.Catalog() {
		name := meta.Name
		err := registry.Register(meta, func(config map[string]any) (strategy.Strategy, error) {
			return loader.New(name, config)
		})
		if err != nil {
			return nil, fmt.Errorf("register strategy %s: %w", name, err)
		}
	}
	return registry, nil
}

// loadBars parses a CSV of symbol,ts,open,high,low,close,volume rows. A
// header row is skipped when detected.
func loadBars(path, timeframe string) ([]barstore.Bar, []string, time.Time, time.Time, error) {
	file, err := os.Open(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, fmt.Errorf("open data file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 7

	var (
		bars    []barstore.Bar
		symbols []string
		seen    = make(map[string]struct{})
		first   time.Time
		last    time.Time
	)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, time.Time{}, time.Time{}, fmt.Errorf("read data file line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(record[0], "symbol") {
			continue
		}
		bar, err := parseBar(record, timeframe)
		if err != nil {
			return nil, nil, time.Time{}, time.Time{}, fmt.Errorf("data file line %d: %w", line, err)
		}
		bars = append(bars, bar)
		if _, ok := seen[bar.Symbol]; !ok {
			seen[bar.Symbol] = struct{}{}
			symbols = append(symbols, bar.Symbol)
		}
		if first.IsZero() || bar.TS.Before(first) {
			first = bar.TS
		}
		if bar.TS.After(last) {
			last = bar.TS
		}
	}
	if len(bars) == 0 {
		return nil, nil, time.Time{}, time.Time{}, fmt.Errorf("data file contains no bars")
	}
	return bars, symbols, first, last, nil
}

func parseBar(record []string, timeframe string) (barstore.Bar, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[1]))
	if err != nil {
		return barstore.Bar{}, fmt.Errorf("parse ts: %w", err)
	}
	fields := [5]decimal.Decimal{}
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		value, err := decimal.NewFromString(strings.TrimSpace(record[i+2]))
		if err != nil {
			return barstore.Bar{}, fmt.Errorf("parse %s: %w", name, err)
		}
		fields[i] = value
	}
	return barstore.Bar{
		Symbol:    strings.TrimSpace(record[0]),
		Timeframe: timeframe,
		TS:        ts.UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
