package js

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/weaver/internal/app/strategy"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	out, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return out
}

const buyDipSource = `
module.exports.metadata = {
  name: "buydip",
  version: "1.0.0",
  displayName: "Buy The Dip",
  description: "Buys one unit when close falls below a floor",
  config: [{name: "floor", type: "decimal", required: true}],
  events: ["clock.Tick", "data.WindowReady"]
};

var floor = 0;
var symbols = [];

module.exports.initialize = function(syms, config) {
  symbols = syms;
  floor = parseFloat(config.floor || "0");
};

module.exports.onTick = function(tick) {
  return [{action: "fetch_window", symbol: symbols[0], timeframe: tick.timeframe, from: tick.ts, to: tick.ts}];
};

module.exports.onData = function(window) {
  if (window.bars.length === 0) { return []; }
  var close = parseFloat(window.bars[window.bars.length - 1].close);
  if (close < floor) {
    return [{action: "place_order", symbol: window.symbol, side: "buy", type: "market", qty: "1"}];
  }
  return [];
};
`

func writeModule(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o600); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

func TestLoaderRefreshAndCatalog(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "buydip.js", buyDipSource)

	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	catalog := loader.Catalog()
	if len(catalog) != 1 {
		t.Fatalf("expected 1 module, got %d", len(catalog))
	}
	meta := catalog[0]
	if meta.Name != "buydip" || meta.Source != "js" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if !loader.Known("BuyDip") {
		t.Fatal("lookup should be case-insensitive")
	}

	module, err := loader.Get("buydip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if module.Hash == "" || module.Size == 0 {
		t.Fatalf("expected content hash and size, got %+v", module)
	}
}

func TestLoaderRejectsMissingMetadata(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "bare.js", `module.exports.onTick = function() { return []; };`)

	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to fail for module without metadata")
	}
}

func TestModuleStrategyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "buydip.js", buyDipSource)

	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	ctx := context.Background()
	strat, err := loader.New("buydip", map[string]any{"floor": "100"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if err := strat.Initialize(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	actions, err := strat.OnTick(ctx, strategy.Tick{RunID: "r1", TS: ts, Timeframe: "1m", BarIndex: 0})
	if err != nil {
		t.Fatalf("onTick: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != strategy.ActionFetchWindow {
		t.Fatalf("expected fetch_window, got %+v", actions)
	}
	fetch := actions[0].FetchWindow
	if fetch.Symbol != "AAPL" || !fetch.From.Equal(ts) {
		t.Fatalf("unexpected fetch action: %+v", fetch)
	}

	window := strategy.Window{
		Symbol:    "AAPL",
		Timeframe: "1m",
		From:      ts,
		To:        ts,
		Bars:      []strategy.WindowBar{{TS: ts, Close: mustDecimal(t, "95")}},
	}
	actions, err = strat.OnData(ctx, window)
	if err != nil {
		t.Fatalf("onData: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != strategy.ActionPlaceOrder {
		t.Fatalf("expected place_order, got %+v", actions)
	}
	order := actions[0].PlaceOrder
	if order.Side != "buy" || order.OrderType != "market" || order.Qty.String() != "1" {
		t.Fatalf("unexpected order action: %+v", order)
	}
	if order.TimeInForce != "day" {
		t.Fatalf("expected default time_in_force, got %q", order.TimeInForce)
	}
}
