package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.EventLog.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.EventLog.Backend)
	}
	if cfg.Simulator.FillReference != "close" {
		t.Fatalf("expected close fill reference, got %s", cfg.Simulator.FillReference)
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
eventLog:
  backend: postgres
  capacity: 1024
database:
  dsn: postgresql://localhost:5432/weaver
  maxConns: 4
simulator:
  fillReference: vwap
  slippageBps: "2.5"
telemetry:
  enabled: true
  otlpEndpoint: localhost:4318
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.EventLog.Backend != BackendPostgres {
		t.Fatalf("expected postgres backend, got %s", cfg.EventLog.Backend)
	}
	if cfg.EventLog.Capacity != 1024 {
		t.Fatalf("expected capacity 1024, got %d", cfg.EventLog.Capacity)
	}
	if cfg.EventLog.DispatchInterval != 50*time.Millisecond {
		t.Fatalf("expected default dispatch interval, got %v", cfg.EventLog.DispatchInterval)
	}
	if cfg.Database.MaxConns != 4 {
		t.Fatalf("expected maxConns 4, got %d", cfg.Database.MaxConns)
	}
	if cfg.Simulator.FillReference != "vwap" {
		t.Fatalf("expected vwap, got %s", cfg.Simulator.FillReference)
	}
	if cfg.Telemetry.ServiceName != "weaver" {
		t.Fatalf("expected default service name, got %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoadRejectsBadFillReference(t *testing.T) {
	path := writeConfig(t, `
simulator:
  fillReference: midpoint
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for bad fill reference")
	}
	if !strings.Contains(err.Error(), "fillReference") {
		t.Fatalf("expected fillReference error, got %v", err)
	}
}

func TestLoadRejectsPostgresBackendWithoutDSN(t *testing.T) {
	path := writeConfig(t, `
eventLog:
  backend: postgres
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing dsn")
	}
	if !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestLoadRejectsVedaWithoutAPIKey(t *testing.T) {
	path := writeConfig(t, `
veda:
  baseUrl: https://veda.example.com/api
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if !strings.Contains(err.Error(), "apiKey") {
		t.Fatalf("expected apiKey error, got %v", err)
	}
}

func TestEnvOverridesDSNAndAPIKey(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "postgresql://env-host:5432/weaver")
	t.Setenv(EnvVedaAPIKey, "env-secret")
	path := writeConfig(t, `
database:
  dsn: postgresql://file-host:5432/weaver
veda:
  baseUrl: https://veda.example.com/api
  apiKey: file-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.DSN != "postgresql://env-host:5432/weaver" {
		t.Fatalf("expected env dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Veda.APIKey != "env-secret" {
		t.Fatalf("expected env api key, got %s", cfg.Veda.APIKey)
	}
}

func TestLoadOrDefaultEmptyPath(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default config, got addr %s", cfg.Server.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
