// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvDatabaseDSN overrides database.dsn when set.
	EnvDatabaseDSN = "WEAVER_DATABASE_DSN"
	// EnvVedaAPIKey overrides veda.apiKey when set.
	EnvVedaAPIKey = "WEAVER_VEDA_API_KEY"
)

// ServerConfig controls the HTTP control plane listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	SSEClientBuffer int           `yaml:"sseClientBuffer"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// SSE streams hold the response open indefinitely.
		c.WriteTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.SSEClientBuffer <= 0 {
		c.SSEClientBuffer = 256
	}
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr required")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if override := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); override != "" {
		c.DSN = override
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// EventLogBackend selects the outbox log implementation.
type EventLogBackend string

const (
	BackendMemory   EventLogBackend = "memory"
	BackendPostgres EventLogBackend = "postgres"
)

// EventLogConfig sizes the outbox log and its dispatch worker.
type EventLogConfig struct {
	Backend           EventLogBackend `yaml:"backend"`
	Capacity          int             `yaml:"capacity"`
	BufferSize        int             `yaml:"bufferSize"`
	DispatchInterval  time.Duration   `yaml:"dispatchInterval"`
	DispatchBatchSize int             `yaml:"dispatchBatchSize"`
}

func (c *EventLogConfig) applyDefaults() {
	c.Backend = EventLogBackend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Capacity <= 0 {
		c.Capacity = 65536
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 50 * time.Millisecond
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = 128
	}
}

func (c EventLogConfig) validate() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("backend must be one of memory, postgres")
	}
	return nil
}

// ClockConfig tunes the run clocks.
type ClockConfig struct {
	// BacktestMaxTicksPerSec bounds backtest clock speed. Zero means
	// unthrottled.
	BacktestMaxTicksPerSec int `yaml:"backtestMaxTicksPerSec"`
}

// SimulatorConfig carries fill simulation defaults for backtest and paper
// runs. Decimal fields are strings to preserve precision.
type SimulatorConfig struct {
	FillReference string `yaml:"fillReference"`
	SlippageBps   string `yaml:"slippageBps"`
	CommissionBps string `yaml:"commissionBps"`
	MinCommission string `yaml:"minCommission"`
	InitialCash   string `yaml:"initialCash"`
}

func (c *SimulatorConfig) applyDefaults() {
	c.FillReference = strings.ToLower(strings.TrimSpace(c.FillReference))
	if c.FillReference == "" {
		c.FillReference = "close"
	}
}

func (c SimulatorConfig) validate() error {
	switch c.FillReference {
	case "open", "close", "vwap", "worst":
	default:
		return fmt.Errorf("fillReference must be one of open, close, vwap, worst")
	}
	for name, value := range map[string]string{
		"slippageBps":   c.SlippageBps,
		"commissionBps": c.CommissionBps,
		"minCommission": c.MinCommission,
		"initialCash":   c.InitialCash,
	} {
		if value == "" {
			continue
		}
		if !decimalLike(value) {
			return fmt.Errorf("%s must be a decimal string", name)
		}
	}
	return nil
}

func decimalLike(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	dot := false
	for i, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' && i == 0:
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

// VedaConfig carries connection settings for the live venue gateway.
type VedaConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	StreamURL      string        `yaml:"streamUrl"`
	APIKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	SubmitRate     float64       `yaml:"submitRate"`
	SubmitBurst    int           `yaml:"submitBurst"`
}

func (c *VedaConfig) applyDefaults() {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.StreamURL = strings.TrimSpace(c.StreamURL)
	if override := strings.TrimSpace(os.Getenv(EnvVedaAPIKey)); override != "" {
		c.APIKey = override
	}
}

// Enabled reports whether a live venue gateway is configured.
func (c VedaConfig) Enabled() bool {
	return c.BaseURL != ""
}

// StrategiesConfig defines where JavaScript strategy sources are discovered.
type StrategiesConfig struct {
	Directory string `yaml:"directory"`
}

// TelemetryConfig controls the OpenTelemetry metrics pipeline.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "weaver"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 15 * time.Second
	}
}

// AppConfig is the unified Weaver application configuration sourced from YAML.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	EventLog   EventLogConfig   `yaml:"eventLog"`
	Clock      ClockConfig      `yaml:"clock"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Veda       VedaConfig       `yaml:"veda"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the configuration used when no file is provided: in-memory
// event log, no database, no venue gateway.
func Default() AppConfig {
	var cfg AppConfig
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when path is non-empty, Default otherwise.
func LoadOrDefault(configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	return Load(configPath)
}

func (c *AppConfig) normalise() {
	c.Server.applyDefaults()
	c.Database.applyDefaults()
	c.EventLog.applyDefaults()
	c.Simulator.applyDefaults()
	c.Veda.applyDefaults()
	c.Telemetry.applyDefaults()

	strategyDir := strings.TrimSpace(c.Strategies.Directory)
	if strategyDir != "" {
		c.Strategies.Directory = filepath.Clean(strategyDir)
	}
	if c.Clock.BacktestMaxTicksPerSec < 0 {
		c.Clock.BacktestMaxTicksPerSec = 0
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.EventLog.validate(); err != nil {
		return fmt.Errorf("eventLog: %w", err)
	}
	if err := c.Simulator.validate(); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	if c.EventLog.Backend == BackendPostgres && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database: dsn required for postgres event log")
	}
	if c.Veda.Enabled() && strings.TrimSpace(c.Veda.APIKey) == "" {
		return fmt.Errorf("veda: apiKey required when baseUrl is set")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config %s: %w", candidate, err)
	}
	closer := func() {
		_ = file.Close()
	}
	return file, closer, nil
}
