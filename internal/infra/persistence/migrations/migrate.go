// Package migrations wires golang-migrate execution for Weaver's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/5TFG4/weaver/db/migrations"
	"github.com/5TFG4/weaver/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, logger, resolvedDir, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// ApplyEmbedded applies the SQL migrations compiled into the binary. Binaries
// use it so deployments need no migrations directory on disk.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return runEmbedded(ctx, dsn, logger, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the most recent steps migrations at migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps < 1 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return run(ctx, dsn, logger, resolvedDir, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn string, logger *log.Logger, resolvedDir string, op func(*migrate.Migrate) error) error {
	driver, cleanup, err := openDriver(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer closeMigrate(m, logger)

	if logger != nil {
		logger.Printf("running database migrations: path=%s", resolvedDir)
	}
	return finish(ctx, op(m), resolvedDir, logger)
}

func runEmbedded(ctx context.Context, dsn string, logger *log.Logger, op func(*migrate.Migrate) error) error {
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, cleanup, err := openDriver(ctx, dsn, logger)
	if err != nil {
		_ = source.Close()
		return err
	}
	defer cleanup()

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer closeMigrate(m, logger)

	if logger != nil {
		logger.Printf("running database migrations: source=embedded")
	}
	return finish(ctx, op(m), "embedded", logger)
}

func openDriver(ctx context.Context, dsn string, logger *log.Logger) (database.Driver, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	cleanup := func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return driver, cleanup, nil
}

func closeMigrate(m *migrate.Migrate, logger *log.Logger) {
	sourceErr, dbErr := m.Close()
	if logger == nil {
		return
	}
	if sourceErr != nil {
		logger.Printf("database migrations source close: %v", sourceErr)
	}
	if dbErr != nil {
		logger.Printf("database migrations db close: %v", dbErr)
	}
}

func finish(ctx context.Context, err error, source string, logger *log.Logger) error {
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", source)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", source)
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", source)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("weaver_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrResult.String(result),
		attribute.String("source", source),
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
