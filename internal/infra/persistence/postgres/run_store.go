package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/weaver/internal/domain/runstore"
)

// RunStore persists run lifecycle state in the runs table.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const (
	runInsertSQL = `
INSERT INTO runs (
    id, strategy_id, mode, status, symbols, timeframe, config,
    created_at, started_at, stopped_at, backtest_start, backtest_end
) VALUES (
    $1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb),
    $8, $9, $10, $11, $12
);
`

	runSelectBase = `
SELECT id, strategy_id, mode, status, symbols, timeframe, config::text,
       created_at, started_at, stopped_at, backtest_start, backtest_end
FROM runs
`

	runTransitionSQL = `
UPDATE runs
SET status = $3,
    started_at = CASE WHEN $3 = 'running' THEN $4 ELSE started_at END,
    stopped_at = CASE WHEN $3 IN ('stopped', 'completed', 'error') THEN $4 ELSE stopped_at END
WHERE id = $1 AND status = $2;
`
)

// Create inserts a new run row.
func (s *RunStore) Create(ctx context.Context, run runstore.Run) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run store: run id required")
	}
	config, err := encodeRunConfig(run.Config)
	if err != nil {
		return fmt.Errorf("run store: encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx, runInsertSQL,
		run.ID,
		run.StrategyID,
		string(run.Mode),
		string(run.Status),
		run.Symbols,
		run.Timeframe,
		config,
		run.CreatedAt,
		run.StartedAt,
		run.StoppedAt,
		run.BacktestStart,
		run.BacktestEnd,
	)
	if err != nil {
		return fmt.Errorf("run store: insert run: %w", err)
	}
	return nil
}

// Get fetches one run by id.
func (s *RunStore) Get(ctx context.Context, id string) (runstore.Run, error) {
	if s.pool == nil {
		return runstore.Run{}, fmt.Errorf("run store: nil pool")
	}
	row := s.pool.QueryRow(ctx, runSelectBase+"WHERE id = $1;", id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return runstore.Run{}, runstore.ErrNotFound
	}
	if err != nil {
		return runstore.Run{}, fmt.Errorf("run store: get run: %w", err)
	}
	return run, nil
}

// List returns a page of runs ordered newest first, plus the total count for
// the query.
func (s *RunStore) List(ctx context.Context, query runstore.Query) ([]runstore.Run, int, error) {
	if s.pool == nil {
		return nil, 0, fmt.Errorf("run store: nil pool")
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := clampLimit(query.PageSize, defaultRunPageSize, maxRunPageSize)

	var (
		where string
		args  []any
	)
	if query.Status != "" {
		where = "WHERE status = $1\n"
		args = append(args, string(query.Status))
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM runs\n" + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("run store: count runs: %w", err)
	}

	listSQL := fmt.Sprintf("%s%sORDER BY created_at DESC, id DESC\nLIMIT $%d OFFSET $%d;",
		runSelectBase, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("run store: list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]runstore.Run, 0, pageSize)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("run store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("run store: iterate runs: %w", err)
	}
	return runs, total, nil
}

// Transition performs a compare-and-set status update. The guarded UPDATE
// matches zero rows either when the run is missing or when its status moved,
// so a follow-up existence check distinguishes the two errors.
func (s *RunStore) Transition(ctx context.Context, id string, from, to runstore.Status, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, runTransitionSQL, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("run store: transition run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1);", id).Scan(&exists); err != nil {
		return fmt.Errorf("run store: check run: %w", err)
	}
	if !exists {
		return runstore.ErrNotFound
	}
	return runstore.ErrStatusConflict
}

// ListByStatus returns every run in the given status, oldest first. Recovery
// uses it to sweep interrupted runs at startup.
func (s *RunStore) ListByStatus(ctx context.Context, status runstore.Status) ([]runstore.Run, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	rows, err := s.pool.Query(ctx, runSelectBase+"WHERE status = $1\nORDER BY created_at ASC, id ASC;", string(status))
	if err != nil {
		return nil, fmt.Errorf("run store: list runs by status: %w", err)
	}
	defer rows.Close()

	var runs []runstore.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("run store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (runstore.Run, error) {
	var (
		run     runstore.Run
		mode    string
		status  string
		config  string
		symbols []string
	)
	err := row.Scan(
		&run.ID,
		&run.StrategyID,
		&mode,
		&status,
		&symbols,
		&run.Timeframe,
		&config,
		&run.CreatedAt,
		&run.StartedAt,
		&run.StoppedAt,
		&run.BacktestStart,
		&run.BacktestEnd,
	)
	if err != nil {
		return runstore.Run{}, err
	}
	run.Mode = runstore.Mode(mode)
	run.Status = runstore.Status(status)
	run.Symbols = symbols
	if err := decodeRunConfig(config, &run.Config); err != nil {
		return runstore.Run{}, err
	}
	return run, nil
}

func encodeRunConfig(config map[string]any) ([]byte, error) {
	if len(config) == 0 {
		return nil, nil
	}
	return json.Marshal(config)
}

func decodeRunConfig(raw string, out *map[string]any) error {
	if raw == "" || raw == "{}" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

const (
	defaultRunPageSize = 50
	maxRunPageSize     = 500
)

var _ runstore.Store = (*RunStore)(nil)
