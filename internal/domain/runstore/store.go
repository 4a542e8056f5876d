// Package runstore defines persistence contracts for run lifecycle state.
package runstore

import (
	"context"
	"errors"
	"time"
)

// Mode selects the execution venue for a run.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Status is one node of the run state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is sticky.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// ValidMode reports whether the mode is one of the supported values.
func ValidMode(mode Mode) bool {
	switch mode {
	case ModeLive, ModePaper, ModeBacktest:
		return true
	default:
		return false
	}
}

// Run is the persisted snapshot of one strategy execution.
type Run struct {
	ID            string         `json:"id"`
	StrategyID    string         `json:"strategy_id"`
	Mode          Mode           `json:"mode"`
	Status        Status         `json:"status"`
	Symbols       []string       `json:"symbols"`
	Timeframe     string         `json:"timeframe"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	StoppedAt     *time.Time     `json:"stopped_at,omitempty"`
	BacktestStart *time.Time     `json:"backtest_start,omitempty"`
	BacktestEnd   *time.Time     `json:"backtest_end,omitempty"`
}

// Query scopes run listings.
type Query struct {
	Status   Status `json:"status,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// ErrNotFound reports a lookup for an unknown run id.
var ErrNotFound = errors.New("run not found")

// ErrStatusConflict reports a guarded transition whose precondition status no
// longer holds.
var ErrStatusConflict = errors.New("run status conflict")

// Store defines the contract for run persistence operations.
type Store interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	List(ctx context.Context, query Query) ([]Run, int, error)
	// Transition performs a compare-and-set status update, recording the
	// transition timestamp. ErrStatusConflict when the run is not in from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
	ListByStatus(ctx context.Context, status Status) ([]Run, error)
}
