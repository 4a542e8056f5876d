package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/5TFG4/weaver/internal/app/strategy"
	"github.com/5TFG4/weaver/internal/domain/envelope"
	"github.com/5TFG4/weaver/internal/domain/runstore"
	"github.com/5TFG4/weaver/internal/infra/bus/eventlog"
	httpserver "github.com/5TFG4/weaver/internal/infra/server/http"
)

// TestRecoveryAbortsStrandedRuns simulates a crash-restart: a run left in
// running by a dead process is moved to error on startup, and the control
// plane refuses to start it again.
func TestRecoveryAbortsStrandedRuns(t *testing.T) {
	ctx := context.Background()
	st := newStack(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	started := now.Add(-time.Minute)
	stranded := runstore.Run{
		ID:            uuid.NewString(),
		StrategyID:    "noop",
		Mode:          runstore.ModePaper,
		Status:        runstore.StatusRunning,
		Symbols:       []string{"AAPL"},
		Timeframe:     "1m",
		Config:        nil,
		CreatedAt:     started,
		StartedAt:     &started,
		StoppedAt:     nil,
		BacktestStart: nil,
		BacktestEnd:   nil,
	}
	require.NoError(t, st.runs.Create(ctx, stranded))

	require.NoError(t, st.manager.Recover(ctx))

	recovered, err := st.manager.Get(ctx, stranded.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusError, recovered.Status)
	require.NotNil(t, recovered.StoppedAt)

	entries, err := st.log.Read(ctx, 0, 8, eventlog.Filter{
		RunID: stranded.ID,
		Types: []envelope.EventType{envelope.TypeRunError},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	payload, ok := entries[0].Envelope.Payload.(envelope.RunErrorPayload)
	require.True(t, ok, "unexpected error payload %T", entries[0].Envelope.Payload)
	require.Equal(t, "recovery_abort", payload.Reason)

	server := httptest.NewServer(httpserver.NewHandler("test", st.manager, st.orders, st.bars, strategy.DefaultRegistry(), nil))
	defer server.Close()

	resp := postJSON(t, server.URL+"/api/v1/runs/"+stranded.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	// Untouched runs survive recovery.
	pending := runstore.Run{
		ID:            uuid.NewString(),
		StrategyID:    "noop",
		Mode:          runstore.ModePaper,
		Status:        runstore.StatusPending,
		Symbols:       []string{"AAPL"},
		Timeframe:     "1m",
		Config:        nil,
		CreatedAt:     now,
		StartedAt:     nil,
		StoppedAt:     nil,
		BacktestStart: nil,
		BacktestEnd:   nil,
	}
	require.NoError(t, st.runs.Create(ctx, pending))
	require.NoError(t, st.manager.Recover(ctx))
	unchanged, err := st.manager.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusPending, unchanged.Status)
}
