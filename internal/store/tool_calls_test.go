// ABOUTME: Tests for batched audit inserts and the analytics queries
// ABOUTME: Verifies the minimum-call floors for slow/error-prone rankings

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func insertCalls(t *testing.T, st *SQLiteStore, server, tool string, count int, dur time.Duration, status ToolCallStatus) {
	t.Helper()
	calls := make([]*ToolCallRecord, 0, count)
	for range count {
		calls = append(calls, &ToolCallRecord{
			ServerName: server,
			ToolName:   tool,
			Arguments:  strPtr(`{"x":1}`),
			Duration:   dur,
			Status:     status,
		})
	}
	require.NoError(t, st.InsertToolCalls(context.Background(), calls))
}

func TestInsertToolCalls_Batch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertCalls(t, store, "calc", "add", 3, 12*time.Millisecond, ToolCallSuccess)

	analytics, err := store.Analytics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(3), analytics.TotalCalls)
	assert.Equal(t, int64(0), analytics.TotalErrors)
	require.Len(t, analytics.MostUsed, 1)
	assert.Equal(t, "calc", analytics.MostUsed[0].ServerName)
	assert.Equal(t, "add", analytics.MostUsed[0].ToolName)
	assert.Equal(t, int64(3), analytics.MostUsed[0].Calls)
}

func TestInsertToolCalls_EmptyBatch(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.InsertToolCalls(context.Background(), nil))
}

func TestAnalytics_SlowestRequiresSixCalls(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertCalls(t, store, "calc", "add", 5, 900*time.Millisecond, ToolCallSuccess)
	insertCalls(t, store, "calc", "sub", 6, 400*time.Millisecond, ToolCallSuccess)

	analytics, err := store.Analytics(ctx, 24)
	require.NoError(t, err)
	require.Len(t, analytics.Slowest, 1)
	assert.Equal(t, "sub", analytics.Slowest[0].ToolName)
}

func TestAnalytics_ErrorProneRequiresElevenCalls(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertCalls(t, store, "calc", "add", 10, time.Millisecond, ToolCallError)
	insertCalls(t, store, "calc", "sub", 8, time.Millisecond, ToolCallError)
	insertCalls(t, store, "calc", "sub", 3, time.Millisecond, ToolCallSuccess)

	analytics, err := store.Analytics(ctx, 24)
	require.NoError(t, err)
	require.Len(t, analytics.ErrorProne, 1)
	assert.Equal(t, "sub", analytics.ErrorProne[0].ToolName)
	assert.InDelta(t, 8.0/11.0, analytics.ErrorProne[0].ErrorRate, 0.001)
	assert.Equal(t, int64(21), analytics.TotalCalls)
	assert.Equal(t, int64(18), analytics.TotalErrors)
}

func TestCleanupToolCalls(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := &ToolCallRecord{
		ServerName: "calc",
		ToolName:   "add",
		Duration:   time.Millisecond,
		Status:     ToolCallSuccess,
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -40),
	}
	recent := &ToolCallRecord{
		ServerName: "calc",
		ToolName:   "add",
		Duration:   time.Millisecond,
		Status:     ToolCallSuccess,
	}
	require.NoError(t, store.InsertToolCalls(ctx, []*ToolCallRecord{old, recent}))

	n, err := store.CleanupToolCalls(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
