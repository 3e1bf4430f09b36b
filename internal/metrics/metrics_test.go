package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBeforeInit_IsNoop(t *testing.T) {
	ctx := context.Background()
	// Instruments may or may not exist depending on test order; either way no panic
	RecordEventPublished(ctx, "task.completed")
	RecordHandlerFailure(ctx, "rules")
	RecordTasksEnabled(ctx, 0, 0)
	RecordRuleAction(ctx, "auto_enable", "applied")
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "metrics-test")
	require.NoError(t, err)
	require.NoError(t, InitInstruments(ctx))

	RecordEventPublished(ctx, "task.completed")
	RecordTasksEnabled(ctx, 2, 0.01)
	RecordRuleAction(ctx, "auto_complete", "noop")

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taskflow_events_published")
}
