package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence/memory"
)

func builtinRegistry(t *testing.T, notificationURL string, capturer *capture.Capturer) *Registry {
	t.Helper()

	registry := NewRegistry()
	RegisterBuiltins(registry, BuiltinConfig{
		NotificationURL: notificationURL,
		Capturer:        capturer,
	}, slog.Default())

	return registry
}

func TestSendNotificationPostsChannelAndMessage(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := builtinRegistry(t, server.URL, nil)

	fn, ok := registry.Get(FuncSendNotification)
	require.True(t, ok)

	result, err := fn(context.Background(), map[string]any{"proposal_id": "p-1"})
	require.NoError(t, err)

	assert.Equal(t, "push", received["channel"])
	assert.Equal(t, map[string]any{"proposal_id": "p-1"}, received["message"])
	assert.Equal(t, http.StatusOK, result["status_code"])
}

func TestSendEmailFailureStatusSurfacesAsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "smtp relay down", http.StatusBadGateway)
	}))
	defer server.Close()

	registry := builtinRegistry(t, server.URL, nil)

	fn, ok := registry.Get(FuncSendEmail)
	require.True(t, ok)

	_, err := fn(context.Background(), map[string]any{"to": "tenant@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPCallUsesMethodAndBodyFromPayload(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)

		var body map[string]any

		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"status": "accepted"}, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"updated":true}`))
	}))
	defer server.Close()

	registry := builtinRegistry(t, "", nil)

	fn, ok := registry.Get(FuncHTTPCall)
	require.True(t, ok)

	result, err := fn(context.Background(), map[string]any{
		"url":    server.URL,
		"method": "put",
		"body":   map[string]any{"status": "accepted"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"updated": true}, result["response"])
}

func TestHTTPCallRequiresURL(t *testing.T) {
	t.Parallel()

	registry := builtinRegistry(t, "", nil)

	fn, ok := registry.Get(FuncHTTPCall)
	require.True(t, ok)

	_, err := fn(context.Background(), map[string]any{"method": "GET"})
	require.Error(t, err)
}

func TestEnqueueSyncPushesOntoQueue(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, store.SyncConfigs().Save(ctx, &models.SyncConfig{
		SourceTable:      "proposals",
		TargetEndpoint:   "/objects/proposal",
		TargetObjectType: "Proposal",
		Enabled:          true,
		SyncOnUpdate:     true,
	}))

	capturer := capture.NewCapturer(store, nil, slog.Default())
	registry := builtinRegistry(t, "", capturer)

	fn, ok := registry.Get(FuncEnqueueSync)
	require.True(t, ok)

	result, err := fn(ctx, map[string]any{
		"table":     "proposals",
		"record_id": "p-1",
		"operation": "update",
		"row":       map[string]any{"status": "accepted"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["enqueued"])
	assert.NotEmpty(t, result["queue_item_id"])

	stats, err := store.Queue().Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, models.QueueStatusPending, stats[0].Status)

	// A duplicate re-capture reports the duplicate instead of failing the step.
	claimed, err := store.Queue().Claim(ctx, result["queue_item_id"].(string), models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.Queue().MarkCompleted(ctx, result["queue_item_id"].(string), "", time.Now().UTC()))

	result, err = fn(ctx, map[string]any{
		"table":     "proposals",
		"record_id": "p-1",
		"operation": "update",
		"row":       map[string]any{"status": "accepted"},
	})
	require.NoError(t, err)
	assert.Equal(t, false, result["enqueued"])
	assert.Equal(t, true, result["duplicate"])
}

func TestEnqueueSyncRejectsUnknownOperation(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	capturer := capture.NewCapturer(store, nil, slog.Default())
	registry := builtinRegistry(t, "", capturer)

	fn, ok := registry.Get(FuncEnqueueSync)
	require.True(t, ok)

	_, err := fn(context.Background(), map[string]any{
		"table":     "proposals",
		"record_id": "p-1",
		"operation": "UPSERT",
	})
	require.Error(t, err)
}

func TestEnqueueSyncIsUnregisteredWithoutCapturer(t *testing.T) {
	t.Parallel()

	registry := builtinRegistry(t, "", nil)

	_, ok := registry.Get(FuncEnqueueSync)
	assert.False(t, ok)
}
