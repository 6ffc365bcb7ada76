package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence/memory"
)

type recordingInvoker struct {
	mu      sync.Mutex
	actions []string
	batches []int
	err     error
}

func (i *recordingInvoker) Invoke(_ context.Context, action string, batchSize int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.actions = append(i.actions, action)
	i.batches = append(i.batches, batchSize)

	return i.err
}

func (i *recordingInvoker) calls() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]string(nil), i.actions...)
}

func TestHTTPInvokerPostsActionEnvelope(t *testing.T) {
	t.Parallel()

	var received invokeRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(server.URL+"/process-queue", time.Second)

	err := invoker.Invoke(context.Background(), ActionProcessQueue, 25)
	require.NoError(t, err)

	assert.Equal(t, ActionProcessQueue, received.Action)
	assert.Equal(t, 25, received.Payload.BatchSize)
}

func TestHTTPInvokerReturnsErrorOnFailureStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(server.URL, time.Second)

	err := invoker.Invoke(context.Background(), ActionRetryFailed, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestTriggerFiresInBackground(t *testing.T) {
	t.Parallel()

	invoker := &recordingInvoker{}
	trigger := NewTrigger(invoker, 50, slog.Default())

	trigger.TriggerProcessing(context.Background())

	require.Eventually(t, func() bool {
		return len(invoker.calls()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{ActionProcessQueue}, invoker.calls())
}

func TestTriggerSwallowsInvokerFailure(t *testing.T) {
	t.Parallel()

	invoker := &recordingInvoker{err: assert.AnError}
	trigger := NewTrigger(invoker, 50, slog.Default())

	// Must not panic or propagate anything to the caller.
	trigger.TriggerProcessing(context.Background())

	require.Eventually(t, func() bool {
		return len(invoker.calls()) == 1
	}, time.Second, 10*time.Millisecond)
}

type recordingProcessor struct {
	mu      sync.Mutex
	actions []string
}

func (p *recordingProcessor) Process(_ context.Context, _ int) (*models.ProcessingReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actions = append(p.actions, ActionProcessQueue)

	return &models.ProcessingReport{}, nil
}

func (p *recordingProcessor) RetryFailed(_ context.Context, _ int) (*models.ProcessingReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actions = append(p.actions, ActionRetryFailed)

	return &models.ProcessingReport{}, nil
}

func TestLocalInvokerDispatchesActions(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{}
	invoker := NewLocalInvoker(proc)
	ctx := context.Background()

	require.NoError(t, invoker.Invoke(ctx, ActionProcessQueue, 10))
	require.NoError(t, invoker.Invoke(ctx, ActionRetryFailed, 10))
	require.Error(t, invoker.Invoke(ctx, "unknown", 10))

	assert.Equal(t, []string{ActionProcessQueue, ActionRetryFailed}, proc.actions)
}

func TestSweepIsNoOpWithoutDueWork(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	invoker := &recordingInvoker{}
	sweeper := NewSweeper(store, invoker, SweeperConfig{}, slog.Default())

	sweeper.Sweep(context.Background())

	assert.Empty(t, invoker.calls())
}

func TestSweepInvokesProcessorWhenWorkIsDue(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := context.Background()

	_, err := store.Queue().Enqueue(ctx, &models.SyncQueueItem{
		TableName:      "listings",
		RecordID:       "l-1",
		Operation:      models.OperationInsert,
		Payload:        map[string]any{"title": "flat"},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	invoker := &recordingInvoker{}
	sweeper := NewSweeper(store, invoker, SweeperConfig{BatchSize: 20}, slog.Default())

	sweeper.Sweep(ctx)

	require.Equal(t, []string{ActionProcessQueue}, invoker.calls())
	assert.Equal(t, []int{20}, invoker.batches)
}

func TestExecutionSweepIsNoOpWithoutPendingExecutions(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	invoker := &recordingInvoker{}
	sweeper := NewSweeper(store, invoker, SweeperConfig{}, slog.Default())

	sweeper.ExecutionSweep(context.Background())

	assert.Empty(t, invoker.calls())
}

func TestExecutionSweepInvokesRunnerWhenExecutionsArePending(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := context.Background()

	err := store.Executions().Create(ctx, &models.WorkflowExecution{
		ID:           "e-1",
		WorkflowName: "proposal_accepted",
		Status:       models.ExecutionStatusPending,
		TotalSteps:   1,
		InputPayload: map[string]any{},
		Context:      map[string]any{},
	})
	require.NoError(t, err)

	invoker := &recordingInvoker{}
	sweeper := NewSweeper(store, invoker, SweeperConfig{BatchSize: 10}, slog.Default())

	sweeper.ExecutionSweep(ctx)

	require.Equal(t, []string{ActionRunPending}, invoker.calls())
	assert.Equal(t, []int{10}, invoker.batches)
}

func TestCleanupPurgesOldTerminalItems(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	old, err := store.Queue().Enqueue(ctx, &models.SyncQueueItem{
		TableName:      "listings",
		RecordID:       "l-old",
		Operation:      models.OperationInsert,
		Payload:        map[string]any{},
		IdempotencyKey: "key-old",
		CreatedAt:      now.Add(-10 * 24 * time.Hour),
	})
	require.NoError(t, err)

	claimed, err := store.Queue().Claim(ctx, old.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.Queue().MarkCompleted(ctx, old.ID, "", now.Add(-10*24*time.Hour)))

	fresh, err := store.Queue().Enqueue(ctx, &models.SyncQueueItem{
		TableName:      "listings",
		RecordID:       "l-fresh",
		Operation:      models.OperationInsert,
		Payload:        map[string]any{},
		IdempotencyKey: "key-fresh",
		CreatedAt:      now,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(store, &recordingInvoker{}, SweeperConfig{}, slog.Default())
	sweeper.now = func() time.Time { return now }

	sweeper.Cleanup(ctx)

	_, err = store.Queue().GetByID(ctx, old.ID)
	require.Error(t, err)

	_, err = store.Queue().GetByID(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestSweeperScheduleValidation(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	sweeper := NewSweeper(store, &recordingInvoker{}, SweeperConfig{
		SweepSchedule: "not a schedule",
	}, slog.Default())

	err := sweeper.Start(context.Background())
	require.Error(t, err)
}
