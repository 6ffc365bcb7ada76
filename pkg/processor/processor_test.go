package processor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaseloop/leasesync/pkg/alerts"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence/memory"
	"github.com/leaseloop/leasesync/pkg/platform"
)

type scriptedDeliverer struct {
	// failures maps record id to the number of attempts that must fail
	// before a success.
	failures map[string]int
	failWith error
	calls    map[string]int
}

func newScriptedDeliverer() *scriptedDeliverer {
	return &scriptedDeliverer{
		failures: make(map[string]int),
		failWith: &platform.DeliveryError{Endpoint: "/objects/test", StatusCode: 502, Class: platform.ClassTransient},
		calls:    make(map[string]int),
	}
}

func (d *scriptedDeliverer) Deliver(_ context.Context, _ *models.SyncConfig, item *models.SyncQueueItem) (string, error) {
	d.calls[item.RecordID]++

	if remaining := d.failures[item.RecordID]; remaining > 0 {
		d.failures[item.RecordID] = remaining - 1

		return "", d.failWith
	}

	return `{"externalId":"EXT-` + item.RecordID + `"}`, nil
}

type recordingNotifier struct {
	alerts []alerts.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert alerts.Alert) error {
	n.alerts = append(n.alerts, alert)

	return nil
}

type fixture struct {
	processor *Processor
	store     *memory.Persistence
	deliverer *scriptedDeliverer
	notifier  *recordingNotifier
	clock     *time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewPersistence()
	deliverer := newScriptedDeliverer()
	notifier := &recordingNotifier{}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	err := store.SyncConfigs().Save(context.Background(), &models.SyncConfig{
		SourceTable:      "proposals",
		TargetEndpoint:   "/objects/proposal",
		TargetObjectType: "Proposal",
		Enabled:          true,
		SyncOnInsert:     true,
		SyncOnUpdate:     true,
		SyncOnDelete:     true,
	})
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		deliverer: deliverer,
		notifier:  notifier,
		clock:     &now,
	}

	f.processor = NewProcessor(store, deliverer, notifier, slog.Default(),
		WithBackoff(time.Minute, time.Hour),
		WithClock(func() time.Time { return *f.clock }),
	)

	return f
}

func (f *fixture) enqueue(t *testing.T, item *models.SyncQueueItem) *models.SyncQueueItem {
	t.Helper()

	if item.TableName == "" {
		item.TableName = "proposals"
	}

	if item.Operation == "" {
		item.Operation = models.OperationInsert
	}

	if item.Payload == nil {
		item.Payload = map[string]any{"state": "new"}
	}

	if item.IdempotencyKey == "" {
		item.IdempotencyKey = "key-" + item.RecordID + "-" + string(item.Operation)
	}

	item.MaxRetries = models.DefaultMaxRetries
	item.CreatedAt = *f.clock

	stored, err := f.store.Queue().Enqueue(context.Background(), item)
	require.NoError(t, err)

	return stored
}

func (f *fixture) advance(d time.Duration) {
	next := f.clock.Add(d)
	*f.clock = next
}

func TestProcessDeliversPendingItem(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, f.deliverer.calls["p-1"])

	item, err := f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
	assert.NotNil(t, item.ProcessedAt)
	assert.Contains(t, item.ExternalResponse, "EXT-p-1")
}

func TestProcessExactlyOneSuccessCallAcrossRuns(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})

	_, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	// Redundant runs find no due work and never re-deliver.
	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, f.deliverer.calls["p-1"])
}

func TestProcessFailureBacksOffExponentially(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})
	f.deliverer.failures["p-1"] = 2

	// First attempt: retry_count 1, next retry in base*2.
	_, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	item, err := f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextRetryAt)
	assert.Equal(t, f.clock.Add(2*time.Minute), *item.NextRetryAt)
	assert.Equal(t, "transient", item.ErrorDetails)

	// Not yet due: nothing happens.
	f.advance(time.Minute)

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)

	// Second attempt after backoff: retry_count 2, delay doubles.
	f.advance(2 * time.Minute)

	_, err = f.processor.Process(ctx, 10)
	require.NoError(t, err)

	item, err = f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, item.RetryCount)
	assert.Equal(t, f.clock.Add(4*time.Minute), *item.NextRetryAt)

	// Third attempt succeeds.
	f.advance(5 * time.Minute)

	_, err = f.processor.Process(ctx, 10)
	require.NoError(t, err)

	item, err = f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
	assert.Equal(t, 3, f.deliverer.calls["p-1"])
}

func TestProcessDeadLettersExactlyOnce(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})
	f.deliverer.failures["p-1"] = 100

	for i := 0; i < 5; i++ {
		_, err := f.processor.Process(ctx, 10)
		require.NoError(t, err)

		f.advance(time.Hour)
	}

	// MaxRetries attempts total, then the item leaves the active set.
	assert.Equal(t, models.DefaultMaxRetries, f.deliverer.calls["p-1"])

	item, err := f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSkipped, item.Status)

	letters, err := f.store.DeadLetters().List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, stored.ID, letters[0].QueueItemID)
	assert.Equal(t, models.DefaultMaxRetries, letters[0].RetryCount)
	assert.Contains(t, letters[0].ErrorDetails, "transient")

	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, "proposals", f.notifier.alerts[0].TableName)
	assert.Equal(t, "p-1", f.notifier.alerts[0].RecordID)
}

func TestProcessRejectionClassIsRetainedAndRetried(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})
	f.deliverer.failures["p-1"] = 1
	f.deliverer.failWith = &platform.DeliveryError{
		Endpoint:   "/objects/proposal",
		StatusCode: 422,
		Body:       `{"error":"unknown field"}`,
		Class:      platform.ClassRejection,
	}

	_, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	// Rejections are retried like transient failures; the class is kept in
	// the error details for diagnosis.
	item, err := f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Contains(t, item.ErrorDetails, "rejection")
	assert.Contains(t, item.ErrorDetails, "unknown field")

	f.advance(3 * time.Minute)

	_, err = f.processor.Process(ctx, 10)
	require.NoError(t, err)

	item, err = f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
}

func TestProcessAllOrNothingGroupAborts(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	first := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-1", CorrelationID: "corr-1", Sequence: 1,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})
	second := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-2", CorrelationID: "corr-1", Sequence: 2,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})
	third := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-3", CorrelationID: "corr-1", Sequence: 3,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})

	f.deliverer.failures["p-1"] = 1

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)

	// Only the failed member was attempted.
	assert.Equal(t, 1, f.deliverer.calls["p-1"])
	assert.Equal(t, 0, f.deliverer.calls["p-2"])
	assert.Equal(t, 0, f.deliverer.calls["p-3"])

	item, err := f.store.Queue().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, item.Status)

	for _, id := range []string{second.ID, third.ID} {
		item, err := f.store.Queue().GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusSkipped, item.Status)
		assert.Contains(t, item.ErrorMessage, "aborted")
	}
}

func TestProcessHoldsGroupMemberWhileEarlierMemberInFlight(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	first := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-1", CorrelationID: "corr-1", Sequence: 1,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})
	second := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-2", CorrelationID: "corr-1", Sequence: 2,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})

	// Another processor instance is mid-delivery of the first member.
	claimed, err := f.store.Queue().Claim(ctx, first.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	// The second member must wait until the first reaches a terminal state.
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 0, f.deliverer.calls["p-2"])

	item, err := f.store.Queue().GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
}

func TestProcessDeliversGroupStrictlyInSequence(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-1", CorrelationID: "corr-1", Sequence: 1,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})
	second := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-2", CorrelationID: "corr-1", Sequence: 2,
		GroupPolicy: models.GroupPolicyAllOrNothing,
	})

	// One member per run: the second only becomes due once the first
	// completed.
	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, f.deliverer.calls["p-1"])
	assert.Equal(t, 0, f.deliverer.calls["p-2"])

	report, err = f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, f.deliverer.calls["p-2"])

	item, err := f.store.Queue().GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
}

func TestProcessBestEffortGroupContinues(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-1", CorrelationID: "corr-1", Sequence: 1,
		GroupPolicy: models.GroupPolicyBestEffort,
	})
	second := f.enqueue(t, &models.SyncQueueItem{
		RecordID: "p-2", CorrelationID: "corr-1", Sequence: 2,
		GroupPolicy: models.GroupPolicyBestEffort,
	})

	f.deliverer.failures["p-1"] = 1

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)

	item, err := f.store.Queue().GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
}

func TestRetryFailedIgnoresPendingItems(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	pending := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-pending"})
	failing := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-failed"})

	f.deliverer.failures["p-failed"] = 1

	_, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	// p-pending completed, p-failed is waiting for its backoff.
	f.enqueue(t, &models.SyncQueueItem{RecordID: "p-new", IdempotencyKey: "key-new"})
	f.advance(3 * time.Minute)

	report, err := f.processor.RetryFailed(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)

	item, err := f.store.Queue().GetByID(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)

	// The new pending item is untouched by the retry sweep.
	assert.Equal(t, 0, f.deliverer.calls["p-new"])

	_ = pending
}

func TestProcessSkipsItemWhenConfigRemoved(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})

	require.NoError(t, f.store.SyncConfigs().Delete(ctx, "proposals"))

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, f.deliverer.calls["p-1"])

	item, err := f.store.Queue().GetByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSkipped, item.Status)
}

func TestNextDelayCapped(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second
	maxDelay := 10 * time.Minute

	assert.Equal(t, 30*time.Second, NextDelay(base, maxDelay, 0))
	assert.Equal(t, time.Minute, NextDelay(base, maxDelay, 1))
	assert.Equal(t, 2*time.Minute, NextDelay(base, maxDelay, 2))
	assert.Equal(t, 8*time.Minute, NextDelay(base, maxDelay, 4))
	assert.Equal(t, maxDelay, NextDelay(base, maxDelay, 5))
	assert.Equal(t, maxDelay, NextDelay(base, maxDelay, 63))
}

func TestProcessConcurrentClaimIsSafe(t *testing.T) {
	t.Parallel()

	f := setup(t)
	ctx := context.Background()

	stored := f.enqueue(t, &models.SyncQueueItem{RecordID: "p-1"})

	// Simulate another instance having claimed the item already.
	claimed, err := f.store.Queue().Claim(ctx, stored.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	report, err := f.processor.Process(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 0, f.deliverer.calls["p-1"])
}
