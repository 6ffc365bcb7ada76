package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"workflow_executions", "workflow_definitions", "dead_letters", "sync_queue", "sync_configs", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("leasesync_test"),
			postgres.WithUsername("leasesync"),
			postgres.WithPassword("leasesync"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func pendingItem(table, record, key string) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		TableName:      table,
		RecordID:       record,
		Operation:      models.OperationInsert,
		Payload:        map[string]any{"title": "Sunny flat"},
		IdempotencyKey: key,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"sync_configs", "sync_queue", "dead_letters", "workflow_definitions", "workflow_executions"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table+" table should exist")
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestSyncConfigRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	config := &models.SyncConfig{
		SourceTable:      "listings",
		TargetEndpoint:   "/objects/listing",
		TargetObjectType: "Listing",
		Enabled:          true,
		SyncOnInsert:     true,
		SyncOnUpdate:     true,
		FieldMapping:     map[string]string{"monthly_rent": "rentAmount"},
		ExcludedFields:   []string{"internal_score"},
	}

	require.NoError(t, p.SyncConfigs().Save(ctx, config))

	stored, err := p.SyncConfigs().GetBySourceTable(ctx, "listings")
	require.NoError(t, err)
	assert.Equal(t, "Listing", stored.TargetObjectType)
	assert.Equal(t, map[string]string{"monthly_rent": "rentAmount"}, stored.FieldMapping)
	assert.Equal(t, []string{"internal_score"}, stored.ExcludedFields)

	// Saving the same source table replaces the policy instead of adding a row.
	config.TargetObjectType = "RentalListing"
	require.NoError(t, p.SyncConfigs().Save(ctx, config))

	configs, err := p.SyncConfigs().List(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "RentalListing", configs[0].TargetObjectType)

	require.NoError(t, p.SyncConfigs().Delete(ctx, "listings"))

	_, err = p.SyncConfigs().GetBySourceTable(ctx, "listings")
	require.ErrorIs(t, err, persistence.ErrSyncConfigNotFound)
}

func TestQueueRepository_EnqueueAndFetch(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	item, err := p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, models.DefaultMaxRetries, item.MaxRetries)

	stored, err := p.Queue().GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "l-1", stored.RecordID)
	assert.Equal(t, map[string]any{"title": "Sunny flat"}, stored.Payload)

	due, err := p.Queue().FetchDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, item.ID, due[0].ID)
}

func TestQueueRepository_CoalescesPendingWrites(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	first, err := p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.NoError(t, err)

	second := pendingItem("listings", "l-1", "key-2")
	second.Operation = models.OperationUpdate
	second.Payload = map[string]any{"title": "Renovated flat"}

	stored, err := p.Queue().Enqueue(ctx, second)
	require.NoError(t, err)

	// The pending row absorbed the newer snapshot.
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, models.OperationUpdate, stored.Operation)
	assert.Equal(t, map[string]any{"title": "Renovated flat"}, stored.Payload)

	due, err := p.Queue().FetchDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestQueueRepository_DuplicateIdempotencyKey(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	item, err := p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.NoError(t, err)

	// Retire the pending row so the coalescing path no longer matches.
	claimed, err := p.Queue().Claim(ctx, item.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, p.Queue().MarkCompleted(ctx, item.ID, `{"ok":true}`, time.Now().UTC()))

	_, err = p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.ErrorIs(t, err, persistence.ErrDuplicateIdempotencyKey)
}

func TestQueueRepository_ClaimIsExclusive(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	item, err := p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.NoError(t, err)

	claimed, err := p.Queue().Claim(ctx, item.ID, models.QueueStatusPending)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim against the original status loses.
	claimed, err = p.Queue().Claim(ctx, item.ID, models.QueueStatusPending)
	require.NoError(t, err)
	assert.False(t, claimed)

	stored, err := p.Queue().GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusProcessing, stored.Status)
}

func TestQueueRepository_FailedItemsBecomeDueAfterBackoff(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	item, err := p.Queue().Enqueue(ctx, pendingItem("listings", "l-1", "key-1"))
	require.NoError(t, err)

	claimed, err := p.Queue().Claim(ctx, item.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	now := time.Now().UTC()
	retryAt := now.Add(2 * time.Minute)

	require.NoError(t, p.Queue().MarkFailed(ctx, item.ID, "platform returned 502", "transient", 1, retryAt))

	// Not due before the backoff window elapses.
	due, err := p.Queue().FetchDue(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	hasWork, err := p.Queue().HasDueWork(ctx, now)
	require.NoError(t, err)
	assert.False(t, hasWork)

	// Due once it has.
	due, err = p.Queue().FetchDue(ctx, 10, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.QueueStatusFailed, due[0].Status)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, "platform returned 502", due[0].ErrorMessage)

	retryable, err := p.Queue().FetchRetryable(ctx, 10, retryAt.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, retryable, 1)
}

func TestQueueRepository_GroupMembersOrderedBySequence(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	correlationID := uuid.New().String()

	for i, record := range []string{"lease-1", "invoice-1", "deposit-1"} {
		item := pendingItem("lease_agreements", record, "key-"+record)
		item.Operation = models.OperationComposite
		item.CorrelationID = correlationID
		item.Sequence = i + 1
		item.GroupPolicy = models.GroupPolicyAllOrNothing

		_, err := p.Queue().Enqueue(ctx, item)
		require.NoError(t, err)
	}

	members, err := p.Queue().GroupMembers(ctx, correlationID)
	require.NoError(t, err)
	require.Len(t, members, 3)

	for i, member := range members {
		assert.Equal(t, i+1, member.Sequence)
		assert.Equal(t, models.GroupPolicyAllOrNothing, member.GroupPolicy)
	}
}

func TestQueueRepository_FetchDueHoldsBackTrailingGroupMembers(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	correlationID := uuid.New().String()

	var ids []string

	for i, record := range []string{"lease-1", "invoice-1"} {
		item := pendingItem("lease_agreements", record, "key-order-"+record)
		item.Operation = models.OperationComposite
		item.CorrelationID = correlationID
		item.Sequence = i + 1
		item.GroupPolicy = models.GroupPolicyAllOrNothing

		stored, err := p.Queue().Enqueue(ctx, item)
		require.NoError(t, err)

		ids = append(ids, stored.ID)
	}

	// Only the head of the group is due while later members wait their turn.
	due, err := p.Queue().FetchDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ids[0], due[0].ID)

	// A claimed head keeps the rest of the group held back.
	claimed, err := p.Queue().Claim(ctx, ids[0], models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	due, err = p.Queue().FetchDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	hasWork, err := p.Queue().HasDueWork(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, hasWork)

	// Completing the head releases the next member.
	require.NoError(t, p.Queue().MarkCompleted(ctx, ids[0], "", time.Now().UTC()))

	due, err = p.Queue().FetchDue(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ids[1], due[0].ID)
}

func TestQueueRepository_StatsAndPurge(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	old := pendingItem("listings", "l-old", "key-old")
	old.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)

	oldStored, err := p.Queue().Enqueue(ctx, old)
	require.NoError(t, err)

	claimed, err := p.Queue().Claim(ctx, oldStored.ID, models.QueueStatusPending)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, p.Queue().MarkCompleted(ctx, oldStored.ID, "", time.Now().UTC()))

	_, err = p.Queue().Enqueue(ctx, pendingItem("listings", "l-fresh", "key-fresh"))
	require.NoError(t, err)

	stats, err := p.Queue().Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	now := time.Now().UTC()

	purged, err := p.Queue().PurgeTerminal(ctx, now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = p.Queue().GetByID(ctx, oldStored.ID)
	require.ErrorIs(t, err, persistence.ErrQueueItemNotFound)
}

func TestDeadLetterRepository_AppendAndList(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	for i, record := range []string{"l-1", "l-2", "l-3"} {
		err := p.DeadLetters().Append(ctx, &models.DeadLetterItem{
			QueueItemID:    uuid.New().String(),
			TableName:      "listings",
			RecordID:       record,
			Operation:      models.OperationInsert,
			Payload:        map[string]any{"title": "flat"},
			RetryCount:     3,
			LastError:      "platform returned 502",
			ErrorDetails:   "transient",
			IdempotencyKey: "key-" + record,
			FailedAt:       time.Now().UTC().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	letters, err := p.DeadLetters().List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)

	// Newest first.
	assert.Equal(t, "l-3", letters[0].RecordID)
	assert.Equal(t, "l-2", letters[1].RecordID)

	rest, err := p.DeadLetters().List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "l-1", rest[0].RecordID)
}

func testDefinition(name string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name: name,
		Steps: []models.WorkflowStep{
			{
				Name:           "notify",
				TargetFunction: "send_notification",
				Action:         "proposal_accepted",
				OnFailure:      models.FailurePolicyAbort,
			},
		},
		RequiredFields: []string{"proposal_id"},
		MaxRetries:     2,
		Active:         true,
	}
}

func TestWorkflowDefinitionRepository_Versioning(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	first := testDefinition("proposal_accepted")
	require.NoError(t, p.WorkflowDefinitions().Save(ctx, first))
	assert.Equal(t, 1, first.Version)

	second := testDefinition("proposal_accepted")
	second.Steps[0].Name = "notify_v2"
	require.NoError(t, p.WorkflowDefinitions().Save(ctx, second))
	assert.Equal(t, 2, second.Version)

	active, err := p.WorkflowDefinitions().GetActive(ctx, "proposal_accepted")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, "notify_v2", active.Steps[0].Name)

	// The old version stays readable for executions pinned to it.
	pinned, err := p.WorkflowDefinitions().GetVersion(ctx, "proposal_accepted", 1)
	require.NoError(t, err)
	assert.Equal(t, "notify", pinned.Steps[0].Name)
	assert.False(t, pinned.Active)

	listed, err := p.WorkflowDefinitions().List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 2, listed[0].Version)

	_, err = p.WorkflowDefinitions().GetActive(ctx, "unknown")
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func testExecution(correlationID string) *models.WorkflowExecution {
	return &models.WorkflowExecution{
		ID:              uuid.New().String(),
		WorkflowName:    "proposal_accepted",
		WorkflowVersion: 1,
		Status:          models.ExecutionStatusPending,
		TotalSteps:      2,
		InputPayload:    map[string]any{"proposal_id": "p-1"},
		Context:         map[string]any{},
		CorrelationID:   correlationID,
	}
}

func TestExecutionRepository_CreateAndClaim(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := testExecution("corr-1")
	require.NoError(t, p.Executions().Create(ctx, execution))

	stored, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, stored.Status)
	assert.Equal(t, map[string]any{"proposal_id": "p-1"}, stored.InputPayload)

	claimed, err := p.Executions().ClaimRunning(ctx, execution.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = p.Executions().ClaimRunning(ctx, execution.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestExecutionRepository_CorrelationIDIsUnique(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	require.NoError(t, p.Executions().Create(ctx, testExecution("corr-1")))

	err := p.Executions().Create(ctx, testExecution("corr-1"))
	require.ErrorIs(t, err, persistence.ErrDuplicateCorrelation)

	found, err := p.Executions().GetByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", found.CorrelationID)
}

func TestExecutionRepository_CancelWinsOverEngineProgress(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	execution := testExecution("corr-1")
	require.NoError(t, p.Executions().Create(ctx, execution))

	claimed, err := p.Executions().ClaimRunning(ctx, execution.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	cancelled, err := p.Executions().Cancel(ctx, execution.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, cancelled)

	// An engine update racing the cancel must not resurrect the execution.
	execution.Status = models.ExecutionStatusRunning
	execution.CurrentStep = 1
	require.NoError(t, p.Executions().Update(ctx, execution))

	stored, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)

	// Cancelling a terminal execution reports false.
	cancelled, err = p.Executions().Cancel(ctx, execution.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestExecutionRepository_ListPending(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	oldest := testExecution("corr-1")
	oldest.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, p.Executions().Create(ctx, oldest))

	newest := testExecution("corr-2")
	require.NoError(t, p.Executions().Create(ctx, newest))

	running := testExecution("corr-3")
	require.NoError(t, p.Executions().Create(ctx, running))

	claimed, err := p.Executions().ClaimRunning(ctx, running.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	pending, err := p.Executions().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, oldest.ID, pending[0].ID)
	assert.Equal(t, newest.ID, pending[1].ID)
}
