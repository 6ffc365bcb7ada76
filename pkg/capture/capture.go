// Package capture turns committed row mutations into sync queue items. It
// applies the per-table sync config (operation flags, field filtering, field
// renames), derives idempotency keys and coalesces rapid successive writes
// into a single pending item per record.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/persistence"
)

// ErrNotConfigured is returned when the table has no config, the config is
// disabled, or the mutation's operation flag is off. Producers treat it as a
// no-op, not a failure.
var ErrNotConfigured = errors.New("table is not configured for this operation")

// ErrDuplicateCapture is returned when an identical snapshot was already
// captured under the same idempotency key.
var ErrDuplicateCapture = errors.New("identical change already captured")

// builtinStripFields are bookkeeping columns owned by this system that must
// never reach the external platform. Unknown fields are a hard error on the
// platform side, so the filter errs toward stripping.
var builtinStripFields = map[string]struct{}{
	"created_at": {},
	"updated_at": {},
	"deleted_at": {},
}

const syncFieldPrefix = "sync_"

// ProcessTrigger kicks the queue processor after an enqueue. Implementations
// are fire-and-forget: they never return an error to the capture path.
type ProcessTrigger interface {
	TriggerProcessing(ctx context.Context)
}

// Capturer builds and enqueues sync queue items.
type Capturer struct {
	persistence persistence.Persistence
	trigger     ProcessTrigger
	logger      *slog.Logger
}

// NewCapturer creates a capturer. The trigger may be nil when no immediate
// dispatch is wanted (the backup sweep still picks the items up).
func NewCapturer(p persistence.Persistence, trigger ProcessTrigger, logger *slog.Logger) *Capturer {
	return &Capturer{
		persistence: p,
		trigger:     trigger,
		logger:      logger.With("module", "capture"),
	}
}

// CaptureInsert enqueues a sync item for a newly inserted row.
func (c *Capturer) CaptureInsert(ctx context.Context, table, recordID string, row map[string]any) (*models.SyncQueueItem, error) {
	return c.capture(ctx, table, recordID, models.OperationInsert, row)
}

// CaptureUpdate enqueues a sync item for an updated row.
func (c *Capturer) CaptureUpdate(ctx context.Context, table, recordID string, row map[string]any) (*models.SyncQueueItem, error) {
	return c.capture(ctx, table, recordID, models.OperationUpdate, row)
}

// CaptureDelete enqueues a sync item for a deleted row. The row snapshot may
// be nil; the record id is what the platform needs.
func (c *Capturer) CaptureDelete(ctx context.Context, table, recordID string, row map[string]any) (*models.SyncQueueItem, error) {
	return c.capture(ctx, table, recordID, models.OperationDelete, row)
}

func (c *Capturer) capture(ctx context.Context, table, recordID string, operation models.SyncOperation, row map[string]any) (*models.SyncQueueItem, error) {
	config, err := c.lookupConfig(ctx, table, operation)
	if err != nil {
		return nil, err
	}

	item, err := c.buildItem(config, table, recordID, operation, row)
	if err != nil {
		return nil, err
	}

	stored, err := c.enqueue(ctx, item)
	if err != nil {
		return nil, err
	}

	c.fireTrigger(ctx)

	return stored, nil
}

// CompositePart is one record of a multi-row business action mirrored as a
// unit. Operation defaults to ATOMIC_COMPOSITE when empty.
type CompositePart struct {
	Table     string
	RecordID  string
	Operation models.SyncOperation
	Row       map[string]any
}

// CaptureComposite enqueues every part under one correlation id with
// ascending sequence numbers. Parts on unconfigured tables fail the whole
// capture so the group is never partially enqueued.
func (c *Capturer) CaptureComposite(ctx context.Context, parts []CompositePart, policy models.GroupPolicy) ([]*models.SyncQueueItem, error) {
	if len(parts) == 0 {
		return nil, errors.New("composite capture requires at least one part")
	}

	if policy == "" {
		policy = models.GroupPolicyAllOrNothing
	}

	correlationID := uuid.New().String()

	items := make([]*models.SyncQueueItem, 0, len(parts))

	for i, part := range parts {
		operation := part.Operation
		if operation == "" {
			operation = models.OperationComposite
		}

		config, err := c.lookupConfig(ctx, part.Table, operation)
		if err != nil {
			return nil, fmt.Errorf("composite part %d (%s): %w", i, part.Table, err)
		}

		item, err := c.buildItem(config, part.Table, part.RecordID, operation, part.Row)
		if err != nil {
			return nil, fmt.Errorf("composite part %d (%s): %w", i, part.Table, err)
		}

		item.CorrelationID = correlationID
		item.Sequence = i + 1
		item.GroupPolicy = policy

		items = append(items, item)
	}

	stored := make([]*models.SyncQueueItem, 0, len(items))

	for _, item := range items {
		storedItem, err := c.enqueue(ctx, item)
		if err != nil {
			return stored, fmt.Errorf("failed to enqueue composite member %d: %w", item.Sequence, err)
		}

		stored = append(stored, storedItem)
	}

	c.fireTrigger(ctx)

	return stored, nil
}

func (c *Capturer) lookupConfig(ctx context.Context, table string, operation models.SyncOperation) (*models.SyncConfig, error) {
	config, err := c.persistence.SyncConfigs().GetBySourceTable(ctx, table)
	if err != nil {
		if errors.Is(err, persistence.ErrSyncConfigNotFound) {
			return nil, ErrNotConfigured
		}

		return nil, fmt.Errorf("failed to load sync config for %s: %w", table, err)
	}

	if !config.Enabled || !config.SyncsOperation(operation) {
		return nil, ErrNotConfigured
	}

	return config, nil
}

func (c *Capturer) buildItem(config *models.SyncConfig, table, recordID string, operation models.SyncOperation, row map[string]any) (*models.SyncQueueItem, error) {
	payload := filterPayload(config, row)

	key, err := idempotencyKey(table, recordID, operation, payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate queue item ID: %w", err)
	}

	return &models.SyncQueueItem{
		ID:             id.String(),
		TableName:      table,
		RecordID:       recordID,
		Operation:      operation,
		Payload:        payload,
		Status:         models.QueueStatusPending,
		MaxRetries:     models.DefaultMaxRetries,
		IdempotencyKey: key,
	}, nil
}

func (c *Capturer) enqueue(ctx context.Context, item *models.SyncQueueItem) (*models.SyncQueueItem, error) {
	stored, err := c.persistence.Queue().Enqueue(ctx, item)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateIdempotencyKey) {
			c.logger.InfoContext(ctx, "skipping duplicate capture",
				"table_name", item.TableName,
				"record_id", item.RecordID,
				"operation", item.Operation,
			)

			return nil, ErrDuplicateCapture
		}

		return nil, fmt.Errorf("failed to enqueue sync item: %w", err)
	}

	c.logger.InfoContext(ctx, "captured change",
		"table_name", stored.TableName,
		"record_id", stored.RecordID,
		"operation", stored.Operation,
		"queue_item_id", stored.ID,
	)

	return stored, nil
}

func (c *Capturer) fireTrigger(ctx context.Context) {
	if c.trigger == nil {
		return
	}

	c.trigger.TriggerProcessing(ctx)
}

// filterPayload strips internal bookkeeping fields, applies the config's
// exclusions, drops nil values and renames fields via the config's mapping.
func filterPayload(config *models.SyncConfig, row map[string]any) map[string]any {
	payload := make(map[string]any, len(row))

	excluded := make(map[string]struct{}, len(config.ExcludedFields))
	for _, field := range config.ExcludedFields {
		excluded[field] = struct{}{}
	}

	for field, value := range row {
		if value == nil {
			continue
		}

		if _, ok := builtinStripFields[field]; ok {
			continue
		}

		if strings.HasPrefix(field, syncFieldPrefix) {
			continue
		}

		if _, ok := excluded[field]; ok {
			continue
		}

		if renamed, ok := config.FieldMapping[field]; ok {
			field = renamed
		}

		payload[field] = value
	}

	return payload
}

// idempotencyKey derives a stable key from the logical change and its
// snapshot content, so resubmitting the identical change is detectable.
func idempotencyKey(table, recordID string, operation models.SyncOperation, payload map[string]any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for idempotency key: %w", err)
	}

	digest := sha256.Sum256(payloadJSON)

	seed := fmt.Sprintf("%s:%s:%s:%s", table, recordID, operation, hex.EncodeToString(digest[:]))

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(), nil
}
