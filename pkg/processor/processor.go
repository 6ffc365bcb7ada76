// Package processor drains the sync queue: it claims due items with a
// conditional status update, delivers them to the external platform, applies
// exponential backoff on failure and escalates exhausted items to the
// dead-letter store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/leaseloop/leasesync/pkg/alerts"
	"github.com/leaseloop/leasesync/pkg/eventbus"
	"github.com/leaseloop/leasesync/pkg/events"
	"github.com/leaseloop/leasesync/pkg/models"
	"github.com/leaseloop/leasesync/pkg/otelhelper"
	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/platform"
)

// DefaultBatchSize bounds a single processing run.
const DefaultBatchSize = 50

// Processor executes queue items. Any number of instances may run
// concurrently; the claim transition is the only lease.
type Processor struct {
	persistence persistence.Persistence
	deliverer   platform.Deliverer
	notifier    alerts.Notifier
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithBackoff overrides the retry backoff base and cap.
func WithBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(p *Processor) {
		p.baseDelay = baseDelay
		p.maxDelay = maxDelay
	}
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(p *Processor) {
		p.publisher = publisher
	}
}

// WithTracer attaches a tracer for per-run and per-item spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		p.tracer = tracer
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a processor.
func NewProcessor(
	p persistence.Persistence,
	deliverer platform.Deliverer,
	notifier alerts.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Processor {
	processor := &Processor{
		persistence: p,
		deliverer:   deliverer,
		notifier:    notifier,
		tracer:      noop.NewTracerProvider().Tracer("processor"),
		logger:      logger.With("module", "processor"),
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(processor)
	}

	return processor
}

// Process claims and delivers up to batchSize due items. It is safe to call
// redundantly and concurrently.
func (p *Processor) Process(ctx context.Context, batchSize int) (*models.ProcessingReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	items, err := p.persistence.Queue().FetchDue(ctx, batchSize, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due items: %w", err)
	}

	return p.run(ctx, "process_queue", items)
}

// RetryFailed is Process scoped to failed items whose backoff has elapsed.
func (p *Processor) RetryFailed(ctx context.Context, batchSize int) (*models.ProcessingReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	items, err := p.persistence.Queue().FetchRetryable(ctx, batchSize, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch retryable items: %w", err)
	}

	return p.run(ctx, "retry_failed", items)
}

func (p *Processor) run(ctx context.Context, action string, items []*models.SyncQueueItem) (*models.ProcessingReport, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "queue."+action,
		attribute.Int("leasesync.queue.batch", len(items)),
	)
	defer span.End()

	report := &models.ProcessingReport{}

	abortedGroups := make(map[string]string)

	for _, item := range items {
		// Members of an aborted group were already retired by
		// abortRemainingMembers.
		if item.CorrelationID != "" {
			if _, aborted := abortedGroups[item.CorrelationID]; aborted {
				continue
			}
		}

		outcome := p.processItem(ctx, item, report)

		if outcome != nil && item.CorrelationID != "" && item.GroupPolicy == models.GroupPolicyAllOrNothing {
			reason := fmt.Sprintf("aborted: group member %d failed: %s", item.Sequence, outcome.Error())
			abortedGroups[item.CorrelationID] = reason

			p.abortRemainingMembers(ctx, item, reason, report)
		}
	}

	span.SetAttributes(
		attribute.Int("leasesync.queue.processed", report.Processed),
		attribute.Int("leasesync.queue.succeeded", report.Succeeded),
		attribute.Int("leasesync.queue.failed", report.Failed),
		attribute.Int("leasesync.queue.dead_lettered", report.DeadLettered),
	)

	p.logger.InfoContext(ctx, "queue run finished",
		"action", action,
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"dead_lettered", report.DeadLettered,
	)

	return report, nil
}

// processItem handles one item end to end. It returns the delivery error
// when the attempt failed, nil otherwise.
func (p *Processor) processItem(ctx context.Context, item *models.SyncQueueItem, report *models.ProcessingReport) error {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "queue.item",
		attribute.String(otelhelper.QueueItemIDKey, item.ID),
		attribute.String(otelhelper.TableNameKey, item.TableName),
		attribute.String(otelhelper.OperationKey, string(item.Operation)),
	)
	defer span.End()

	claimed, err := p.persistence.Queue().Claim(ctx, item.ID, item.Status)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to claim item", "queue_item_id", item.ID, "error", err)

		return nil
	}

	if !claimed {
		// Another processor instance got the item, or its group aborted it.
		return nil
	}

	report.Processed++

	config, err := p.lookupConfig(ctx, item)
	if err != nil {
		report.Skipped++

		return nil
	}

	started := p.now()

	response, err := p.deliverer.Deliver(ctx, config, item)
	if err != nil {
		otelhelper.SetError(span, err)

		return p.handleFailure(ctx, item, err, report)
	}

	completedAt := p.now()

	err = p.persistence.Queue().MarkCompleted(ctx, item.ID, response, completedAt)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to mark item completed", "queue_item_id", item.ID, "error", err)

		return nil
	}

	report.Succeeded++

	p.publish(ctx, item.ID, events.SyncItemCompleted{
		BaseEvent:   events.NewBaseEvent(events.SyncItemCompletedEvent),
		QueueItemID: item.ID,
		TableName:   item.TableName,
		RecordID:    item.RecordID,
		Operation:   string(item.Operation),
		DurationMs:  completedAt.Sub(started).Milliseconds(),
	})

	return nil
}

// lookupConfig resolves the item's sync config. A missing or disabled config
// skips the item rather than failing it: retrying cannot help.
func (p *Processor) lookupConfig(ctx context.Context, item *models.SyncQueueItem) (*models.SyncConfig, error) {
	config, err := p.persistence.SyncConfigs().GetBySourceTable(ctx, item.TableName)
	if err != nil {
		if errors.Is(err, persistence.ErrSyncConfigNotFound) {
			p.markSkipped(ctx, item, "sync config removed for table "+item.TableName)

			return nil, err
		}

		p.markSkipped(ctx, item, "failed to load sync config: "+err.Error())

		return nil, err
	}

	if !config.Enabled {
		p.markSkipped(ctx, item, "sync config disabled for table "+item.TableName)

		return nil, errors.New("sync config disabled")
	}

	return config, nil
}

func (p *Processor) handleFailure(ctx context.Context, item *models.SyncQueueItem, deliveryErr error, report *models.ProcessingReport) error {
	retryCount := item.RetryCount + 1

	errorDetails := string(platform.Classify(deliveryErr))

	var platformErr *platform.DeliveryError
	if errors.As(deliveryErr, &platformErr) && platformErr.Body != "" {
		errorDetails = fmt.Sprintf("%s: %s", errorDetails, platformErr.Body)
	}

	if retryCount >= item.MaxRetries {
		p.deadLetter(ctx, item, deliveryErr, errorDetails, retryCount, report)

		return deliveryErr
	}

	nextRetryAt := p.now().Add(NextDelay(p.baseDelay, p.maxDelay, retryCount))

	err := p.persistence.Queue().MarkFailed(ctx, item.ID, deliveryErr.Error(), errorDetails, retryCount, nextRetryAt)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to mark item failed", "queue_item_id", item.ID, "error", err)

		return deliveryErr
	}

	report.Failed++

	p.logger.WarnContext(ctx, "delivery failed, will retry",
		"queue_item_id", item.ID,
		"table_name", item.TableName,
		"record_id", item.RecordID,
		"retry_count", retryCount,
		"next_retry_at", nextRetryAt,
		"error", deliveryErr,
	)

	p.publish(ctx, item.ID, events.SyncItemFailed{
		BaseEvent:   events.NewBaseEvent(events.SyncItemFailedEvent),
		QueueItemID: item.ID,
		TableName:   item.TableName,
		RecordID:    item.RecordID,
		Operation:   string(item.Operation),
		Error:       deliveryErr.Error(),
		RetryCount:  retryCount,
		NextRetryAt: nextRetryAt.Format(time.RFC3339),
	})

	return deliveryErr
}

// deadLetter archives an exhausted item, removes it from the active set and
// alerts the operator channel. The dead-letter row is append-only so the
// failure is never silently lost.
func (p *Processor) deadLetter(ctx context.Context, item *models.SyncQueueItem, deliveryErr error, errorDetails string, retryCount int, report *models.ProcessingReport) {
	deadLetter := &models.DeadLetterItem{
		QueueItemID:    item.ID,
		TableName:      item.TableName,
		RecordID:       item.RecordID,
		Operation:      item.Operation,
		Payload:        item.Payload,
		RetryCount:     retryCount,
		LastError:      deliveryErr.Error(),
		ErrorDetails:   errorDetails,
		CorrelationID:  item.CorrelationID,
		IdempotencyKey: item.IdempotencyKey,
		FailedAt:       p.now(),
	}

	err := p.persistence.DeadLetters().Append(ctx, deadLetter)
	if err != nil {
		// Leave the item failed so the next sweep escalates it again.
		p.logger.ErrorContext(ctx, "failed to append dead letter", "queue_item_id", item.ID, "error", err)

		markErr := p.persistence.Queue().MarkFailed(ctx, item.ID, deliveryErr.Error(), errorDetails, item.RetryCount, p.now())
		if markErr != nil {
			p.logger.ErrorContext(ctx, "failed to restore failed status", "queue_item_id", item.ID, "error", markErr)
		}

		return
	}

	err = p.persistence.Queue().MarkSkipped(ctx, item.ID, "dead-lettered: "+deliveryErr.Error())
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to retire dead-lettered item", "queue_item_id", item.ID, "error", err)
	}

	report.DeadLettered++

	err = p.notifier.Notify(ctx, alerts.Alert{
		DeadLetterID: deadLetter.ID,
		QueueItemID:  item.ID,
		TableName:    item.TableName,
		RecordID:     item.RecordID,
		Operation:    string(item.Operation),
		LastError:    deliveryErr.Error(),
		RetryCount:   retryCount,
		FailedAt:     deadLetter.FailedAt,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to notify operator channel", "queue_item_id", item.ID, "error", err)
	}

	p.publish(ctx, item.ID, events.SyncItemDeadLettered{
		BaseEvent:    events.NewBaseEvent(events.SyncItemDeadLetteredEvent),
		QueueItemID:  item.ID,
		DeadLetterID: deadLetter.ID,
		TableName:    item.TableName,
		RecordID:     item.RecordID,
		Operation:    string(item.Operation),
		LastError:    deliveryErr.Error(),
		RetryCount:   retryCount,
	})
}

// abortRemainingMembers retires the not-yet-processed members of an
// all-or-nothing group after one member failed.
func (p *Processor) abortRemainingMembers(ctx context.Context, failed *models.SyncQueueItem, reason string, report *models.ProcessingReport) {
	members, err := p.persistence.Queue().GroupMembers(ctx, failed.CorrelationID)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to load group members", "correlation_id", failed.CorrelationID, "error", err)

		return
	}

	for _, member := range members {
		if member.Sequence <= failed.Sequence || member.IsTerminal() {
			continue
		}

		p.skipGroupMember(ctx, member, reason, report)
	}
}

func (p *Processor) skipGroupMember(ctx context.Context, member *models.SyncQueueItem, reason string, report *models.ProcessingReport) {
	err := p.persistence.Queue().MarkSkipped(ctx, member.ID, reason)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to skip group member", "queue_item_id", member.ID, "error", err)

		return
	}

	report.Skipped++
}

func (p *Processor) markSkipped(ctx context.Context, item *models.SyncQueueItem, reason string) {
	err := p.persistence.Queue().MarkSkipped(ctx, item.ID, reason)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to mark item skipped", "queue_item_id", item.ID, "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, key string, event eventbus.Event) {
	if p.publisher == nil {
		return
	}

	err := p.publisher.Publish(ctx, key, event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
