package dispatch

import (
	"context"
	"fmt"

	"github.com/leaseloop/leasesync/pkg/models"
)

// QueueProcessor is the in-process surface of the queue processor.
type QueueProcessor interface {
	Process(ctx context.Context, batchSize int) (*models.ProcessingReport, error)
	RetryFailed(ctx context.Context, batchSize int) (*models.ProcessingReport, error)
}

// LocalInvoker calls a processor living in the same process. It is used when
// the API serves both the enqueue endpoint and the processor, so the
// immediate trigger needs no HTTP round trip.
type LocalInvoker struct {
	processor QueueProcessor
}

func NewLocalInvoker(processor QueueProcessor) *LocalInvoker {
	return &LocalInvoker{processor: processor}
}

func (i *LocalInvoker) Invoke(ctx context.Context, action string, batchSize int) error {
	var err error

	switch action {
	case ActionProcessQueue:
		_, err = i.processor.Process(ctx, batchSize)
	case ActionRetryFailed:
		_, err = i.processor.RetryFailed(ctx, batchSize)
	default:
		return fmt.Errorf("unknown dispatch action: %q", action)
	}

	return err
}
