// Package dispatch converges the two processing triggers on the queue
// processor: the fire-and-forget immediate trigger after an enqueue and the
// periodic backup sweeps.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// ActionProcessQueue drains everything due.
	ActionProcessQueue = "process_queue"
	// ActionRetryFailed drains only failed items whose backoff elapsed.
	ActionRetryFailed = "retry_failed"
	// ActionRunPending restarts pending workflow executions.
	ActionRunPending = "run_pending_executions"

	defaultTriggerTimeout = 10 * time.Second
)

// Invoker kicks the queue processor with an action and a batch-size hint.
type Invoker interface {
	Invoke(ctx context.Context, action string, batchSize int) error
}

type invokeRequest struct {
	Action  string        `json:"action"`
	Payload invokePayload `json:"payload"`
}

type invokePayload struct {
	BatchSize int `json:"batchSize"`
}

// HTTPInvoker posts to the processor's HTTP endpoint. It is the production
// invoker for producers that run outside the processor's process.
type HTTPInvoker struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPInvoker(endpoint string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}

	return &HTTPInvoker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, action string, batchSize int) error {
	body, err := json.Marshal(invokeRequest{
		Action:  action,
		Payload: invokePayload{BatchSize: batchSize},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build invoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to invoke processor: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("processor endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// Trigger is the immediate, fire-and-forget dispatch path used right after an
// enqueue. Failures are swallowed and logged so the producer's transaction is
// never affected; the backup sweep is the correctness backstop.
type Trigger struct {
	invoker   Invoker
	batchSize int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewTrigger(invoker Invoker, batchSize int, logger *slog.Logger) *Trigger {
	return &Trigger{
		invoker:   invoker,
		batchSize: batchSize,
		timeout:   defaultTriggerTimeout,
		logger:    logger.With("module", "dispatch"),
	}
}

// TriggerProcessing kicks the processor in the background.
func (t *Trigger) TriggerProcessing(ctx context.Context) {
	// Detach from the caller's lifetime: the enqueue transaction must not
	// wait on, or be failed by, the dispatch call.
	detached := context.WithoutCancel(ctx)

	go func() {
		callCtx, cancel := context.WithTimeout(detached, t.timeout)
		defer cancel()

		err := t.invoker.Invoke(callCtx, ActionProcessQueue, t.batchSize)
		if err != nil {
			t.logger.WarnContext(callCtx, "immediate trigger failed, sweep will pick up the work", "error", err)
		}
	}()
}
