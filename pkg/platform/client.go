// Package platform holds the HTTP client for the legacy external application
// platform that queue items are delivered to.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/leaseloop/leasesync/pkg/models"
)

const (
	defaultTimeout     = 25 * time.Second
	maxCapturedBody    = 8 * 1024
	headerContentType  = "Content-Type"
	contentTypeJSON    = "application/json"
	headerIdempotency  = "X-Idempotency-Key"
	headerCorrelation  = "X-Correlation-Id"
	statusTooManyReqs  = http.StatusTooManyRequests
	statusServerErrLow = 500
)

// Deliverer pushes one captured change to the external platform.
type Deliverer interface {
	Deliver(ctx context.Context, config *models.SyncConfig, item *models.SyncQueueItem) (string, error)
}

// Client is the HTTP Deliverer. The base URL points at the platform's
// ingestion API; per-config target endpoints are resolved against it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a platform client with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("module", "platform"),
	}
}

type deliveryEnvelope struct {
	ObjectType string         `json:"objectType"`
	Operation  string         `json:"operation"`
	RecordID   string         `json:"recordId"`
	Payload    map[string]any `json:"payload"`
}

// Deliver posts the item's payload to the config's target endpoint. It
// returns the captured response body on success. Failures carry a
// classification: network errors, timeouts, 5xx and 429 are transient; other
// 4xx responses are rejections. Both classes are retried by the processor,
// the class only drives diagnostics.
func (c *Client) Deliver(ctx context.Context, config *models.SyncConfig, item *models.SyncQueueItem) (string, error) {
	body, err := json.Marshal(deliveryEnvelope{
		ObjectType: config.TargetObjectType,
		Operation:  string(item.Operation),
		RecordID:   item.RecordID,
		Payload:    item.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal delivery envelope: %w", err)
	}

	url := c.baseURL + config.TargetEndpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build platform request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerIdempotency, item.IdempotencyKey)

	if item.CorrelationID != "" {
		req.Header.Set(headerCorrelation, item.CorrelationID)
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &DeliveryError{
			Endpoint: config.TargetEndpoint,
			Class:    ClassTransient,
			Err:      err,
		}
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to close platform response body", "error", err)
		}
	}()

	captured, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	if err != nil {
		return "", &DeliveryError{
			Endpoint:   config.TargetEndpoint,
			StatusCode: resp.StatusCode,
			Class:      ClassTransient,
			Err:        fmt.Errorf("failed to read platform response: %w", err),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.InfoContext(ctx, "delivered item to platform",
			"endpoint", config.TargetEndpoint,
			"record_id", item.RecordID,
			"status", resp.StatusCode,
			"duration_ms", time.Since(started).Milliseconds(),
		)

		return string(captured), nil
	}

	return "", &DeliveryError{
		Endpoint:   config.TargetEndpoint,
		StatusCode: resp.StatusCode,
		Body:       string(captured),
		Class:      classify(resp.StatusCode),
	}
}

func classify(statusCode int) ErrorClass {
	if statusCode >= statusServerErrLow || statusCode == statusTooManyReqs {
		return ClassTransient
	}

	return ClassRejection
}
