package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leaseloop/leasesync/pkg/capture"
	"github.com/leaseloop/leasesync/pkg/models"
)

// Built-in target function names.
const (
	FuncSendEmail        = "send_email"
	FuncSendNotification = "send_notification"
	FuncHTTPCall         = "http_call"
	FuncEnqueueSync      = "enqueue_sync"
)

const builtinHTTPTimeout = 20 * time.Second

// BuiltinConfig wires the dependencies of the built-in target functions.
type BuiltinConfig struct {
	// NotificationURL receives send_email and send_notification payloads.
	NotificationURL string
	// Capturer serves enqueue_sync steps. Optional.
	Capturer *capture.Capturer
	// HTTPClient is shared by the outbound built-ins. Defaults to a client
	// with a bounded timeout.
	HTTPClient *http.Client
}

// RegisterBuiltins registers the built-in target functions on the registry.
func RegisterBuiltins(registry *Registry, config BuiltinConfig, logger *slog.Logger) {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: builtinHTTPTimeout}
	}

	logger = logger.With("module", "workflow_builtins")

	registry.Register(FuncSendEmail, notificationStep(client, config.NotificationURL, "email"))
	registry.Register(FuncSendNotification, notificationStep(client, config.NotificationURL, "push"))
	registry.Register(FuncHTTPCall, httpCallStep(client))

	if config.Capturer != nil {
		registry.Register(FuncEnqueueSync, enqueueSyncStep(config.Capturer))
	}
}

// notificationStep posts the payload to the notification service tagged with
// a channel.
func notificationStep(client *http.Client, endpoint, channel string) StepFunc {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		body := map[string]any{
			"channel": channel,
			"message": payload,
		}

		result, err := postJSON(ctx, client, endpoint, body)
		if err != nil {
			return nil, fmt.Errorf("notification (%s) failed: %w", channel, err)
		}

		return result, nil
	}
}

// httpCallStep performs an arbitrary HTTP request described by the payload:
// "url" (required), "method" (default POST), "body" (optional object).
func httpCallStep(client *http.Client) StepFunc {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		url, _ := payload["url"].(string)
		if url == "" {
			return nil, errors.New("http_call requires a url")
		}

		method, _ := payload["method"].(string)
		if method == "" {
			method = http.MethodPost
		}

		var reader io.Reader

		if body, ok := payload["body"]; ok {
			bodyJSON, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal http_call body: %w", err)
			}

			reader = bytes.NewReader(bodyJSON)
		}

		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build http_call request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		return doJSON(client, req)
	}
}

// enqueueSyncStep lets a workflow push a record onto the sync queue.
// Expected payload: "table", "record_id", "operation", optional "row".
func enqueueSyncStep(capturer *capture.Capturer) StepFunc {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		table, _ := payload["table"].(string)
		recordID, _ := payload["record_id"].(string)
		operation, _ := payload["operation"].(string)

		if table == "" || recordID == "" {
			return nil, errors.New("enqueue_sync requires table and record_id")
		}

		row, _ := payload["row"].(map[string]any)

		var (
			item *models.SyncQueueItem
			err  error
		)

		switch models.SyncOperation(strings.ToUpper(operation)) {
		case models.OperationInsert:
			item, err = capturer.CaptureInsert(ctx, table, recordID, row)
		case models.OperationUpdate:
			item, err = capturer.CaptureUpdate(ctx, table, recordID, row)
		case models.OperationDelete:
			item, err = capturer.CaptureDelete(ctx, table, recordID, row)
		default:
			return nil, fmt.Errorf("enqueue_sync does not support operation %q", operation)
		}

		if err != nil {
			if errors.Is(err, capture.ErrDuplicateCapture) {
				return map[string]any{"enqueued": false, "duplicate": true}, nil
			}

			return nil, err
		}

		return map[string]any{
			"enqueued":      true,
			"queue_item_id": item.ID,
		}, nil
	}
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body map[string]any) (map[string]any, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return doJSON(client, req)
}

func doJSON(client *http.Client, req *http.Request) (map[string]any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	captured, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request to %s returned status %d: %s", req.URL, resp.StatusCode, string(captured))
	}

	result := map[string]any{"status_code": resp.StatusCode}

	var parsed map[string]any
	if json.Unmarshal(captured, &parsed) == nil {
		result["response"] = parsed
	} else if len(captured) > 0 {
		result["response"] = string(captured)
	}

	return result, nil
}
