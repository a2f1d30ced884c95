package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MsgQueue/internal/models"
)

// DefaultWebhookTimeout bounds one webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookProcessFunc returns a ProcessFunc that POSTs each entry as JSON to url. Any non-2xx
// response is a failure and schedules a retry.
func WebhookProcessFunc(client *http.Client, url string) ProcessFunc {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return func(ctx context.Context, entry models.QueueEntry) error {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Queue-Direction", string(entry.Direction))
		req.Header.Set("X-Queue-Entry-Id", entry.ID)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		slog.Debug("WebhookProcessFunc: delivered", "id", entry.ID, "status", resp.StatusCode)
		return nil
	}
}

// LogProcessFunc returns a ProcessFunc that only logs each entry. It is the fallback when no
// webhook is configured.
func LogProcessFunc(log Logger) ProcessFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, entry models.QueueEntry) error {
		log.Info("Processing queue entry",
			"id", entry.ID,
			"direction", entry.Direction,
			"sessionID", entry.SessionID,
			"channel", entry.Channel,
			"retryCount", entry.RetryCount)
		return nil
	}
}
