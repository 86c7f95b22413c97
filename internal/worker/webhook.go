package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/models"
)

const maxWebhookResponse = 1 << 20

// WebhookHandler hands jobs to an external generation service over HTTP.
type WebhookHandler struct {
	url        string
	httpClient *http.Client
}

type webhookRequest struct {
	Job   models.Job    `json:"job"`
	Order *models.Order `json:"order,omitempty"`
}

// webhookResponse lets the service report intermediate events it produced
// along with the final summary.
type webhookResponse struct {
	Events []struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"events"`
	Summary json.RawMessage `json:"summary"`
}

func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookHandler{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Handle POSTs the job. 4xx responses other than 408 and 429 are permanent
// failures; everything else is retried.
func (h *WebhookHandler) Handle(ctx context.Context, task Task) (json.RawMessage, error) {
	body, err := json.Marshal(webhookRequest{Job: task.Job, Order: task.Order})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "job-"+strconv.FormatInt(task.Job.ID, 10)+"-"+strconv.Itoa(task.Job.Attempts))
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call generation service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("generation service: status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, Permanent(fmt.Errorf("generation service rejected job: status %d: %s", resp.StatusCode, truncate(data, 256)))
	}
	if len(data) > maxWebhookResponse {
		return nil, Permanent(fmt.Errorf("response too large (>%d bytes)", maxWebhookResponse))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var out webhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Permanent(fmt.Errorf("decode response: %w", err))
	}
	for _, ev := range out.Events {
		if ev.Type == "" {
			continue
		}
		if err := task.Progress(ctx, ev.Type, ev.Payload); err != nil {
			return nil, err
		}
	}
	return out.Summary, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
