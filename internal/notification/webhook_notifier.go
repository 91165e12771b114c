package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

// WebhookNotifier posts job notifications to the platform webapp so the UI
// can surface them.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(webappURL string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    strings.TrimRight(webappURL, "/") + "/api/notifications",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notif models.Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

func (n *WebhookNotifier) String() string { return "webhook" }
