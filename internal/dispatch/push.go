package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"feedwatch/internal/config"
	"feedwatch/internal/models"
)

// PushNotifier posts delivery intents as JSON to the configured push
// endpoint. The transport behind the endpoint is opaque to the core.
type PushNotifier struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ Notifier = (*PushNotifier)(nil)

// NewPushNotifier wires the push channel; token may be empty when the
// channel needs no authentication.
func NewPushNotifier(cfg config.NotifyConfig, token string) *PushNotifier {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushNotifier{
		endpoint: cfg.Endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type pushUpdate struct {
	SourceID string `json:"source_id"`
	ItemID   string `json:"item_id"`
	Title    string `json:"title"`
	Topic    string `json:"topic"`
	Summary  string `json:"summary"`
	Link     string `json:"link,omitempty"`
}

type pushPayload struct {
	ReferenceID  string       `json:"reference_id"`
	SubscriberID string       `json:"subscriber_id"`
	Timestamp    string       `json:"timestamp"`
	Count        int          `json:"count"`
	Updates      []pushUpdate `json:"updates"`
}

// Send delivers one intent; a non-2xx response is a delivery failure.
func (p *PushNotifier) Send(ctx context.Context, intent models.DeliveryIntent) error {
	if strings.TrimSpace(p.endpoint) == "" {
		return fmt.Errorf("push endpoint is not configured")
	}

	payload := pushPayload{
		ReferenceID:  intent.ReferenceID,
		SubscriberID: intent.SubscriberID,
		Timestamp:    intent.CreatedAt.UTC().Format(time.RFC3339),
		Count:        len(intent.Updates),
	}
	for _, u := range intent.Updates {
		payload.Updates = append(payload.Updates, pushUpdate{
			SourceID: u.SourceID,
			ItemID:   u.ItemID,
			Title:    u.Title,
			Topic:    u.Topic,
			Summary:  u.Summary,
			Link:     u.Link,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("push channel error %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return nil
}
