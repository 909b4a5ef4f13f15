package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

// WebhookSink forwards data events to an alert-evaluation service with an
// HTTP POST per event.
type WebhookSink struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	EndpointID string          `json:"endpoint_id"`
	DeviceID   string          `json:"device_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	PayloadB64 string          `json:"payload_b64,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewWebhookSink returns a sink posting to url. A nil client uses a client
// with a 5s timeout.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookSink{url: strings.TrimSpace(url), client: client}
}

func (s *WebhookSink) HandleData(ctx context.Context, ev domain.DataEvent) error {
	p := webhookPayload{
		EndpointID: ev.EndpointID,
		DeviceID:   ev.DeviceID,
		Data:       ev.Data,
		ReceivedAt: ev.ReceivedAt.UTC(),
	}
	if len(p.Data) == 0 {
		p.PayloadB64 = base64.StdEncoding.EncodeToString(ev.Payload)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", s.url, resp.StatusCode)
	}
	return nil
}
