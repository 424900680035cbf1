package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBody = 1024

// HTTPPublisher posts each envelope to baseURL/<topic>.
type HTTPPublisher struct {
	client  *http.Client
	baseURL string
}

// NewHTTPPublisher builds a webhook publisher. The dispatcher already bounds
// each publish with a context deadline; timeout is a backstop.
func NewHTTPPublisher(baseURL string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	endpoint := p.baseURL + "/" + url.PathEscape(topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return Permanent(fmt.Errorf("outbox/http: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wasteops-outbox/1.0")
	req.Header.Set("Idempotency-Key", msg.ID)
	req.Header.Set("X-Event-ID", msg.ID)
	req.Header.Set("X-Event-Type", msg.EventType)
	req.Header.Set("X-Tenant-ID", msg.TenantID)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox/http: post %s: %w", topic, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("outbox/http: %s returned %d", topic, code)
	case code >= 400 && code < 500:
		// Client errors do not self-correct on retry.
		return Permanent(fmt.Errorf("outbox/http: %s returned %d: %s", topic, code, strings.TrimSpace(string(body))))
	default:
		return fmt.Errorf("outbox/http: %s returned %d", topic, code)
	}
}
