package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"settlement-service/internal/config"
	"settlement-service/internal/fault"
	"settlement-service/internal/signature"
)

const (
	defaultTimeoutMs = 10_000

	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Webhook-Signature"
)

// Sender posts signed event payloads to subscriber endpoints. Every request
// is bounded by the configured timeout; a timeout counts as a transport
// failure for retry purposes.
type Sender struct {
	client *http.Client
}

func NewSender() *Sender {
	timeout := time.Duration(config.GetInt("WEBHOOK_TIMEOUT_MS", defaultTimeoutMs)) * time.Millisecond
	return &Sender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send delivers the payload and returns the HTTP status code received, or 0
// on transport failure. A non-2xx response is reported as an error.
func (s *Sender) Send(ctx context.Context, url, payload, secret string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature.Sign([]byte(payload), secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fault.Delivery("transport_failure", err.Error())
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fault.Delivery("error_response", fmt.Sprintf("error response: %s", resp.Status))
	}

	return resp.StatusCode, nil
}
