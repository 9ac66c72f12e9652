package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailwatch/mailsync-worker/internal/service"
)

// Client delivers change payloads to the downstream relay endpoint over
// HTTP. Failures are classified so the dispatcher can tell a retryable
// outage from a rejection that will never succeed.
type Client struct {
	endpoint   string
	apiKey     string
	target     string
	httpClient *http.Client
}

func NewClient(endpoint, apiKey, target string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		target:   target,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Target identifies the downstream this client delivers to, used to key
// circuit breaker state.
func (c *Client) Target() string {
	return c.target
}

// Send posts one payload to the relay. A nil return means the relay
// acknowledged the delivery.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &service.SendError{
			Kind: service.FailurePermanent,
			Err:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are worth retrying.
		return &service.SendError{
			Kind: service.FailureTransient,
			Err:  fmt.Errorf("failed to send request: %w", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("relay returned status %d: %s", resp.StatusCode, string(body))

	return &service.SendError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Err:        err,
	}
}

// classifyStatus decides whether an HTTP status is worth another attempt.
// Server-side errors, timeouts and throttling are transient; any other
// client error means the payload itself was rejected.
func classifyStatus(status int) service.FailureKind {
	switch {
	case status >= 500:
		return service.FailureTransient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return service.FailureTransient
	default:
		return service.FailurePermanent
	}
}
