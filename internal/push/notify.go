package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"arrowmesh/internal/orchestration"
	"arrowmesh/internal/store"
)

// HTTPNotifier delivers orchestration results to subscriber endpoints
// over HTTP or HTTPS. Delivery is a single attempt; failures are
// reported to the caller and never retried.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier creates a notifier with the given per-delivery timeout.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Notify POSTs the orchestration response to the subscription's
// notification endpoint.
func (n *HTTPNotifier) Notify(ctx context.Context, sub *store.Subscription, resp *orchestration.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	url := fmt.Sprintf("%s://%s:%d%s", sub.NotifyProtocol, sub.NotifyAddress, sub.NotifyPort, sub.NotifyPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification to %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// Drain a little of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("notification endpoint %s returned status %d: %s", url, res.StatusCode, snippet)
	}

	return nil
}
