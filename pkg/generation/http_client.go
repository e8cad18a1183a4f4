package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient posts jobs as JSON to a backend endpoint. Requests are
// throttled process-wide.
type HTTPClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client allowing rps requests per second with the
// given burst.
func NewHTTPClient(url string, rps float64, burst int) *HTTPClient {
	return &HTTPClient{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
	}
}

// Request submits req. 2xx is acceptance and 4xx is ErrRejected. Anything
// else, including transport failures, is returned as an ordinary error;
// both cases mean the job will not run.
func (c *HTTPClient) Request(ctx context.Context, req Request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("generation throttle: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode generation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OperationID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post generation request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(body))
	default:
		return fmt.Errorf("generation backend returned HTTP %d", resp.StatusCode)
	}
}
