package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds one analysis call.
const DefaultTimeout = 120 * time.Second

// maxResponseSize caps how much of an answer is read.
const maxResponseSize = 16 << 20

// ErrUpstream wraps network failures and non-2xx answers.
var ErrUpstream = errors.New("webhook upstream failure")

// RunMetadata is sent as the "monitoring" key of a scheduled run.
type RunMetadata struct {
	ItemID         string     `json:"item_id"`
	OwnerID        string     `json:"owner_id"`
	RunNumber      int        `json:"run_number"`
	IntervalHours  float64    `json:"interval_hours"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	IsScheduledRun bool       `json:"is_scheduled_run"`
}

// Request is one analysis call: the stored payload object merged with the
// credential secret and run metadata.
type Request struct {
	Payload json.RawMessage
	APIKey  string
	Run     *RunMetadata
}

// Body builds the JSON body. Payload keys are kept as-is; api_key and
// monitoring overwrite keys of the same name.
func (r Request) Body() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(r.Payload)) > 0 {
		if err := json.Unmarshal(r.Payload, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	key, err := json.Marshal(r.APIKey)
	if err != nil {
		return nil, err
	}
	fields["api_key"] = key

	if r.Run != nil {
		meta, err := json.Marshal(r.Run)
		if err != nil {
			return nil, err
		}
		fields["monitoring"] = meta
	}
	return json.Marshal(fields)
}

// MetricsRecorder is an optional interface for recording call metrics.
type MetricsRecorder interface {
	ObserveWebhook(outcome string, seconds float64)
}

// Client posts analysis requests to the configured webhook.
type Client struct {
	url     string
	client  *http.Client
	metrics MetricsRecorder
}

// NewClient creates a webhook client. A non-positive timeout uses
// DefaultTimeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Invoke posts req and decodes the answer. Any failure, including an empty
// or undecodable 2xx body, is returned as an error.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	res, outcome, err := c.do(httpReq)
	if c.metrics != nil {
		c.metrics.ObserveWebhook(outcome, time.Since(start).Seconds())
	}
	return res, err
}

func (c *Client) do(req *http.Request) (*Result, string, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err), fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyError(err), fmt.Errorf("%w: reading body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "status", fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	res, err := Decode(data)
	switch {
	case errors.Is(err, ErrEmptyBody):
		return nil, "empty", err
	case err != nil:
		return nil, "malformed", err
	}
	return res, "ok", nil
}

// classifyError categorizes an HTTP client error.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
