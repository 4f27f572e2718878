package notify

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

// Dispatcher delivers a short text message to a phone number.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string) error
}

// GatewayConfig configures an HTTP messaging gateway.
type GatewayConfig struct {
	URL           string
	Token         string
	Sender        string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// MetricsRecorder is an optional interface for counting deliveries.
type MetricsRecorder interface {
	IncNotification(status string)
}

// Gateway posts messages to an HTTP messaging gateway. Sends are throttled
// so a burst of completed runs cannot exceed the provider's rate.
type Gateway struct {
	url     string
	token   string
	sender  string
	client  *http.Client
	limiter *rate.Limiter
	metrics MetricsRecorder
}

type message struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		url:     cfg.URL,
		token:   cfg.Token,
		sender:  cfg.Sender,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// SetMetrics sets the optional metrics recorder.
func (g *Gateway) SetMetrics(m MetricsRecorder) {
	g.metrics = m
}

// Send waits for a rate-limit slot and posts the message.
func (g *Gateway) Send(ctx context.Context, phone, body string) error {
	err := g.send(ctx, phone, body)
	if g.metrics != nil {
		status := "sent"
		if err != nil {
			status = "failed"
		}
		g.metrics.IncNotification(status)
	}
	return err
}

func (g *Gateway) send(ctx context.Context, phone, body string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for notification slot: %w", err)
	}

	payload, err := json.Marshal(message{To: phone, From: g.sender, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Noop discards every message.
type Noop struct{}

func (Noop) Send(context.Context, string, string) error { return nil }

// RunCompletedMessage is the text sent to an owner when a tracked item was
// re-analysed.
func RunCompletedMessage(label, itemID string, runNumber int) string {
	name := label
	if name == "" {
		name = itemID
	}
	return fmt.Sprintf("Monitoring update #%d for %q is ready on your dashboard.", runNumber, name)
}
