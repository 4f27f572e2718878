package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGatewaySend(t *testing.T) {
	var got message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{URL: srv.URL, Token: "tok", Sender: "whatsapp:+15550000000"})
	if err := g.Send(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.To != "+15551234567" || got.Body != "hello" || got.From != "whatsapp:+15550000000" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestGatewaySend_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewGateway(GatewayConfig{URL: srv.URL}).Send(context.Background(), "+15551234567", "x")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestGatewaySend_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{URL: srv.URL, RatePerSecond: 0.001, Burst: 1})
	if err := g.Send(context.Background(), "+15551234567", "first"); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Send(ctx, "+15551234567", "second"); err == nil {
		t.Fatal("expected the throttled send to fail with the context")
	}
}

func TestRunCompletedMessage(t *testing.T) {
	if msg := RunCompletedMessage("", "item-9", 3); !strings.Contains(msg, "item-9") || !strings.Contains(msg, "#3") {
		t.Errorf("unexpected message %q", msg)
	}
	if msg := RunCompletedMessage("GLP-1 pipeline", "item-9", 1); !strings.Contains(msg, "GLP-1 pipeline") {
		t.Errorf("label not used: %q", msg)
	}
}
