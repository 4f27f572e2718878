package metrics

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestSummarize(t *testing.T) {
	m := New()

	m.ObserveCredential("cred_a", "primary", 992, 1000, true)
	m.ObserveCredential("cred_b", "backup", 1000, 1000, false)
	m.ObserveReservation("reserved")
	m.ObserveReservation("reserved")
	m.ObserveReservation("confirmed")
	m.ObserveReservation("released")
	m.ObserveQuotaExhausted()
	m.ObserveUsageFault()
	m.ObserveMonthlyReset(2)

	m.ObserveWebhook("success", 1.2)
	m.ObserveWebhook("status", 0.3)
	m.IncMonitoringRun("success")
	m.IncMonitoringRun("failure")
	m.IncMonitoringRun("skipped")
	m.SetArmedTimers(4)
	m.IncNotification("sent")

	m.ObserveFlush(10, nil)
	m.ObserveFlush(5, errors.New("db down"))
	m.SetBufferSize(3)

	m.ObserveHTTPRequest("admin", "GET", "/api/v1/admin/credentials", 200, 0.01)
	m.ObserveHTTPRequest("admin", "POST", "/api/v1/admin/leases", 503, 0.02)
	m.IncAuthFailure()

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.Credentials.UsedCredits != 1992 {
		t.Errorf("UsedCredits = %v, want 1992", s.Credentials.UsedCredits)
	}
	if s.Credentials.Active != 1 {
		t.Errorf("Active = %v, want 1", s.Credentials.Active)
	}
	if s.Credentials.Reservations != 2 || s.Credentials.Confirmed != 1 || s.Credentials.Released != 1 {
		t.Errorf("reservation counts = %+v", s.Credentials)
	}
	if s.Credentials.MonthlyResets != 2 {
		t.Errorf("MonthlyResets = %v, want 2", s.Credentials.MonthlyResets)
	}
	if s.Webhook.Calls != 2 || s.Webhook.Failures != 1 {
		t.Errorf("webhook = %+v", s.Webhook)
	}
	if s.Monitoring.Succeeded != 1 || s.Monitoring.Failed != 1 || s.Monitoring.Skipped != 1 {
		t.Errorf("monitoring = %+v", s.Monitoring)
	}
	if s.Monitoring.ArmedTimers != 4 {
		t.Errorf("ArmedTimers = %v, want 4", s.Monitoring.ArmedTimers)
	}
	if s.Collector.Events != 10 || s.Collector.FlushErrors != 1 || s.Collector.BufferSize != 3 {
		t.Errorf("collector = %+v", s.Collector)
	}
	if s.HTTP.TotalRequests != 2 {
		t.Errorf("HTTP.TotalRequests = %v, want 2", s.HTTP.TotalRequests)
	}
	if s.HTTP.ErrorRate != 0.5 {
		t.Errorf("HTTP.ErrorRate = %v, want 0.5", s.HTTP.ErrorRate)
	}
	if s.Auth.Failures != 1 {
		t.Errorf("Auth.Failures = %v, want 1", s.Auth.Failures)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) { return 10, 7, 3 })

	w := httptest.NewRecorder()
	m.Handler()(w, httptest.NewRequest("GET", "/api/v1/admin/metrics", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var s Summary
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Mode != "live" {
		t.Errorf("Mode = %q", s.Mode)
	}
	if s.DB.TotalConns != 10 || s.DB.AcquiredConns != 3 {
		t.Errorf("db = %+v", s.DB)
	}
}
