package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for pipewatch.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Credential pool metrics.
	CredentialUsage       *prometheus.GaugeVec
	CredentialLimit       *prometheus.GaugeVec
	CredentialActive      *prometheus.GaugeVec
	ReservationsTotal     *prometheus.CounterVec
	QuotaExhaustedTotal   prometheus.Counter
	UsageFaultsTotal      prometheus.Counter
	CredentialResetsTotal prometheus.Counter

	// Webhook metrics.
	WebhookCallsTotal *prometheus.CounterVec
	WebhookDuration   prometheus.Histogram

	// Scheduler metrics.
	MonitoringRunsTotal   *prometheus.CounterVec
	MonitoringRunDuration prometheus.Histogram
	MonitoringArmedTimers prometheus.Gauge

	// Notification metrics.
	NotificationsTotal *prometheus.CounterVec

	// Rate limiting.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Collector (metering) metrics.
	CollectorBufferSize   prometheus.Gauge
	CollectorFlushesTotal *prometheus.CounterVec
	CollectorEventsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  prometheus.Counter
	AuthSuccessesTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipewatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		CredentialUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipewatch_credential_usage_credits",
			Help: "Credits used by a credential in the current month.",
		}, []string{"credential_id", "instance"}),

		CredentialLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipewatch_credential_limit_credits",
			Help: "Monthly credit limit of a credential.",
		}, []string{"credential_id", "instance"}),

		CredentialActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipewatch_credential_active",
			Help: "1 if the credential can be selected, else 0.",
		}, []string{"credential_id", "instance"}),

		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_credential_reservations_total",
			Help: "Credential reservations by outcome.",
		}, []string{"outcome"}),

		QuotaExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_credential_quota_exhausted_total",
			Help: "Selections that found no credential with quota left.",
		}),

		UsageFaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_credential_usage_faults_total",
			Help: "Usage records that could not be attributed to a credential or lease.",
		}),

		CredentialResetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_credential_monthly_resets_total",
			Help: "Credentials reset by the monthly usage sweep.",
		}),

		WebhookCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_webhook_calls_total",
			Help: "Analysis webhook calls by outcome.",
		}, []string{"outcome"}),

		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipewatch_webhook_duration_seconds",
			Help:    "Analysis webhook call duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		}),

		MonitoringRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_monitoring_runs_total",
			Help: "Scheduled monitoring runs by status.",
		}, []string{"status"}),

		MonitoringRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipewatch_monitoring_run_duration_seconds",
			Help:    "Duration of scheduled monitoring runs in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		}),

		MonitoringArmedTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipewatch_monitoring_armed_timers",
			Help: "Number of schedules with a pending timer.",
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_notifications_total",
			Help: "Owner notifications by status.",
		}, []string{"status"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipewatch_collector_buffer_size",
			Help: "Current number of buffered usage events.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewatch_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_collector_events_total",
			Help: "Total number of usage events written.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_auth_failures_total",
			Help: "Total number of admin authentication failures.",
		}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipewatch_auth_successes_total",
			Help: "Total number of successful admin authentications.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipewatch_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CredentialUsage,
		m.CredentialLimit,
		m.CredentialActive,
		m.ReservationsTotal,
		m.QuotaExhaustedTotal,
		m.UsageFaultsTotal,
		m.CredentialResetsTotal,
		m.WebhookCallsTotal,
		m.WebhookDuration,
		m.MonitoringRunsTotal,
		m.MonitoringRunDuration,
		m.MonitoringArmedTimers,
		m.NotificationsTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorEventsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(kind, method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// ObserveCredential publishes the current state of one credential.
func (m *Metrics) ObserveCredential(id, instance string, usage, limit int, active bool) {
	m.CredentialUsage.WithLabelValues(id, instance).Set(float64(usage))
	m.CredentialLimit.WithLabelValues(id, instance).Set(float64(limit))
	v := 0.0
	if active {
		v = 1
	}
	m.CredentialActive.WithLabelValues(id, instance).Set(v)
}

// ObserveReservation counts a reservation outcome.
func (m *Metrics) ObserveReservation(outcome string) {
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaExhausted counts a selection that found no credential.
func (m *Metrics) ObserveQuotaExhausted() {
	m.QuotaExhaustedTotal.Inc()
}

// ObserveUsageFault counts an unattributable usage record.
func (m *Metrics) ObserveUsageFault() {
	m.UsageFaultsTotal.Inc()
}

// ObserveMonthlyReset counts credentials reset by a sweep.
func (m *Metrics) ObserveMonthlyReset(n int) {
	m.CredentialResetsTotal.Add(float64(n))
}

// ObserveWebhook records a webhook call.
func (m *Metrics) ObserveWebhook(outcome string, seconds float64) {
	m.WebhookCallsTotal.WithLabelValues(outcome).Inc()
	m.WebhookDuration.Observe(seconds)
}

// IncMonitoringRun counts a scheduled run by status.
func (m *Metrics) IncMonitoringRun(status string) {
	m.MonitoringRunsTotal.WithLabelValues(status).Inc()
}

// ObserveMonitoringRun records the duration of a scheduled run.
func (m *Metrics) ObserveMonitoringRun(seconds float64) {
	m.MonitoringRunDuration.Observe(seconds)
}

// SetArmedTimers sets the number of pending schedule timers.
func (m *Metrics) SetArmedTimers(n int) {
	m.MonitoringArmedTimers.Set(float64(n))
}

// IncNotification counts a notification delivery attempt.
func (m *Metrics) IncNotification(status string) {
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// ObserveFlush records a collector flush.
func (m *Metrics) ObserveFlush(count int, err error) {
	if err != nil {
		m.CollectorFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.CollectorFlushesTotal.WithLabelValues("success").Inc()
	m.CollectorEventsTotal.Add(float64(count))
}

// SetBufferSize sets the collector buffer gauge.
func (m *Metrics) SetBufferSize(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// IncAuthFailure increments the auth failure counter.
func (m *Metrics) IncAuthFailure() {
	m.AuthFailuresTotal.Inc()
}

// IncAuthSuccess increments the auth success counter.
func (m *Metrics) IncAuthSuccess() {
	m.AuthSuccessesTotal.Inc()
}
