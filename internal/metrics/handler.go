package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode         string           `json:"mode"`
	HTTP         httpSummary      `json:"http"`
	Credentials  credentialInfo   `json:"credentials"`
	Webhook      webhookInfo      `json:"webhook"`
	Monitoring   monitoringInfo   `json:"monitoring"`
	Notification notificationInfo `json:"notifications"`
	RateLimit    rateLimitInfo    `json:"rateLimit"`
	Collector    collectorInfo    `json:"collector"`
	Auth         authInfo         `json:"auth"`
	DB           dbInfo           `json:"db"`
	Server       serverInfo       `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type credentialInfo struct {
	UsedCredits    float64 `json:"usedCredits"`
	LimitCredits   float64 `json:"limitCredits"`
	Active         float64 `json:"active"`
	Reservations   float64 `json:"reservations"`
	Confirmed      float64 `json:"confirmed"`
	Released       float64 `json:"released"`
	QuotaExhausted float64 `json:"quotaExhausted"`
	UsageFaults    float64 `json:"usageFaults"`
	MonthlyResets  float64 `json:"monthlyResets"`
}

type webhookInfo struct {
	Calls    float64 `json:"calls"`
	Failures float64 `json:"failures"`
	P50      float64 `json:"p50"`
	P95      float64 `json:"p95"`
}

type monitoringInfo struct {
	Succeeded   float64 `json:"succeeded"`
	Failed      float64 `json:"failed"`
	Exhausted   float64 `json:"exhausted"`
	Skipped     float64 `json:"skipped"`
	ArmedTimers float64 `json:"armedTimers"`
	P95Run      float64 `json:"p95Run"`
}

type notificationInfo struct {
	Sent   float64 `json:"sent"`
	Failed float64 `json:"failed"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Events       float64 `json:"events"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	webhookCalls := sumCounter(fam["pipewatch_webhook_calls_total"])
	return &Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["pipewatch_http_requests_total"], "kind", "admin"),
			ErrorRate:     computeErrorRateWithLabel(fam["pipewatch_http_requests_total"], "kind", "admin"),
			P50Latency:    histogramPercentileWithLabel(fam["pipewatch_http_request_duration_seconds"], 0.50, "kind", "admin"),
			P95Latency:    histogramPercentileWithLabel(fam["pipewatch_http_request_duration_seconds"], 0.95, "kind", "admin"),
			P99Latency:    histogramPercentileWithLabel(fam["pipewatch_http_request_duration_seconds"], 0.99, "kind", "admin"),
		},
		Credentials: credentialInfo{
			UsedCredits:    sumGauge(fam["pipewatch_credential_usage_credits"]),
			LimitCredits:   sumGauge(fam["pipewatch_credential_limit_credits"]),
			Active:         sumGauge(fam["pipewatch_credential_active"]),
			Reservations:   counterWithLabel(fam["pipewatch_credential_reservations_total"], "outcome", "reserved"),
			Confirmed:      counterWithLabel(fam["pipewatch_credential_reservations_total"], "outcome", "confirmed"),
			Released:       counterWithLabel(fam["pipewatch_credential_reservations_total"], "outcome", "released"),
			QuotaExhausted: counterValue(fam["pipewatch_credential_quota_exhausted_total"]),
			UsageFaults:    counterValue(fam["pipewatch_credential_usage_faults_total"]),
			MonthlyResets:  counterValue(fam["pipewatch_credential_monthly_resets_total"]),
		},
		Webhook: webhookInfo{
			Calls:    webhookCalls,
			Failures: webhookCalls - counterWithLabel(fam["pipewatch_webhook_calls_total"], "outcome", "success"),
			P50:      histogramPercentile(fam["pipewatch_webhook_duration_seconds"], 0.50),
			P95:      histogramPercentile(fam["pipewatch_webhook_duration_seconds"], 0.95),
		},
		Monitoring: monitoringInfo{
			Succeeded:   counterWithLabel(fam["pipewatch_monitoring_runs_total"], "status", "success"),
			Failed:      counterWithLabel(fam["pipewatch_monitoring_runs_total"], "status", "failure"),
			Exhausted:   counterWithLabel(fam["pipewatch_monitoring_runs_total"], "status", "exhausted"),
			Skipped:     counterWithLabel(fam["pipewatch_monitoring_runs_total"], "status", "skipped"),
			ArmedTimers: gaugeValue(fam["pipewatch_monitoring_armed_timers"]),
			P95Run:      histogramPercentile(fam["pipewatch_monitoring_run_duration_seconds"], 0.95),
		},
		Notification: notificationInfo{
			Sent:   counterWithLabel(fam["pipewatch_notifications_total"], "status", "sent"),
			Failed: counterWithLabel(fam["pipewatch_notifications_total"], "status", "failed"),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["pipewatch_ratelimit_rejections_total"]),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["pipewatch_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["pipewatch_collector_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["pipewatch_collector_flushes_total"], "status", "error"),
			Events:       counterValue(fam["pipewatch_collector_events_total"]),
		},
		Auth: authInfo{
			Failures:  counterValue(fam["pipewatch_auth_failures_total"]),
			Successes: counterValue(fam["pipewatch_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["pipewatch_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["pipewatch_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["pipewatch_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["pipewatch_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["pipewatch_server_start_time_seconds"]),
		},
	}, nil
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	summary, err := m.Summarize()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	return percentile(f, q, func(m *dto.Metric) bool { return hasLabel(m, labelName, labelValue) })
}

func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	return percentile(f, q, func(*dto.Metric) bool { return true })
}

// percentile computes a quantile from the aggregated buckets of the matching
// histograms using linear interpolation.
func percentile(f *dto.MetricFamily, q float64, match func(*dto.Metric) bool) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !match(m) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
