package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the stats endpoint. It digests the raw
// Prometheus families into the handful of numbers the admin dashboard shows.
type Summary struct {
	Mode      string        `json:"mode"`
	HTTP      httpSummary   `json:"http"`
	AI        aiSummary     `json:"ai"`
	Queue     queueInfo     `json:"queue"`
	Quota     quotaInfo     `json:"quota"`
	RateLimit rateLimitInfo `json:"rateLimit"`
	Redaction redactionInfo `json:"redaction"`
	Collector collectorInfo `json:"collector"`
	Auth      authInfo      `json:"auth"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type aiSummary struct {
	TotalRequests  float64 `json:"totalRequests"`
	Fallbacks      float64 `json:"fallbacks"`
	ProviderErrors float64 `json:"providerErrors"`
	ToolCalls      float64 `json:"toolCalls"`
	InputTokens    float64 `json:"inputTokens"`
	OutputTokens   float64 `json:"outputTokens"`
	P50Provider    float64 `json:"p50Provider"`
	P95Provider    float64 `json:"p95Provider"`
}

type queueInfo struct {
	Depth    float64 `json:"depth"`
	InFlight float64 `json:"inFlight"`
}

type quotaInfo struct {
	Rejections float64 `json:"rejections"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type redactionInfo struct {
	SpansRedacted float64 `json:"spansRedacted"`
}

type collectorInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
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

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["aigateway_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["aigateway_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["aigateway_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["aigateway_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["aigateway_http_request_duration_seconds"], 0.99),
		},
		AI: aiSummary{
			TotalRequests:  sumCounter(fam["aigateway_ai_requests_total"]),
			Fallbacks:      sumCounter(fam["aigateway_fallbacks_total"]),
			ProviderErrors: sumCounter(fam["aigateway_provider_errors_total"]),
			ToolCalls:      sumCounter(fam["aigateway_tool_calls_total"]),
			InputTokens:    counterWithLabel(fam["aigateway_tokens_total"], "direction", "input"),
			OutputTokens:   counterWithLabel(fam["aigateway_tokens_total"], "direction", "output"),
			P50Provider:    histogramPercentile(fam["aigateway_provider_duration_seconds"], 0.50),
			P95Provider:    histogramPercentile(fam["aigateway_provider_duration_seconds"], 0.95),
		},
		Queue: queueInfo{
			Depth:    gaugeValue(fam["aigateway_queue_depth"]),
			InFlight: gaugeValue(fam["aigateway_queue_in_flight"]),
		},
		Quota: quotaInfo{
			Rejections: sumCounter(fam["aigateway_quota_rejections_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["aigateway_ratelimit_rejections_total"]),
		},
		Redaction: redactionInfo{
			SpansRedacted: counterValue(fam["aigateway_redactions_total"]),
		},
		Collector: collectorInfo{
			TotalFlushes: sumCounter(fam["aigateway_collector_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["aigateway_collector_flushes_total"], "status", "error"),
			Records:      counterValue(fam["aigateway_collector_records_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["aigateway_auth_failures_total"]),
			Successes: sumCounter(fam["aigateway_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["aigateway_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["aigateway_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["aigateway_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["aigateway_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["aigateway_server_start_time_seconds"]),
		},
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
	var total float64
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
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

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
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
			// Linear interpolation within this bucket.
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

	// If we didn't find it, return the last finite bucket upper bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
