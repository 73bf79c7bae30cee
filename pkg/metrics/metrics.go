package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	verdict        map[string]int64
	reason         map[string]int64
	gauges         map[string]float64
	riskClass      map[string]int64
	approvalStatus map[string]int64
	pipelineTotal  int64
	verifyLatency  VerifyLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Verdicts           map[string]int64        `json:"verdicts"`
	Reasons            map[string]int64        `json:"reasons"`
	Gauges             map[string]float64      `json:"gauges"`
	RiskClasses        map[string]int64        `json:"risk_classes"`
	ApprovalStatuses   map[string]int64        `json:"approval_statuses"`
	PipelineEvaluated  int64                   `json:"pipeline_evaluations_total"`
	GateVerifyLatencyMS VerifyLatencyStat      `json:"gate_verify_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		verdict:        map[string]int64{},
		reason:         map[string]int64{},
		gauges:         map[string]float64{},
		riskClass:      map[string]int64{},
		approvalStatus: map[string]int64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskClass(riskClass string) {
	riskClass = strings.TrimSpace(riskClass)
	if riskClass == "" {
		return
	}
	r.mu.Lock()
	r.riskClass[riskClass]++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

// IncApprovalStatus records a pending/approved/denied transition on an
// approval record, keyed by approval.Status.
func (r *Registry) IncApprovalStatus(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.approvalStatus[status]++
	r.mu.Unlock()
}

// IncPipelineEvaluated counts one completed pipeline.Evaluate call,
// regardless of its verdict.
func (r *Registry) IncPipelineEvaluated() {
	r.mu.Lock()
	r.pipelineTotal++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:          make(map[string]int64, len(r.verdict)),
		Reasons:           make(map[string]int64, len(r.reason)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		RiskClasses:       make(map[string]int64, len(r.riskClass)),
		ApprovalStatuses:  make(map[string]int64, len(r.approvalStatus)),
		PipelineEvaluated: r.pipelineTotal,
		GateVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.riskClass {
		out.RiskClasses[k] = v
	}
	for k, v := range r.approvalStatus {
		out.ApprovalStatuses[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP clawee_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE clawee_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "clawee_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP clawee_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE clawee_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "clawee_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP clawee_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE clawee_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "clawee_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP clawee_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE clawee_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "clawee_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP clawee_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE clawee_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "clawee_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP clawee_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE clawee_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "clawee_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP clawee_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE clawee_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "clawee_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP clawee_gauge operational gauge metrics\n")
		b.WriteString("# TYPE clawee_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "clawee_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP clawee_latency_seconds latency histogram\n")
			b.WriteString("# TYPE clawee_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "clawee_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "clawee_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "clawee_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "clawee_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "clawee_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "clawee_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "clawee_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP clawee_risk_class_total total decisions by risk class\n")
		b.WriteString("# TYPE clawee_risk_class_total counter\n")
		for _, riskClass := range SortedKeys(snap.RiskClasses) {
			fmt.Fprintf(b, "clawee_risk_class_total{risk_class=%q} %d\n", riskClass, snap.RiskClasses[riskClass])
		}

		b.WriteString("# HELP clawee_gate_verify_latency_ms Gate pipeline evaluation latency in ms\n")
		b.WriteString("# TYPE clawee_gate_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "clawee_gate_verify_latency_ms{stat=%q} %d\n", "last", snap.GateVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "clawee_gate_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.GateVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "clawee_gate_verify_latency_ms{stat=%q} %d\n", "max", snap.GateVerifyLatencyMS.MaxMS)

		b.WriteString("# HELP clawee_approval_status_total Approval record transitions by status\n")
		b.WriteString("# TYPE clawee_approval_status_total counter\n")
		for _, status := range SortedKeys(snap.ApprovalStatuses) {
			fmt.Fprintf(b, "clawee_approval_status_total{status=%q} %d\n", status, snap.ApprovalStatuses[status])
		}

		b.WriteString("# HELP clawee_pipeline_evaluations_total Pipeline requests evaluated\n")
		b.WriteString("# TYPE clawee_pipeline_evaluations_total counter\n")
		fmt.Fprintf(b, "clawee_pipeline_evaluations_total %d\n", snap.PipelineEvaluated)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
