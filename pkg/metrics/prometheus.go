package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brightming/genflow/pkg/model"
)

const namespace = "genflow"

// Registry Prometheus指标注册表，nil 接收者上的调用为空操作
type Registry struct {
	reg *prometheus.Registry

	// 请求指标
	submissionsTotal *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	requestsInFlight prometheus.Gauge
	taskDuration     *prometheus.HistogramVec

	// Provider指标
	providerAttemptsTotal *prometheus.CounterVec
	providerErrorsTotal   *prometheus.CounterVec
	providerLatency       *prometheus.HistogramVec
	providerHealth        *prometheus.GaugeVec
	providerSkippedTotal  *prometheus.CounterVec

	// 成本与配额
	costTotal            *prometheus.CounterVec
	quotaRejectionsTotal *prometheus.CounterVec
	quotaRefundsTotal    prometheus.Counter

	// 安全与缓存
	safetyVerdictsTotal *prometheus.CounterVec
	cacheLookupsTotal   *prometheus.CounterVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRegistry 创建独立的指标注册表
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Generation submissions by result code",
			},
			[]string{"result"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Request lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Generation tasks currently running",
			},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from reservation to a review-ready or terminal state",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		providerAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider invocations by outcome",
			},
			[]string{"provider_id", "outcome"},
		),
		providerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Provider errors by class",
			},
			[]string{"provider_id", "error_class"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Provider invocation latency",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider_id"},
		),
		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider health (2=healthy, 1=degraded, 0=unavailable)",
			},
			[]string{"provider_id"},
		),
		providerSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_skipped_total",
				Help:      "Candidates skipped during routing",
			},
			[]string{"provider_id", "reason"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_total",
				Help:      "Accumulated provider cost",
			},
			[]string{"provider_id"},
		),
		quotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Reservations refused for exhausted quota",
			},
			[]string{"tier"},
		),
		quotaRefundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_refunds_total",
				Help:      "Reservations released back to the ledger",
			},
		),

		safetyVerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_verdicts_total",
				Help:      "Safety verdicts by stage and severity",
			},
			[]string{"stage", "severity"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups",
			},
			[]string{"result"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status class",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.reg.MustRegister(
		r.submissionsTotal,
		r.transitionsTotal,
		r.requestsInFlight,
		r.taskDuration,
		r.providerAttemptsTotal,
		r.providerErrorsTotal,
		r.providerLatency,
		r.providerHealth,
		r.providerSkippedTotal,
		r.costTotal,
		r.quotaRejectionsTotal,
		r.quotaRefundsTotal,
		r.safetyVerdictsTotal,
		r.cacheLookupsTotal,
		r.httpRequestsTotal,
		r.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer 测试中读取指标
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordSubmission 记录受理结果
func (r *Registry) RecordSubmission(result string) {
	if r == nil {
		return
	}
	r.submissionsTotal.WithLabelValues(result).Inc()
}

// RecordTransition 记录状态迁移
func (r *Registry) RecordTransition(from, to model.Status) {
	if r == nil {
		return
	}
	r.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.requestsInFlight.Inc()
}

func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.requestsInFlight.Dec()
}

// RecordTask 记录后台任务耗时
func (r *Registry) RecordTask(status model.Status, d time.Duration) {
	if r == nil {
		return
	}
	r.taskDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// RecordAttempt 记录一次Provider调用
func (r *Registry) RecordAttempt(a model.GenerationAttempt) {
	if r == nil {
		return
	}
	r.providerAttemptsTotal.WithLabelValues(a.ProviderID, string(a.Outcome)).Inc()
	r.providerLatency.WithLabelValues(a.ProviderID).Observe(a.EndedAt.Sub(a.StartedAt).Seconds())
	if a.ErrorClass != model.ErrorClassNone {
		r.providerErrorsTotal.WithLabelValues(a.ProviderID, string(a.ErrorClass)).Inc()
	}
	if a.Cost > 0 {
		r.costTotal.WithLabelValues(a.ProviderID).Add(a.Cost)
	}
}

// RecordSkip 记录被跳过的候选
func (r *Registry) RecordSkip(providerID, reason string) {
	if r == nil {
		return
	}
	r.providerSkippedTotal.WithLabelValues(providerID, reason).Inc()
}

// SetProviderHealth 更新Provider健康状态
func (r *Registry) SetProviderHealth(providerID string, h model.HealthStatus) {
	if r == nil {
		return
	}
	v := 0.0
	switch h {
	case model.HealthHealthy:
		v = 2
	case model.HealthDegraded:
		v = 1
	}
	r.providerHealth.WithLabelValues(providerID).Set(v)
}

func (r *Registry) RecordQuotaRejection(tier string) {
	if r == nil {
		return
	}
	r.quotaRejectionsTotal.WithLabelValues(tier).Inc()
}

func (r *Registry) RecordRefund() {
	if r == nil {
		return
	}
	r.quotaRefundsTotal.Inc()
}

func (r *Registry) RecordVerdict(v model.SafetyVerdict) {
	if r == nil {
		return
	}
	r.safetyVerdictsTotal.WithLabelValues(string(v.Stage), string(v.Severity)).Inc()
}

// RecordCacheLookup hit 为 true 表示命中
func (r *Registry) RecordCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// Handler 返回Prometheus指标处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// GinMiddleware 记录HTTP请求数与耗时，route 使用注册时的路径模板
func (r *Registry) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.httpRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		r.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}
