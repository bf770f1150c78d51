package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/observability"
	"github.com/brightming/genflow/internal/ratelimit"
	"github.com/brightming/genflow/internal/textutil"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
	"github.com/brightming/genflow/pkg/provider"
)

const defaultAttemptTimeout = 30 * time.Second

// HealthTracker Provider健康与熔断
type HealthTracker interface {
	Snapshot() []model.ProviderState
	Acquire(id string) bool
	ReportSuccess(id string)
	ReportFailure(id string)
	Release(id string)
}

// ClientSource 按ProviderID取客户端
type ClientSource interface {
	Client(id string) (provider.Client, bool)
}

// Clients 静态客户端表
type Clients map[string]provider.Client

func (c Clients) Client(id string) (provider.Client, bool) {
	cl, ok := c[id]
	return cl, ok
}

// Recorder 按顺序接收每一次调用记录
type Recorder func(model.GenerationAttempt)

// Result 成功调用的结果
type Result struct {
	ProviderID string
	Output     *provider.GenerateResult
	Cost       float64
	Attempts   int
}

// Router 按优先级逐个尝试Provider，重试与熔断只在这里发生
type Router struct {
	health         HealthTracker
	clients        ClientSource
	limiter        ratelimit.Limiter
	defaultTimeout time.Duration
	log            *logger.Logger
	metrics        *metrics.Registry
	now            func() time.Time
}

type Option func(*Router)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New 创建路由器
func New(health HealthTracker, clients ClientSource, limiter ratelimit.Limiter, log *logger.Logger, opts ...Option) *Router {
	r := &Router{
		health:         health,
		clients:        clients,
		limiter:        limiter,
		defaultTimeout: defaultAttemptTimeout,
		log:            log.With("component", "router"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke 执行一次生成。可重试失败换下一个Provider，不可重试失败立即中止，全部失败返回 provider_unavailable
func (r *Router) Invoke(ctx context.Context, req *provider.GenerateRequest, record Recorder) (*Result, error) {
	failed := 0
	seq := 0
	var lastErr error

	for _, st := range r.health.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, interrupted(err)
		}
		desc := st.Descriptor
		client, ok := r.clients.Client(desc.ID)
		if !ok {
			r.metrics.RecordSkip(desc.ID, "no_client")
			continue
		}
		if !r.health.Acquire(desc.ID) {
			r.metrics.RecordSkip(desc.ID, "unhealthy")
			continue
		}
		if r.limiter != nil {
			allowed, err := r.limiter.Allow(ctx, desc.ID, desc.PerMinuteLimit, desc.PerDayLimit)
			if err != nil {
				// 限流后端故障时放行
				r.log.Warn("rate limiter unavailable", "provider_id", desc.ID, "error", err)
			} else if !allowed {
				r.health.Release(desc.ID)
				r.metrics.RecordSkip(desc.ID, "rate_limited")
				continue
			}
		}

		seq++
		attempt, out, err := r.call(ctx, desc, client, req, seq)
		if record != nil {
			record(attempt)
		}
		r.metrics.RecordAttempt(attempt)

		if err == nil {
			r.health.ReportSuccess(desc.ID)
			return &Result{ProviderID: desc.ID, Output: out, Cost: attempt.Cost, Attempts: seq}, nil
		}

		switch {
		case ctx.Err() != nil:
			r.health.Release(desc.ID)
			return nil, interrupted(ctx.Err())
		case attempt.ErrorClass.Retryable():
			r.health.ReportFailure(desc.ID)
			failed++
			lastErr = err
			r.log.Warn("provider attempt failed, trying next",
				"request_id", req.RequestID, "provider_id", desc.ID, "error_class", attempt.ErrorClass, "error", err)
		default:
			r.health.Release(desc.ID)
			r.log.Warn("provider attempt failed permanently",
				"request_id", req.RequestID, "provider_id", desc.ID, "error_class", attempt.ErrorClass, "error", err)
			return nil, &generr.Error{
				Code:            generr.CodeProviderUnavailable,
				Message:         fmt.Sprintf("provider %s refused the request (%s)", desc.ID, attempt.ErrorClass),
				Err:             err,
				FailedProviders: failed + 1,
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}
	r.log.Error("all providers exhausted", "request_id", req.RequestID, "failed", failed)
	return nil, generr.ProviderUnavailable(failed, lastErr)
}

// call 单次调用，带独立超时
func (r *Router) call(ctx context.Context, desc model.ProviderDescriptor, client provider.Client, req *provider.GenerateRequest, seq int) (model.GenerationAttempt, *provider.GenerateResult, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, span := observability.StartSpan(ctx, "provider.generate",
		attribute.String("provider.id", desc.ID),
		attribute.String("provider.vendor", desc.Vendor),
		attribute.Int("attempt.seq", seq),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := model.GenerationAttempt{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		Seq:        seq,
		ProviderID: desc.ID,
		StartedAt:  r.now().UTC(),
	}
	out, err := client.Generate(callCtx, req)
	attempt.EndedAt = r.now().UTC()

	if err == nil && out != nil {
		attempt.Outcome = model.OutcomeSuccess
		attempt.TokensInput = out.TokensInput
		attempt.TokensOutput = out.TokensOutput
		attempt.Cost = float64(out.TokensInput+out.TokensOutput) / 1000 * desc.CostPerUnit
		return attempt, out, nil
	}
	if err == nil {
		err = &provider.ProviderError{Code: "no_response", Message: "empty result", Type: provider.TypeAPI, Retryable: true}
	}

	attempt.ErrorClass = provider.Classify(err)
	attempt.ErrorMessage = textutil.Truncate(err.Error(), 512)
	attempt.Outcome = model.OutcomeFailure
	if attempt.ErrorClass == model.ErrorClassTimeout {
		attempt.Outcome = model.OutcomeTimeout
	}
	// 上游取消不算Provider的错
	if ctx.Err() != nil {
		attempt.ErrorClass = model.ErrorClassCancelled
		attempt.Outcome = model.OutcomeFailure
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(attempt.ErrorClass))
	return attempt, nil, err
}

// interrupted 调用方取消或任务超时
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &generr.Error{Code: generr.CodeTimeout, Message: "generation deadline exceeded", Err: err}
	}
	return &generr.Error{Code: generr.CodeCancelled, Message: "generation cancelled", Err: err}
}
