package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
)

// ProbeFunc 对单个Provider做健康探测
type ProbeFunc func(ctx context.Context, providerID string) error

// BreakerConfig 熔断参数：Window 内连续 Threshold 次可重试失败后降级 Cooldown
type BreakerConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// Registry Provider注册表，健康状态只由熔断和探测修改
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	breaker BreakerConfig
	probe   ProbeFunc
	log     *logger.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type entry struct {
	mu            sync.Mutex
	desc          model.ProviderDescriptor
	health        model.HealthStatus
	failures      int
	windowStart   time.Time
	degradedUntil time.Time
	probing       bool
	lastProbeAt   time.Time
	lastProbeErr  string
}

type Option func(*Registry)

func WithProbe(p ProbeFunc) Option {
	return func(r *Registry) { r.probe = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(r *Registry) { r.metrics = m }
}

// New 创建注册表，要求ID唯一且恰有一个主Provider
func New(descs []model.ProviderDescriptor, breaker BreakerConfig, log *logger.Logger, opts ...Option) (*Registry, error) {
	if len(descs) == 0 {
		return nil, errors.New("at least one provider required")
	}
	if breaker.Threshold <= 0 {
		breaker.Threshold = 3
	}
	if breaker.Window <= 0 {
		breaker.Window = time.Minute
	}
	if breaker.Cooldown <= 0 {
		breaker.Cooldown = 30 * time.Second
	}
	r := &Registry{
		entries: make(map[string]*entry, len(descs)),
		breaker: breaker,
		log:     log.With("component", "registry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	primaries := 0
	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.New("provider id is required")
		}
		if _, dup := r.entries[d.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", d.ID)
		}
		if d.Primary {
			primaries++
		}
		r.entries[d.ID] = &entry{desc: d, health: model.HealthHealthy}
		r.metrics.SetProviderHealth(d.ID, model.HealthHealthy)
	}
	if primaries != 1 {
		return nil, fmt.Errorf("exactly one primary provider required, got %d", primaries)
	}
	return r, nil
}

// Snapshot 按优先级排序的快照，同优先级主Provider在前
func (r *Registry) Snapshot() []model.ProviderState {
	r.mu.RLock()
	out := make([]model.ProviderState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Descriptor, out[j].Descriptor
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Primary != b.Primary {
			return a.Primary
		}
		return a.ID < b.ID
	})
	return out
}

// Get 单个Provider状态
func (r *Registry) Get(id string) (model.ProviderState, bool) {
	e := r.lookup(id)
	if e == nil {
		return model.ProviderState{}, false
	}
	return e.state(), true
}

// Acquire 判断Provider当前是否可路由。降级且冷却期已过时放行一次半开探测
func (r *Registry) Acquire(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.health {
	case model.HealthHealthy:
		return true
	case model.HealthDegraded:
		if e.probing || r.now().Before(e.degradedUntil) {
			return false
		}
		e.probing = true
		return true
	default:
		return false
	}
}

// ReportSuccess 调用成功，清零失败计数，半开探测成功则恢复
func (r *Registry) ReportSuccess(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.failures = 0
	recovered := e.probing && e.health == model.HealthDegraded
	e.probing = false
	if recovered {
		e.health = model.HealthHealthy
		e.degradedUntil = time.Time{}
	}
	e.mu.Unlock()

	if recovered {
		r.metrics.SetProviderHealth(id, model.HealthHealthy)
		r.log.Info("provider recovered", "provider_id", id)
	}
}

// ReportFailure 记录一次可重试失败，达到阈值后降级。单次失败不会改变健康状态
func (r *Registry) ReportFailure(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	now := r.now()

	e.mu.Lock()
	tripped := false
	switch {
	case e.probing:
		// 半开探测失败，重新进入冷却
		e.probing = false
		e.degradedUntil = now.Add(r.breaker.Cooldown)
		e.failures = 0
	case e.health == model.HealthHealthy:
		if e.failures == 0 || now.Sub(e.windowStart) > r.breaker.Window {
			e.failures = 0
			e.windowStart = now
		}
		e.failures++
		if e.failures >= r.breaker.Threshold {
			e.health = model.HealthDegraded
			e.degradedUntil = now.Add(r.breaker.Cooldown)
			e.failures = 0
			tripped = true
		}
	}
	until := e.degradedUntil
	e.mu.Unlock()

	if tripped {
		r.metrics.SetProviderHealth(id, model.HealthDegraded)
		r.log.Warn("provider degraded by circuit breaker", "provider_id", id, "until", until)
	}
}

// Release 结束一次未产生健康结论的调用（如请求被取消）
func (r *Registry) Release(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.probing = false
	e.mu.Unlock()
}

// SetHealth 由探测或管理操作直接设置健康状态
func (r *Registry) SetHealth(id string, h model.HealthStatus) error {
	e := r.lookup(id)
	if e == nil {
		return fmt.Errorf("provider not found: %s", id)
	}
	e.mu.Lock()
	prev := e.health
	e.health = h
	e.failures = 0
	e.probing = false
	switch h {
	case model.HealthDegraded:
		e.degradedUntil = r.now().Add(r.breaker.Cooldown)
	case model.HealthHealthy:
		e.degradedUntil = time.Time{}
	}
	e.mu.Unlock()

	if prev != h {
		r.metrics.SetProviderHealth(id, h)
		r.log.Info("provider health changed", "provider_id", id, "from", prev, "to", h)
	}
	return nil
}

// ProbeNow 立即探测一次并更新状态
func (r *Registry) ProbeNow(ctx context.Context, id string) (model.ProviderState, error) {
	e := r.lookup(id)
	if e == nil {
		return model.ProviderState{}, fmt.Errorf("provider not found: %s", id)
	}
	if r.probe == nil {
		return e.state(), errors.New("no health probe configured")
	}

	timeout := e.desc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := r.probe(pctx, id)
	cancel()

	e.mu.Lock()
	e.lastProbeAt = r.now()
	e.lastProbeErr = ""
	if err != nil {
		e.lastProbeErr = err.Error()
	}
	current := e.health
	e.mu.Unlock()

	switch {
	case err == nil:
		_ = r.SetHealth(id, model.HealthHealthy)
	case current == model.HealthUnavailable:
		// 保持不可用
	default:
		_ = r.SetHealth(id, model.HealthDegraded)
	}
	return e.state(), err
}

// Run 周期探测非健康Provider，直到ctx结束
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.probe == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeUnhealthy(ctx)
		}
	}
}

func (r *Registry) probeUnhealthy(ctx context.Context) {
	now := r.now()
	for _, st := range r.Snapshot() {
		switch st.Health {
		case model.HealthHealthy:
			continue
		case model.HealthDegraded:
			if st.DegradedUntil != nil && now.Before(*st.DegradedUntil) {
				continue
			}
		}
		if _, err := r.ProbeNow(ctx, st.Descriptor.ID); err != nil {
			r.log.Debug("provider probe failed", "provider_id", st.Descriptor.ID, "error", err)
		}
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (e *entry) state() model.ProviderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := model.ProviderState{
		Descriptor:          e.desc,
		Health:              e.health,
		ConsecutiveFailures: e.failures,
		LastProbeError:      e.lastProbeErr,
	}
	if !e.degradedUntil.IsZero() {
		t := e.degradedUntil
		st.DegradedUntil = &t
	}
	if !e.lastProbeAt.IsZero() {
		t := e.lastProbeAt
		st.LastProbeAt = &t
	}
	return st
}
