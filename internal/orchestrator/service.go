// Package orchestrator 驱动生成请求的完整生命周期：校验、预扣配额、生成、安全检查与人工审核
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/quota"
	"github.com/brightming/genflow/internal/router"
	"github.com/brightming/genflow/internal/safety"
	"github.com/brightming/genflow/internal/store"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
	"github.com/brightming/genflow/pkg/provider"
)

// Invoker 生成调用，由 router.Router 实现
type Invoker interface {
	Invoke(ctx context.Context, req *provider.GenerateRequest, record router.Recorder) (*router.Result, error)
}

// Options 编排参数
type Options struct {
	DedupeWindow   time.Duration
	TaskTimeout    time.Duration
	Workers        int64
	CostPerRequest int
	MaxPromptChars int
}

func (o *Options) applyDefaults() {
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 10 * time.Minute
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 64
	}
	if o.CostPerRequest <= 0 {
		o.CostPerRequest = 1
	}
	if o.MaxPromptChars <= 0 {
		o.MaxPromptChars = 1000
	}
}

// Deps 协作组件
type Deps struct {
	Store   store.Store
	Ledger  *quota.Ledger
	Router  Invoker
	Safety  *safety.Pipeline
	Assets  *asset.Analyzer
	Metrics *metrics.Registry
	Log     *logger.Logger
}

// Service 编排服务。请求之间没有全局锁，每个请求由自己的互斥锁串行化状态迁移
type Service struct {
	store   store.Store
	ledger  *quota.Ledger
	router  Invoker
	safety  *safety.Pipeline
	assets  *asset.Analyzer
	metrics *metrics.Registry
	log     *logger.Logger
	opts    Options

	records  sync.Map // request id -> *tracked
	dedupe   sync.Map // fingerprint -> *dedupeEntry
	inflight sync.Map // account id -> *atomic.Int64
	workers  *semaphore.Weighted
	tasks    sync.WaitGroup
	now      func() time.Time
}

// tracked 单个请求的运行时状态
type tracked struct {
	mu          sync.Mutex
	rec         *model.RequestRecord
	reservation *quota.Reservation
	cancel      context.CancelFunc
	holdsSlot   bool
	startedAt   time.Time

	status atomic.Value // model.Status，去重与清理时无需持锁读取
}

func newTracked(rec *model.RequestRecord) *tracked {
	t := &tracked{rec: rec}
	t.status.Store(rec.Status)
	return t
}

func (t *tracked) currentStatus() model.Status {
	return t.status.Load().(model.Status)
}

type dedupeEntry struct {
	id string
	at time.Time
}

// New 创建编排服务
func New(deps Deps, opts Options) *Service {
	opts.applyDefaults()
	if deps.Safety == nil {
		deps.Safety = safety.NewPipeline(nil, nil, deps.Log, deps.Metrics)
	}
	return &Service{
		store:   deps.Store,
		ledger:  deps.Ledger,
		router:  deps.Router,
		safety:  deps.Safety,
		assets:  deps.Assets,
		metrics: deps.Metrics,
		log:     deps.Log.With("component", "orchestrator"),
		opts:    opts,
		workers: semaphore.NewWeighted(opts.Workers),
		now:     time.Now,
	}
}

// WithClock 测试用
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Shutdown 等待运行中的任务结束；超时后未完成的请求留给下次启动的 Resume
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition 在请求锁内执行一次迁移并持久化；调用方必须持有 t.mu
func (s *Service) transition(ctx context.Context, t *tracked, to model.Status, mutate func(rec *model.RequestRecord)) error {
	from := t.rec.Status
	if !CanTransition(from, to) {
		return generr.InvalidState(string(to), from)
	}
	if mutate != nil {
		mutate(t.rec)
	}
	t.rec.Status = to
	t.rec.UpdatedAt = s.now().UTC()
	t.status.Store(to)

	if refundable(from, to) {
		s.refund(ctx, t)
	}
	if active(from) && !active(to) {
		s.releaseSlot(t)
		if !t.startedAt.IsZero() {
			s.metrics.RecordTask(to, s.now().Sub(t.startedAt))
		}
	}
	s.metrics.RecordTransition(from, to)

	if err := s.store.SaveRequest(context.WithoutCancel(ctx), t.rec); err != nil {
		s.log.Error("persist request failed", "request_id", t.rec.Request.ID, "status", to, "error", err)
		return generr.Internal(err)
	}
	s.log.Debug("request transitioned", "request_id", t.rec.Request.ID, "from", from, "to", to)
	return nil
}

// fail 迁移到 failed 并记录原因
func (s *Service) fail(ctx context.Context, t *tracked, err error) {
	ge := generr.As(err)
	if ge == nil {
		ge = generr.Internal(err)
	}
	if terr := s.transition(ctx, t, model.StatusFailed, func(rec *model.RequestRecord) {
		rec.Failure = ge.Failure()
	}); errors.Is(terr, generr.ErrInvalidState) {
		s.log.Debug("request already settled", "request_id", t.rec.Request.ID, "status", t.rec.Status)
	}
}

// refund 幂等退还预扣额度。失败时标记 RefundPending，由 ReconcileRefunds 重试
func (s *Service) refund(ctx context.Context, t *tracked) {
	rec := t.rec
	if rec.Refunded || rec.ReservationID == "" {
		return
	}
	if t.reservation == nil {
		t.reservation = s.ledger.Restore(rec.Request.RequesterID, rec.ReservationID)
	}
	if err := s.ledger.Release(context.WithoutCancel(ctx), t.reservation); err != nil {
		rec.RefundPending = true
		s.log.Error("quota refund failed, will retry", "request_id", rec.Request.ID, "account_id", rec.Request.RequesterID, "error", err)
		return
	}
	rec.Refunded = true
	rec.RefundPending = false
	s.log.Info("quota refunded", "request_id", rec.Request.ID, "account_id", rec.Request.RequesterID)
}

// commit 结算预扣，额度不再退还
func (s *Service) commit(ctx context.Context, t *tracked) {
	rec := t.rec
	if rec.ReservationID == "" {
		return
	}
	if t.reservation == nil {
		t.reservation = s.ledger.Restore(rec.Request.RequesterID, rec.ReservationID)
	}
	if err := s.ledger.Commit(context.WithoutCancel(ctx), t.reservation); err != nil {
		// hold 残留只占用账户记录，不影响额度
		s.log.Warn("quota commit failed", "request_id", rec.Request.ID, "error", err)
	}
}

// admit 占用账户并发名额，maxInFlight<=0 表示不限
func (s *Service) admit(accountID string, maxInFlight int) bool {
	v, _ := s.inflight.LoadOrStore(accountID, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	if n := counter.Add(1); maxInFlight > 0 && n > int64(maxInFlight) {
		counter.Add(-1)
		return false
	}
	s.metrics.IncInFlight()
	return true
}

func (s *Service) releaseSlot(t *tracked) {
	if !t.holdsSlot {
		return
	}
	t.holdsSlot = false
	if v, ok := s.inflight.Load(t.rec.Request.RequesterID); ok {
		v.(*atomic.Int64).Add(-1)
	}
	s.metrics.DecInFlight()
}

// load 取运行时记录，不在内存时从存储加载
func (s *Service) load(ctx context.Context, id string) (*tracked, error) {
	if v, ok := s.records.Load(id); ok {
		return v.(*tracked), nil
	}
	rec, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	v, _ := s.records.LoadOrStore(id, newTracked(rec))
	return v.(*tracked), nil
}

// GetStatus 查询请求状态与调用记录。requesterID 为空表示特权查询
func (s *Service) GetStatus(ctx context.Context, id, requesterID string) (*model.StatusView, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	rec := *t.rec
	t.mu.Unlock()

	if requesterID != "" && rec.Request.RequesterID != requesterID {
		return nil, generr.NotFound("request", id)
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, generr.Internal(err)
	}
	view := &model.StatusView{
		RequestID:         id,
		Status:            rec.Status,
		Attempts:          attempts,
		Verdict:           rec.Verdict,
		NeedsStrictReview: rec.NeedsStrictReview,
		Artifact:          rec.Artifact,
		Failure:           rec.Failure,
		UpdatedAt:         rec.UpdatedAt,
	}
	if rec.Status == model.StatusReadyForReview {
		view.Draft = rec.Content
	}
	return view, nil
}

// GetQuota 账户配额
func (s *Service) GetQuota(ctx context.Context, accountID string) (model.QuotaSnapshot, error) {
	return s.ledger.GetQuota(ctx, accountID)
}

// GrantBonus 发放奖励额度
func (s *Service) GrantBonus(ctx context.Context, accountID string, credits int, expiresAt *time.Time) (model.QuotaSnapshot, error) {
	return s.ledger.GrantBonus(ctx, accountID, credits, expiresAt)
}
