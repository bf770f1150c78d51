// Package quota 按账户维护日/月配额与奖励额度
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
)

// AccountStore 配额账户持久化接口，未找到时返回 nil, nil
type AccountStore interface {
	LoadAccount(ctx context.Context, accountID string) (*model.QuotaAccount, error)
	SaveAccount(ctx context.Context, acct *model.QuotaAccount) error
}

// TierResolver 账户到档位的映射
type TierResolver func(accountID string) model.Tier

// Reservation 一次预扣的句柄。预扣明细以 hold 形式记在账户上，
// Release 与 Commit 按 ID 查找，hold 不存在时为空操作，进程重启后依然幂等
type Reservation struct {
	ID         string
	AccountID  string
	Cost       int // 计入日/月用量的部分
	Bonus      int // 从奖励额度扣除的部分
	ReservedAt time.Time
}

// Ledger 配额账本
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*accountEntry

	tiers   TierResolver
	store   AccountStore
	log     *logger.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type accountEntry struct {
	mu     sync.Mutex
	loaded bool
	acct   model.QuotaAccount
}

// Option 账本选项
type Option func(*Ledger)

// WithStore 写穿到持久化存储
func WithStore(store AccountStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger 创建配额账本
func NewLedger(tiers TierResolver, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*accountEntry),
		tiers:    tiers,
		log:      log.With("component", "quota"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tier 账户所属档位
func (l *Ledger) Tier(accountID string) model.Tier {
	return l.tiers(accountID)
}

// TryReserve 原子地预扣额度，超出时返回 quota_exceeded 与最近的重置时间。
// holdID 为空时自动生成；同一 holdID 重复预扣返回已有的预扣
func (l *Ledger) TryReserve(ctx context.Context, accountID string, cost int, holdID string) (*Reservation, model.QuotaSnapshot, error) {
	if cost <= 0 {
		return nil, model.QuotaSnapshot{}, generr.Validation("reservation cost must be positive")
	}
	if holdID == "" {
		holdID = uuid.NewString()
	}
	e, err := l.lockEntry(ctx, accountID)
	if err != nil {
		return nil, model.QuotaSnapshot{}, err
	}
	defer e.mu.Unlock()

	now := l.now().UTC()
	before := cloneAccount(e.acct)
	changed := normalize(&e.acct, now)

	if i := findHold(e.acct.Holds, holdID); i >= 0 {
		if changed {
			l.persist(ctx, &e.acct)
		}
		return reservationOf(accountID, e.acct.Holds[i]), snapshot(e.acct), nil
	}

	fromTier := minInt(cost, e.acct.DailyLimit-e.acct.DailyUsed, e.acct.MonthlyLimit-e.acct.MonthlyUsed)
	if fromTier < 0 {
		fromTier = 0
	}
	fromBonus := cost - fromTier
	if fromBonus > e.acct.BonusCredits {
		snap := snapshot(e.acct)
		if changed {
			l.persist(ctx, &e.acct)
		}
		l.metrics.RecordQuotaRejection(e.acct.Tier)
		l.log.Info("quota exhausted", "account_id", accountID, "cost", cost, "daily_used", e.acct.DailyUsed)
		return nil, snap, generr.QuotaExceeded(bindingReset(e.acct))
	}

	hold := model.QuotaHold{ID: holdID, Cost: fromTier, Bonus: fromBonus, ReservedAt: now}
	e.acct.DailyUsed += fromTier
	e.acct.MonthlyUsed += fromTier
	e.acct.BonusCredits -= fromBonus
	e.acct.Holds = withHold(e.acct.Holds, hold)
	if err := l.persist(ctx, &e.acct); err != nil {
		e.acct = before
		return nil, model.QuotaSnapshot{}, generr.Internal(fmt.Errorf("save quota account failed: %w", err))
	}
	return reservationOf(accountID, hold), snapshot(e.acct), nil
}

// Restore 根据请求上保存的预扣ID重建句柄，明细以账户上的 hold 为准
func (l *Ledger) Restore(accountID, id string) *Reservation {
	return &Reservation{ID: id, AccountID: accountID}
}

// Release 退还预扣额度并移除 hold。窗口已重置的部分不再退还，避免侵占新窗口
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.ID == "" {
		return nil
	}
	e, err := l.lockEntry(ctx, res.AccountID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	i := findHold(e.acct.Holds, res.ID)
	if i < 0 {
		return nil
	}
	now := l.now().UTC()
	before := cloneAccount(e.acct)
	hold := e.acct.Holds[i]
	normalize(&e.acct, now)

	if e.acct.DailyResetAt.Equal(nextDailyReset(hold.ReservedAt)) {
		e.acct.DailyUsed = maxInt(0, e.acct.DailyUsed-hold.Cost)
	}
	if e.acct.MonthlyResetAt.Equal(nextMonthlyReset(hold.ReservedAt)) {
		e.acct.MonthlyUsed = maxInt(0, e.acct.MonthlyUsed-hold.Cost)
	}
	if hold.Bonus > 0 && bonusActive(e.acct, now) {
		e.acct.BonusCredits += hold.Bonus
	}
	e.acct.Holds = withoutHold(e.acct.Holds, res.ID)
	if err := l.persist(ctx, &e.acct); err != nil {
		e.acct = before
		return generr.Internal(fmt.Errorf("save quota account failed: %w", err))
	}
	l.metrics.RecordRefund()
	return nil
}

// Commit 结算预扣：额度保持已扣，只移除 hold
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	if res == nil || res.ID == "" {
		return nil
	}
	e, err := l.lockEntry(ctx, res.AccountID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if findHold(e.acct.Holds, res.ID) < 0 {
		return nil
	}
	before := cloneAccount(e.acct)
	normalize(&e.acct, l.now().UTC())
	e.acct.Holds = withoutHold(e.acct.Holds, res.ID)
	if err := l.persist(ctx, &e.acct); err != nil {
		e.acct = before
		return generr.Internal(fmt.Errorf("save quota account failed: %w", err))
	}
	return nil
}

// GetQuota 返回账户当前用量，读取时同样执行惰性重置
func (l *Ledger) GetQuota(ctx context.Context, accountID string) (model.QuotaSnapshot, error) {
	e, err := l.lockEntry(ctx, accountID)
	if err != nil {
		return model.QuotaSnapshot{}, err
	}
	defer e.mu.Unlock()

	if normalize(&e.acct, l.now().UTC()) {
		l.persist(ctx, &e.acct)
	}
	return snapshot(e.acct), nil
}

// GrantBonus 发放奖励额度，expiresAt 为空表示不过期
func (l *Ledger) GrantBonus(ctx context.Context, accountID string, credits int, expiresAt *time.Time) (model.QuotaSnapshot, error) {
	if credits <= 0 {
		return model.QuotaSnapshot{}, generr.Validation("bonus credits must be positive")
	}
	now := l.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return model.QuotaSnapshot{}, generr.Validation("bonus expiry must be in the future")
	}
	e, err := l.lockEntry(ctx, accountID)
	if err != nil {
		return model.QuotaSnapshot{}, err
	}
	defer e.mu.Unlock()

	before := cloneAccount(e.acct)
	normalize(&e.acct, now)
	e.acct.BonusCredits += credits
	if expiresAt != nil {
		t := expiresAt.UTC()
		e.acct.BonusExpiresAt = &t
	} else {
		e.acct.BonusExpiresAt = nil
	}
	if err := l.persist(ctx, &e.acct); err != nil {
		e.acct = before
		return model.QuotaSnapshot{}, generr.Internal(fmt.Errorf("save quota account failed: %w", err))
	}
	l.log.Info("bonus granted", "account_id", accountID, "credits", credits)
	return snapshot(e.acct), nil
}

// lockEntry 取得并锁住账户，首次访问时从存储加载或按档位创建
func (l *Ledger) lockEntry(ctx context.Context, accountID string) (*accountEntry, error) {
	if accountID == "" {
		return nil, generr.Validation("account id is required")
	}
	l.mu.RLock()
	e, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		if e, ok = l.accounts[accountID]; !ok {
			e = &accountEntry{}
			l.accounts[accountID] = e
		}
		l.mu.Unlock()
	}

	e.mu.Lock()
	if e.loaded {
		return e, nil
	}
	if l.store != nil {
		acct, err := l.store.LoadAccount(ctx, accountID)
		if err != nil {
			e.mu.Unlock()
			return nil, generr.Internal(fmt.Errorf("load quota account failed: %w", err))
		}
		if acct != nil {
			e.acct = *acct
			e.loaded = true
			return e, nil
		}
	}
	e.acct = l.newAccount(accountID)
	e.loaded = true
	return e, nil
}

func (l *Ledger) newAccount(accountID string) model.QuotaAccount {
	tier := l.tiers(accountID)
	now := l.now().UTC()
	return model.QuotaAccount{
		AccountID:      accountID,
		Tier:           tier.Name,
		DailyLimit:     tier.DailyLimit,
		MonthlyLimit:   tier.MonthlyLimit,
		DailyResetAt:   nextDailyReset(now),
		MonthlyResetAt: nextMonthlyReset(now),
	}
}

func (l *Ledger) persist(ctx context.Context, acct *model.QuotaAccount) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveAccount(ctx, acct); err != nil {
		l.log.Error("persist quota account failed", "account_id", acct.AccountID, "error", err)
		return err
	}
	return nil
}

// normalize 惰性重置窗口并清理过期奖励，幂等，返回是否有改动
func normalize(acct *model.QuotaAccount, now time.Time) bool {
	changed := false
	if !now.Before(acct.DailyResetAt) {
		acct.DailyUsed = 0
		acct.DailyResetAt = nextDailyReset(now)
		changed = true
	}
	if !now.Before(acct.MonthlyResetAt) {
		acct.MonthlyUsed = 0
		acct.MonthlyResetAt = nextMonthlyReset(now)
		changed = true
	}
	if !bonusActive(*acct, now) {
		acct.BonusCredits = 0
		acct.BonusExpiresAt = nil
		changed = true
	}
	return changed
}

func cloneAccount(acct model.QuotaAccount) model.QuotaAccount {
	c := acct
	c.Holds = append([]model.QuotaHold(nil), acct.Holds...)
	if acct.BonusExpiresAt != nil {
		t := *acct.BonusExpiresAt
		c.BonusExpiresAt = &t
	}
	return c
}

func findHold(holds []model.QuotaHold, id string) int {
	for i, h := range holds {
		if h.ID == id {
			return i
		}
	}
	return -1
}

// withHold 与 withoutHold 总是分配新切片，不与存储返回的切片共享底层数组
func withHold(holds []model.QuotaHold, h model.QuotaHold) []model.QuotaHold {
	out := make([]model.QuotaHold, 0, len(holds)+1)
	return append(append(out, holds...), h)
}

func withoutHold(holds []model.QuotaHold, id string) []model.QuotaHold {
	out := make([]model.QuotaHold, 0, len(holds))
	for _, h := range holds {
		if h.ID != id {
			out = append(out, h)
		}
	}
	return out
}

func reservationOf(accountID string, h model.QuotaHold) *Reservation {
	return &Reservation{ID: h.ID, AccountID: accountID, Cost: h.Cost, Bonus: h.Bonus, ReservedAt: h.ReservedAt}
}

func bonusActive(acct model.QuotaAccount, now time.Time) bool {
	return acct.BonusExpiresAt == nil || now.Before(*acct.BonusExpiresAt)
}

// bindingReset 最早能恢复额度的时间
func bindingReset(acct model.QuotaAccount) time.Time {
	if acct.MonthlyUsed >= acct.MonthlyLimit {
		return acct.MonthlyResetAt
	}
	return acct.DailyResetAt
}

func snapshot(acct model.QuotaAccount) model.QuotaSnapshot {
	return model.QuotaSnapshot{
		AccountID: acct.AccountID,
		Tier:      acct.Tier,
		Daily: model.QuotaCounter{
			Used:      acct.DailyUsed,
			Limit:     acct.DailyLimit,
			Remaining: maxInt(0, acct.DailyLimit-acct.DailyUsed),
			ResetAt:   acct.DailyResetAt,
		},
		Monthly: model.QuotaCounter{
			Used:      acct.MonthlyUsed,
			Limit:     acct.MonthlyLimit,
			Remaining: maxInt(0, acct.MonthlyLimit-acct.MonthlyUsed),
			ResetAt:   acct.MonthlyResetAt,
		},
		BonusCredits:   acct.BonusCredits,
		BonusExpiresAt: acct.BonusExpiresAt,
	}
}

// nextDailyReset 下一个UTC零点
func nextDailyReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

// nextMonthlyReset 下月1日UTC零点
func nextMonthlyReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
