package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/brightming/genflow/pkg/model"
)

// accountRow quota_accounts 表
type accountRow struct {
	AccountID      string `gorm:"primaryKey;size:64"`
	Tier           string `gorm:"size:32"`
	DailyUsed      int
	DailyLimit     int
	MonthlyUsed    int
	MonthlyLimit   int
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
	BonusCredits   int
	BonusExpiresAt *time.Time
	Holds          datatypes.JSON
	UpdatedAt      time.Time
}

func (accountRow) TableName() string { return "quota_accounts" }

// AccountStore 配额账户持久化，供 quota.Ledger 写穿
type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) (*AccountStore, error) {
	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, err
	}
	return &AccountStore{db: db}, nil
}

// LoadAccount 不存在时返回 nil, nil
func (s *AccountStore) LoadAccount(ctx context.Context, id string) (*model.QuotaAccount, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("account_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acct := &model.QuotaAccount{
		AccountID:      row.AccountID,
		Tier:           row.Tier,
		DailyUsed:      row.DailyUsed,
		DailyLimit:     row.DailyLimit,
		MonthlyUsed:    row.MonthlyUsed,
		MonthlyLimit:   row.MonthlyLimit,
		DailyResetAt:   row.DailyResetAt.UTC(),
		MonthlyResetAt: row.MonthlyResetAt.UTC(),
		BonusCredits:   row.BonusCredits,
		BonusExpiresAt: row.BonusExpiresAt,
	}
	if err := unmarshal(row.Holds, &acct.Holds); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *AccountStore) SaveAccount(ctx context.Context, a *model.QuotaAccount) error {
	holds, err := marshal(a.Holds)
	if err != nil {
		return err
	}
	row := accountRow{
		AccountID:      a.AccountID,
		Tier:           a.Tier,
		DailyUsed:      a.DailyUsed,
		DailyLimit:     a.DailyLimit,
		MonthlyUsed:    a.MonthlyUsed,
		MonthlyLimit:   a.MonthlyLimit,
		DailyResetAt:   a.DailyResetAt,
		MonthlyResetAt: a.MonthlyResetAt,
		BonusCredits:   a.BonusCredits,
		BonusExpiresAt: a.BonusExpiresAt,
		Holds:          holds,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}
