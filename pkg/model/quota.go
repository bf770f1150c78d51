package model

import "time"

// Tier 配额档位
type Tier struct {
	Name         string `json:"name" yaml:"name"`
	DailyLimit   int    `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit int    `json:"monthly_limit" yaml:"monthly_limit"`
	MaxInFlight  int    `json:"max_in_flight" yaml:"max_in_flight"`
}

// QuotaAccount 请求方配额账户
type QuotaAccount struct {
	AccountID      string     `json:"account_id"`
	Tier           string     `json:"tier"`
	DailyUsed      int        `json:"daily_used"`
	DailyLimit     int        `json:"daily_limit"`
	MonthlyUsed    int        `json:"monthly_used"`
	MonthlyLimit   int        `json:"monthly_limit"`
	DailyResetAt   time.Time  `json:"daily_reset_at"`
	MonthlyResetAt time.Time  `json:"monthly_reset_at"`
	BonusCredits   int        `json:"bonus_credits"`
	BonusExpiresAt *time.Time `json:"bonus_expires_at,omitempty"`
	// 未结算的预扣，退还或提交后移除
	Holds []QuotaHold `json:"holds,omitempty"`
}

// QuotaHold 一次预扣，与扣减在同一次写入中持久化
type QuotaHold struct {
	ID         string    `json:"id"`
	Cost       int       `json:"cost"`
	Bonus      int       `json:"bonus"`
	ReservedAt time.Time `json:"reserved_at"`
}

// QuotaCounter 单个窗口的用量
type QuotaCounter struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaSnapshot GetQuota 的返回
type QuotaSnapshot struct {
	AccountID      string       `json:"account_id"`
	Tier           string       `json:"tier"`
	Daily          QuotaCounter `json:"daily"`
	Monthly        QuotaCounter `json:"monthly"`
	BonusCredits   int          `json:"bonus_credits"`
	BonusExpiresAt *time.Time   `json:"bonus_expires_at,omitempty"`
}
