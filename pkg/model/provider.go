package model

import "time"

// HealthStatus Provider健康状态
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// ProviderDescriptor 生成后端描述
type ProviderDescriptor struct {
	ID             string        `json:"id" yaml:"id"`
	Vendor         string        `json:"vendor" yaml:"vendor"` // openai, aliyun, static
	Model          string        `json:"model,omitempty" yaml:"model"`
	Endpoint       string        `json:"endpoint,omitempty" yaml:"endpoint"`
	Priority       int           `json:"priority" yaml:"priority"` // 越小越优先
	Primary        bool          `json:"primary" yaml:"primary"`
	PerMinuteLimit int           `json:"per_minute_limit" yaml:"per_minute_limit"`
	PerDayLimit    int           `json:"per_day_limit" yaml:"per_day_limit"`
	CostPerUnit    float64       `json:"cost_per_unit" yaml:"cost_per_unit"` // 每1K tokens
	Timeout        time.Duration `json:"timeout" yaml:"-"`
	APIKeySealed   string        `json:"-" yaml:"api_key_sealed"`
	APIKeyEnv      string        `json:"-" yaml:"api_key_env"`
}

// ProviderState 注册表中的Provider快照
type ProviderState struct {
	Descriptor          ProviderDescriptor `json:"descriptor"`
	Health              HealthStatus       `json:"health"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	DegradedUntil       *time.Time         `json:"degraded_until,omitempty"`
	LastProbeAt         *time.Time         `json:"last_probe_at,omitempty"`
	LastProbeError      string             `json:"last_probe_error,omitempty"`
}
