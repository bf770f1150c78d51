package config

import (
	"time"

	"github.com/brightming/genflow/pkg/model"
)

// Duration 支持 "5s" 形式的时长配置
type Duration struct {
	Duration time.Duration
}

// Config 服务配置
type Config struct {
	Env          string             `yaml:"env"`
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	DB           DBConfig           `yaml:"db"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Quota        QuotaConfig        `yaml:"quota"`
	Providers    []ProviderConfig   `yaml:"providers"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Safety       SafetyConfig       `yaml:"safety"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
}

type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	GinMode           string   `yaml:"gin_mode"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

// DBConfig 持久化配置，driver 为 memory/mysql/sqlite
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// SQLitePath 仅 sqlite 使用
	SQLitePath string `yaml:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	TokenTTL  Duration `yaml:"token_ttl"`
	// Disabled 关闭鉴权，仅用于本地开发
	Disabled bool `yaml:"disabled"`
}

// QuotaConfig 配额档位与单次生成的成本
type QuotaConfig struct {
	DefaultTier string       `yaml:"default_tier"`
	Tiers       []model.Tier `yaml:"tiers"`
	// Accounts 账户到档位的静态映射
	Accounts map[string]string `yaml:"accounts"`
	// CostPerRequest 每次生成扣减的额度
	CostPerRequest int `yaml:"cost_per_request"`
}

// ProviderConfig Provider配置
type ProviderConfig struct {
	model.ProviderDescriptor `yaml:",inline"`
	Timeout                  Duration `yaml:"timeout"`
	// Unavailable 启动即标记为不可用
	Unavailable bool `yaml:"unavailable"`
}

// Descriptor 返回带超时的描述
func (p ProviderConfig) Descriptor() model.ProviderDescriptor {
	d := p.ProviderDescriptor
	d.Timeout = p.Timeout.Duration
	return d
}

// RateLimitConfig Provider调用频率上限的计数后端
type RateLimitConfig struct {
	Backend string `yaml:"backend"` // memory, redis
}

type SafetyConfig struct {
	ClassifierTimeout Duration `yaml:"classifier_timeout"`
	// ClassifierEndpoint 为空时不启用外部分类器
	ClassifierEndpoint string   `yaml:"classifier_endpoint"`
	MinReadingScore    float64  `yaml:"min_reading_score"`
	ExtraDenyTerms     []string `yaml:"extra_deny_terms"`
	MaxPromptChars     int      `yaml:"max_prompt_chars"`
}

type OrchestratorConfig struct {
	DedupeWindow           Duration `yaml:"dedupe_window"`
	MaxWorkers             int      `yaml:"max_workers"`
	DefaultProviderTimeout Duration `yaml:"default_provider_timeout"`
	BreakerThreshold       int      `yaml:"breaker_threshold"`
	BreakerWindow          Duration `yaml:"breaker_window"`
	BreakerCooldown        Duration `yaml:"breaker_cooldown"`
	ProbeInterval          Duration `yaml:"probe_interval"`
	TaskTimeout            Duration `yaml:"task_timeout"`
	MaintenanceInterval    Duration `yaml:"maintenance_interval"`
}

type CacheConfig struct {
	Backend    string   `yaml:"backend"` // memory, redis
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
}

// CredentialsConfig Provider密钥解封方式，sealer 为 none/local/kms
type CredentialsConfig struct {
	Sealer          string `yaml:"sealer"`
	MasterKeyEnv    string `yaml:"master_key_env"`
	KMSRegion       string `yaml:"kms_region"`
	KMSKeyID        string `yaml:"kms_key_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
}

// TierByName 查找档位
func (c *Config) TierByName(name string) (model.Tier, bool) {
	for _, t := range c.Quota.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return model.Tier{}, false
}

// Descriptors 所有Provider描述
func (c *Config) Descriptors() []model.ProviderDescriptor {
	out := make([]model.ProviderDescriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.Descriptor())
	}
	return out
}
