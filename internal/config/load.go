package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brightming/genflow/pkg/model"
)

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" || s == "null" || s == "~" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration must be like \"5s\" or integer seconds: %w", err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func Default() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			GinMode:           "debug",
			ReadHeaderTimeout: Duration{5 * time.Second},
			ShutdownTimeout:   Duration{30 * time.Second},
			CORSOrigins:       []string{"*"},
		},
		Log: LogConfig{Mode: "development"},
		DB: DBConfig{
			Driver: "memory",
			Host:   "localhost",
			Port:   "3306",
			Name:   "genflow",
			User:   "root",
		},
		Auth: AuthConfig{
			Issuer:   "genflow",
			TokenTTL: Duration{24 * time.Hour},
		},
		Quota: QuotaConfig{
			DefaultTier: "free",
			Tiers: []model.Tier{
				{Name: "free", DailyLimit: 5, MonthlyLimit: 50, MaxInFlight: 2},
				{Name: "family", DailyLimit: 20, MonthlyLimit: 300, MaxInFlight: 4},
				{Name: "premium", DailyLimit: 100, MonthlyLimit: 2000, MaxInFlight: 8},
			},
			CostPerRequest: 1,
		},
		Providers: []ProviderConfig{
			{
				ProviderDescriptor: model.ProviderDescriptor{
					ID: "local-static", Vendor: "static", Priority: 100, Primary: true,
					PerMinuteLimit: 60, PerDayLimit: 10000,
				},
				Timeout: Duration{10 * time.Second},
			},
		},
		RateLimit: RateLimitConfig{Backend: "memory"},
		Safety: SafetyConfig{
			ClassifierTimeout: Duration{3 * time.Second},
			MinReadingScore:   60,
			MaxPromptChars:    1000,
		},
		Orchestrator: OrchestratorConfig{
			DedupeWindow:           Duration{10 * time.Minute},
			MaxWorkers:             64,
			DefaultProviderTimeout: Duration{30 * time.Second},
			BreakerThreshold:       3,
			BreakerWindow:          Duration{time.Minute},
			BreakerCooldown:        Duration{30 * time.Second},
			ProbeInterval:          Duration{15 * time.Second},
			TaskTimeout:            Duration{5 * time.Minute},
			MaintenanceInterval:    Duration{time.Minute},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTL:        Duration{time.Hour},
			MaxEntries: 10000,
		},
		Credentials: CredentialsConfig{
			Sealer:       "none",
			MasterKeyEnv: "GENFLOW_MASTER_KEY",
		},
	}
}

// Load 读取配置：默认值 <- YAML文件 <- 环境变量
func Load() (*Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("GENFLOW_CONFIG"))
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "genflow.yaml")
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 将YAML文件合并到cfg上
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config failed: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("GENFLOW_ENV", cfg.Env)
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.GinMode = getEnv("GIN_MODE", cfg.HTTP.GinMode)
	cfg.Log.Mode = getEnv("LOG_MODE", cfg.Log.Mode)

	cfg.DB.Driver = getEnv("DB_DRIVER", cfg.DB.Driver)
	cfg.DB.Host = getEnv("DB_HOST", cfg.DB.Host)
	cfg.DB.Port = getEnv("DB_PORT", cfg.DB.Port)
	cfg.DB.Name = getEnv("DB_NAME", cfg.DB.Name)
	cfg.DB.User = getEnv("DB_USER", cfg.DB.User)
	cfg.DB.Password = getEnv("DB_PASSWORD", cfg.DB.Password)
	cfg.DB.SQLitePath = getEnv("DB_SQLITE_PATH", cfg.DB.SQLitePath)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Disabled = getEnvBool("AUTH_DISABLED", cfg.Auth.Disabled)

	cfg.Cache.Backend = getEnv("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend)
	cfg.Orchestrator.MaxWorkers = getEnvInt("MAX_WORKERS", cfg.Orchestrator.MaxWorkers)

	cfg.Credentials.Sealer = getEnv("CREDENTIAL_SEALER", cfg.Credentials.Sealer)
	cfg.Credentials.KMSRegion = getEnv("ALIYUN_KMS_REGION", cfg.Credentials.KMSRegion)
	cfg.Credentials.KMSKeyID = getEnv("ALIYUN_KMS_KEY_ID", cfg.Credentials.KMSKeyID)
	cfg.Credentials.AccessKeyID = getEnv("ALIYUN_ACCESS_KEY_ID", cfg.Credentials.AccessKeyID)
	cfg.Credentials.AccessKeySecret = getEnv("ALIYUN_ACCESS_KEY_SECRET", cfg.Credentials.AccessKeySecret)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
	if len(c.Providers) == 0 {
		return errors.New("config must define at least one provider")
	}
	seen := make(map[string]bool, len(c.Providers))
	primaries := 0
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Vendor = strings.ToLower(strings.TrimSpace(p.Vendor))
		if p.ID == "" {
			return errors.New("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Vendor == "" {
			return fmt.Errorf("provider %q missing vendor", p.ID)
		}
		if p.PerMinuteLimit <= 0 || p.PerDayLimit <= 0 {
			return fmt.Errorf("provider %q limits must be positive", p.ID)
		}
		if p.CostPerUnit < 0 {
			return fmt.Errorf("provider %q cost_per_unit must not be negative", p.ID)
		}
		if p.Timeout.Duration <= 0 {
			p.Timeout = c.Orchestrator.DefaultProviderTimeout
		}
		if p.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary provider required, got %d", primaries)
	}

	if len(c.Quota.Tiers) == 0 {
		return errors.New("config must define at least one quota tier")
	}
	for _, t := range c.Quota.Tiers {
		if t.DailyLimit <= 0 || t.MonthlyLimit <= 0 {
			return fmt.Errorf("tier %q limits must be positive", t.Name)
		}
		if t.DailyLimit > t.MonthlyLimit {
			return fmt.Errorf("tier %q daily limit exceeds monthly limit", t.Name)
		}
	}
	if _, ok := c.TierByName(c.Quota.DefaultTier); !ok {
		return fmt.Errorf("default tier %q not defined", c.Quota.DefaultTier)
	}
	for account, tier := range c.Quota.Accounts {
		if _, ok := c.TierByName(tier); !ok {
			return fmt.Errorf("account %q references unknown tier %q", account, tier)
		}
	}
	if c.Quota.CostPerRequest <= 0 {
		c.Quota.CostPerRequest = 1
	}
	if c.Orchestrator.MaxWorkers <= 0 {
		return errors.New("orchestrator.max_workers must be positive")
	}
	if c.Orchestrator.BreakerThreshold <= 0 {
		return errors.New("orchestrator.breaker_threshold must be positive")
	}

	switch c.DB.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if (c.Cache.Backend == "redis" || c.RateLimit.Backend == "redis") && c.Redis.Addr == "" {
		return errors.New("redis.addr required for redis backends")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret required unless auth is disabled")
	}
	return nil
}

// MySQLDSN 组装MySQL连接串
func (c DBConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
