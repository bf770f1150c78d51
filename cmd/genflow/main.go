package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/internal/cache"
	"github.com/brightming/genflow/internal/config"
	"github.com/brightming/genflow/internal/credential"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/observability"
	"github.com/brightming/genflow/internal/orchestrator"
	"github.com/brightming/genflow/internal/quota"
	"github.com/brightming/genflow/internal/ratelimit"
	"github.com/brightming/genflow/internal/registry"
	"github.com/brightming/genflow/internal/router"
	"github.com/brightming/genflow/internal/safety"
	"github.com/brightming/genflow/internal/store"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
	"github.com/brightming/genflow/pkg/provider"
)

var version = "dev"

func main() {
	seal := flag.Bool("seal", false, "read an API key from stdin and print its sealed form")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	lg, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer lg.Sync()

	if *seal {
		if err := runSeal(cfg); err != nil {
			lg.Fatal("seal failed", "error", err)
		}
		return
	}

	if err := run(cfg, lg); err != nil {
		lg.Fatal("genflow exited with error", "error", err)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, lg, observability.OtelConfig{
		ServiceName: "genflow",
		Environment: cfg.Env,
		Version:     version,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	a, err := newApp(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer a.close()
	if n, err := a.svc.Resume(ctx); err != nil {
		lg.Error("resume unfinished requests failed", "error", err)
	} else if n > 0 {
		lg.Info("resumed unfinished requests", "count", n)
	}
	go a.reg.Run(a.probeCtx, cfg.Orchestrator.ProbeInterval.Duration)
	go a.svc.Run(a.probeCtx, cfg.Orchestrator.MaintenanceInterval.Duration)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.engine,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("genflow listening", "addr", srv.Addr, "version", version, "db", cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	lg.Info("shutting down genflow")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("http shutdown failed", "error", err)
	}
	a.stopProbes()
	if err := a.svc.Shutdown(sctx); err != nil {
		lg.Warn("generation tasks still running at shutdown, they will resume on next start", "error", err)
	}
	return nil
}

// app 组装好的服务组件
type app struct {
	engine     *gin.Engine
	svc        *orchestrator.Service
	reg        *registry.Registry
	probeCtx   context.Context
	stopProbes context.CancelFunc
	closers    []func() error
}

func (a *app) close() {
	a.stopProbes()
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*app, error) {
	a := &app{}
	a.probeCtx, a.stopProbes = context.WithCancel(ctx)
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	m := metrics.NewRegistry()

	st, db, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	sealer, err := buildSealer(cfg)
	if err != nil {
		return nil, err
	}
	clients, failed := buildClients(ctx, cfg, credential.NewResolver(sealer, lg), lg)
	for _, c := range clients {
		a.closers = append(a.closers, c.Close)
	}

	a.reg, err = registry.New(cfg.Descriptors(), registry.BreakerConfig{
		Threshold: cfg.Orchestrator.BreakerThreshold,
		Window:    cfg.Orchestrator.BreakerWindow.Duration,
		Cooldown:  cfg.Orchestrator.BreakerCooldown.Duration,
	}, lg, registry.WithMetrics(m), registry.WithProbe(func(pctx context.Context, id string) error {
		c, ok := clients[id]
		if !ok {
			return fmt.Errorf("provider %s has no client", id)
		}
		return c.HealthCheck(pctx)
	}))
	if err != nil {
		return nil, fmt.Errorf("init provider registry failed: %w", err)
	}
	for _, p := range cfg.Providers {
		if p.Unavailable || failed[p.ID] {
			_ = a.reg.SetHealth(p.ID, model.HealthUnavailable)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RateLimit.Backend == "redis" {
		limiter = ratelimit.NewRedisLimiter(rdb)
	}
	rt := router.New(a.reg, clients, limiter, lg,
		router.WithDefaultTimeout(cfg.Orchestrator.DefaultProviderTimeout.Duration),
		router.WithMetrics(m))

	var backend cache.Backend = cache.NewMemory(cfg.Cache.MaxEntries)
	if cfg.Cache.Backend == "redis" {
		backend = cache.NewRedis(rdb)
	}
	resultCache := cache.New(backend, cfg.Cache.TTL.Duration, lg, m)

	var assets asset.Store = asset.NewStaticResolver()
	if db != nil {
		if assets, err = asset.NewGormResolver(db); err != nil {
			return nil, fmt.Errorf("init asset store failed: %w", err)
		}
	}

	var classifier safety.Classifier
	if cfg.Safety.ClassifierEndpoint != "" {
		classifier = safety.NewHTTPClassifier(cfg.Safety.ClassifierEndpoint)
	}
	policy := safety.NewPolicy(cfg.Safety.MinReadingScore, cfg.Safety.ClassifierTimeout.Duration, cfg.Safety.ExtraDenyTerms...)

	ledgerOpts := []quota.Option{quota.WithMetrics(m)}
	if db != nil {
		accounts, err := store.NewAccountStore(db)
		if err != nil {
			return nil, fmt.Errorf("init quota account store failed: %w", err)
		}
		ledgerOpts = append(ledgerOpts, quota.WithStore(accounts))
	}
	ledger := quota.NewLedger(tierResolver(cfg), lg, ledgerOpts...)

	a.svc = orchestrator.New(orchestrator.Deps{
		Store:   st,
		Ledger:  ledger,
		Router:  rt,
		Safety:  safety.NewPipeline(policy, classifier, lg, m),
		Assets:  asset.NewAnalyzer(assets, resultCache),
		Metrics: m,
		Log:     lg,
	}, orchestrator.Options{
		DedupeWindow:   cfg.Orchestrator.DedupeWindow.Duration,
		TaskTimeout:    cfg.Orchestrator.TaskTimeout.Duration,
		Workers:        workerCount(cfg),
		CostPerRequest: cfg.Quota.CostPerRequest,
		MaxPromptChars: cfg.Safety.MaxPromptChars,
	})

	a.engine = newEngine(cfg, lg, m, a.svc, a.reg, assets, readiness(a.reg, db))
	ok = true
	return a, nil
}

func buildStore(cfg *config.Config) (store.Store, *gorm.DB, error) {
	if cfg.DB.Driver == "memory" {
		return store.NewMemoryStore(), nil, nil
	}
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database failed: %w", err)
	}
	st, err := store.NewGormStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("migrate database failed: %w", err)
	}
	return st, db, nil
}

func buildSealer(cfg *config.Config) (*credential.Sealer, error) {
	switch cfg.Credentials.Sealer {
	case "", "none":
		return nil, nil
	case "local":
		w, err := credential.NewLocalWrapper(os.Getenv(cfg.Credentials.MasterKeyEnv))
		if err != nil {
			return nil, fmt.Errorf("local master key from %s: %w", cfg.Credentials.MasterKeyEnv, err)
		}
		return credential.NewSealer(w), nil
	case "kms":
		w, err := credential.NewKMSWrapper(credential.KMSConfig{
			RegionID:        cfg.Credentials.KMSRegion,
			AccessKeyID:     cfg.Credentials.AccessKeyID,
			AccessKeySecret: cfg.Credentials.AccessKeySecret,
			MasterKeyID:     cfg.Credentials.KMSKeyID,
		})
		if err != nil {
			return nil, err
		}
		return credential.NewSealer(w), nil
	default:
		return nil, fmt.Errorf("unknown credential sealer %q", cfg.Credentials.Sealer)
	}
}

// buildClients 创建失败的Provider记入 failed，启动后标记为不可用
func buildClients(ctx context.Context, cfg *config.Config, keys *credential.Resolver, lg *logger.Logger) (router.Clients, map[string]bool) {
	factory := provider.NewFactory()
	clients := make(router.Clients, len(cfg.Providers))
	failed := make(map[string]bool)
	for _, desc := range cfg.Descriptors() {
		key, err := keys.APIKey(ctx, desc)
		if err != nil {
			lg.Error("resolve provider api key failed", "provider_id", desc.ID, "error", err)
			failed[desc.ID] = true
			continue
		}
		c, err := factory.Create(desc, key)
		if err != nil {
			lg.Warn("provider client not created", "provider_id", desc.ID, "vendor", desc.Vendor, "error", err)
			failed[desc.ID] = true
			continue
		}
		clients[desc.ID] = c
	}
	return clients, failed
}

func tierResolver(cfg *config.Config) quota.TierResolver {
	def, _ := cfg.TierByName(cfg.Quota.DefaultTier)
	return func(accountID string) model.Tier {
		if name, ok := cfg.Quota.Accounts[accountID]; ok {
			if t, ok := cfg.TierByName(name); ok {
				return t
			}
		}
		return def
	}
}

// workerCount 全局并发不超过各Provider每分钟上限之和
func workerCount(cfg *config.Config) int64 {
	sum := 0
	for _, p := range cfg.Providers {
		sum += p.PerMinuteLimit
	}
	n := cfg.Orchestrator.MaxWorkers
	if sum > 0 && sum < n {
		n = sum
	}
	return int64(n)
}

func runSeal(cfg *config.Config) error {
	sealer, err := buildSealer(cfg)
	if err != nil {
		return err
	}
	if sealer == nil {
		return errors.New("credentials.sealer is none; set it to local or kms")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read api key from stdin: %w", err)
	}
	sealed, err := sealer.Seal(context.Background(), strings.TrimSpace(line))
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
