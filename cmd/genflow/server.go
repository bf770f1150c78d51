package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/internal/auth"
	"github.com/brightming/genflow/internal/config"
	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/internal/registry"
	assetapi "github.com/brightming/genflow/pkg/api/asset"
	"github.com/brightming/genflow/pkg/api/generation"
	providerapi "github.com/brightming/genflow/pkg/api/provider"
	"github.com/brightming/genflow/pkg/metrics"
	"github.com/brightming/genflow/pkg/model"
)

// readyFunc 返回未就绪的原因，就绪时为空
type readyFunc func(ctx context.Context) string

func newEngine(cfg *config.Config, lg *logger.Logger, m *metrics.Registry, svc generation.Service,
	reg providerapi.Registry, assets asset.Store, ready readyFunc) *gin.Engine {
	if cfg.HTTP.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware(cfg.HTTP.CORSOrigins))
	r.Use(otelgin.Middleware("genflow"))
	r.Use(m.GinMiddleware())
	r.Use(accessLog(lg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "genflow", "version": version})
	})
	r.GET("/ready", func(c *gin.Context) {
		if reason := ready(c.Request.Context()); reason != "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	var authenticator auth.Authenticator
	if cfg.Auth.Disabled {
		lg.Warn("authentication disabled, trusting X-Requester-ID header")
	} else {
		authenticator = auth.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	}
	v1 := r.Group("/api/v1", auth.Middleware(authenticator))
	{
		generation.NewHandler(svc).RegisterRoutes(v1)
		providerapi.NewHandler(reg).RegisterRoutes(v1)
		assetapi.NewHandler(assets).RegisterRoutes(v1)
	}
	return r
}

// readiness 至少一个Provider可用且数据库可连接
func readiness(reg *registry.Registry, db *gorm.DB) readyFunc {
	return func(ctx context.Context) string {
		usable := false
		for _, st := range reg.Snapshot() {
			if st.Health != model.HealthUnavailable {
				usable = true
				break
			}
		}
		if !usable {
			return "no usable provider"
		}
		if db != nil {
			sqlDB, err := db.DB()
			if err != nil {
				return "database unavailable"
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := sqlDB.PingContext(pctx); err != nil {
				return "database unavailable"
			}
		}
		return ""
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "X-Requester-ID", "X-Roles"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cc.AllowAllOrigins = true
		}
	}
	if !cc.AllowAllOrigins {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = c.GetHeader("X-Trace-ID")
		}
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set("X-Request-ID", requestID)
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func accessLog(lg *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		kv := []interface{}{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.Last().Error())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			lg.Error("http request", kv...)
			return
		}
		lg.Debug("http request", kv...)
	}
}
