// Package provider Provider健康状态查询与管理接口
package provider

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightming/genflow/internal/auth"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/api/response"
	"github.com/brightming/genflow/pkg/model"
)

// Registry 注册表接口，由 registry.Registry 实现
type Registry interface {
	Snapshot() []model.ProviderState
	Get(id string) (model.ProviderState, bool)
	ProbeNow(ctx context.Context, id string) (model.ProviderState, error)
	SetHealth(id string, h model.HealthStatus) error
}

// Handler Provider接口处理器
type Handler struct {
	registry Registry
}

func NewHandler(registry Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	p := r.Group("/providers")
	{
		p.GET("", h.List)
		p.GET("/:id", h.Get)
		p.POST("/:id/probe", auth.RequireRole(auth.RoleAdmin), h.Probe)
		p.PUT("/:id/health", auth.RequireRole(auth.RoleAdmin), h.SetHealth)
	}
}

// List 按优先级列出Provider
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.registry.Snapshot()})
}

func (h *Handler) Get(c *gin.Context) {
	st, ok := h.registry.Get(c.Param("id"))
	if !ok {
		response.Error(c, generr.NotFound("provider", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, st)
}

// Probe 立即探测；探测失败仍返回最新状态
func (h *Handler) Probe(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.registry.Get(id); !ok {
		response.Error(c, generr.NotFound("provider", id))
		return
	}
	st, err := h.registry.ProbeNow(c.Request.Context(), id)
	body := gin.H{"provider": st, "healthy": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// HealthRequest 手动设置健康状态
type HealthRequest struct {
	Health model.HealthStatus `json:"health" binding:"required"`
}

// SetHealth 运维手动摘除或恢复Provider
func (h *Handler) SetHealth(c *gin.Context) {
	var req HealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	switch req.Health {
	case model.HealthHealthy, model.HealthDegraded, model.HealthUnavailable:
	default:
		response.Error(c, generr.Validation("unsupported health %q", req.Health))
		return
	}
	id := c.Param("id")
	if err := h.registry.SetHealth(id, req.Health); err != nil {
		response.Error(c, generr.NotFound("provider", id))
		return
	}
	st, _ := h.registry.Get(id)
	c.JSON(http.StatusOK, st)
}
