// Package generation 生成请求、审核与配额相关的HTTP接口
package generation

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brightming/genflow/internal/auth"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/internal/orchestrator"
	"github.com/brightming/genflow/internal/prompt"
	"github.com/brightming/genflow/pkg/api/response"
	"github.com/brightming/genflow/pkg/model"
)

// Service 编排服务接口，由 orchestrator.Service 实现
type Service interface {
	Submit(ctx context.Context, req model.GenerationRequest) (*orchestrator.Receipt, error)
	GetStatus(ctx context.Context, id, requesterID string) (*model.StatusView, error)
	Cancel(ctx context.Context, id, requesterID string) (*model.StatusView, error)
	Decide(ctx context.Context, id string, d model.ReviewDecision) (*model.StatusView, error)
	GetQuota(ctx context.Context, accountID string) (model.QuotaSnapshot, error)
	GrantBonus(ctx context.Context, accountID string, credits int, expiresAt *time.Time) (model.QuotaSnapshot, error)
	ReviewQueue(ctx context.Context, page, limit int) (*model.ReviewQueue, error)
}

const defaultReviewPageSize = 20

// Handler 生成接口处理器
type Handler struct {
	svc Service
}

// NewHandler 创建处理器
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册路由，r 需已挂载认证中间件
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	gens := r.Group("/generations")
	{
		gens.POST("", h.Submit)
		gens.GET("/:id", h.GetStatus)
		gens.POST("/:id/cancel", h.Cancel)
		gens.POST("/:id/decision", auth.RequireRole(auth.RoleReviewer), h.Decide)
	}

	quota := r.Group("/quota")
	{
		quota.GET("/:account_id", h.GetQuota)
		quota.POST("/:account_id/bonus", auth.RequireRole(auth.RoleAdmin), h.GrantBonus)
	}

	r.GET("/reviews", auth.RequireRole(auth.RoleReviewer), h.ReviewQueue)
	r.GET("/templates", h.ListTemplates)
}

// SubmitRequest 提交生成请求
type SubmitRequest struct {
	Prompt          string           `json:"prompt" binding:"required"`
	Parameters      model.Parameters `json:"parameters" binding:"required"`
	AssetIDs        []string         `json:"asset_ids"`
	TargetProfileID string           `json:"target_profile_id"`
	DerivedFrom     string           `json:"derived_from"`
}

// DecisionRequest 审核决定
type DecisionRequest struct {
	Action        model.DecisionAction `json:"action" binding:"required"`
	EditedContent string               `json:"edited_content"`
	Notes         string               `json:"notes"`
}

// BonusRequest 发放奖励额度
type BonusRequest struct {
	Credits   int        `json:"credits" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Submit 提交生成请求，受理后返回 202
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	id := auth.FromContext(c)
	receipt, err := h.svc.Submit(c.Request.Context(), model.GenerationRequest{
		RequesterID:     id.RequesterID,
		TargetProfileID: req.TargetProfileID,
		Prompt:          req.Prompt,
		Parameters:      req.Parameters,
		AssetIDs:        req.AssetIDs,
		DerivedFrom:     req.DerivedFrom,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, receipt)
}

// GetStatus 查询请求；审核员可以查看任意请求
func (h *Handler) GetStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"), scopeFor(c, auth.RoleReviewer))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel 取消请求
func (h *Handler) Cancel(c *gin.Context) {
	view, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), scopeFor(c, auth.RoleAdmin))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Decide 记录审核决定
func (h *Handler) Decide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	view, err := h.svc.Decide(c.Request.Context(), c.Param("id"), model.ReviewDecision{
		ReviewerID:    auth.FromContext(c).RequesterID,
		Action:        req.Action,
		EditedContent: req.EditedContent,
		Notes:         req.Notes,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetQuota 查询配额，只能查看自己的账户
func (h *Handler) GetQuota(c *gin.Context) {
	account := c.Param("account_id")
	id := auth.FromContext(c)
	if id.RequesterID != account && !id.HasRole(auth.RoleAdmin) {
		response.Error(c, generr.Forbidden("cannot read quota of another account"))
		return
	}
	snap, err := h.svc.GetQuota(c.Request.Context(), account)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) GrantBonus(c *gin.Context) {
	var req BonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	snap, err := h.svc.GrantBonus(c.Request.Context(), c.Param("account_id"), req.Credits, req.ExpiresAt)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ReviewQueue 待审核草稿，?page=1&limit=20
func (h *Handler) ReviewQueue(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultReviewPageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	q, err := h.svc.ReviewQueue(c.Request.Context(), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": prompt.ListTemplates()})
}

// scopeFor 拥有 role 时不限定请求方
func scopeFor(c *gin.Context, role string) string {
	id := auth.FromContext(c)
	if id.HasRole(role) {
		return ""
	}
	return id.RequesterID
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, generr.Validation("%s must be an integer", key)
	}
	return n, nil
}
