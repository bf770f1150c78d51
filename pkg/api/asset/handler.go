// Package asset 素材登记接口
package asset

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brightming/genflow/internal/asset"
	"github.com/brightming/genflow/internal/auth"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/api/response"
)

const (
	maxDescription = 2000
	maxTags        = 20
)

type Handler struct {
	store asset.Store
}

func NewHandler(store asset.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assets", h.Create)
	r.GET("/assets/:id", h.Get)
}

// CreateRequest 登记素材，素材归属当前请求方
type CreateRequest struct {
	Kind        string   `json:"kind" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Tags        []string `json:"tags"`
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}
	if len(req.Description) > maxDescription || len(req.Tags) > maxTags {
		response.Error(c, generr.Validation("asset description or tags too long"))
		return
	}
	a := &asset.Asset{
		ID:          uuid.NewString(),
		OwnerID:     auth.FromContext(c).RequesterID,
		Kind:        strings.ToLower(strings.TrimSpace(req.Kind)),
		Description: strings.TrimSpace(req.Description),
		Tags:        req.Tags,
	}
	if err := h.store.Save(c.Request.Context(), a); err != nil {
		response.Error(c, generr.Internal(err))
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c *gin.Context) {
	a, err := h.store.Resolve(c.Request.Context(), auth.FromContext(c).RequesterID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
