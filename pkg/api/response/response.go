// Package response HTTP 错误输出
package response

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/model"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code            string          `json:"code"`
	Message         string          `json:"message"`
	ResetAt         *time.Time      `json:"reset_at,omitempty"`
	Concerns        []model.Concern `json:"concerns,omitempty"`
	FailedProviders int             `json:"failed_providers,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
}

// Error 按原因码输出错误；内部错误不暴露细节
func Error(c *gin.Context, err error) {
	ge := generr.As(err)
	body := ErrorResponse{
		Code:            string(ge.Code),
		Message:         ge.Message,
		ResetAt:         ge.ResetAt,
		Concerns:        ge.Concerns,
		FailedProviders: ge.FailedProviders,
		RequestID:       requestID(c),
	}
	if ge.Code == generr.CodeInternal {
		body.Message = "internal error"
	}
	if body.Message == "" {
		body.Message = string(ge.Code)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(generr.HTTPStatus(ge.Code), body)
}

// requestID 优先取中间件确定的ID，它可能来自 X-Trace-ID 或新生成
func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader("X-Request-ID")
}

// BadRequest 请求体无法解析
func BadRequest(c *gin.Context, err error) {
	Error(c, generr.Validation("invalid request body: %v", err))
}
