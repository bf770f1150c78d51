package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/brightming/genflow/internal/textutil"
	"github.com/brightming/genflow/pkg/model"
)

// Client 生成后端客户端，截止时间由ctx携带
type Client interface {
	// Generate 根据组装好的提示词生成内容
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// HealthCheck 健康检查
	HealthCheck(ctx context.Context) error

	// Close 关闭连接
	Close() error
}

// GenerateRequest 生成请求
type GenerateRequest struct {
	RequestID    string  `json:"request_id"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// GenerateResult 生成结果
type GenerateResult struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
}

// Config 提供者配置
type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// 错误类型
const (
	TypeRateLimit      = "rate_limit"
	TypeInvalidRequest = "invalid_request"
	TypeAuth           = "auth_error"
	TypeAPI            = "api_error"
	TypeTimeout        = "timeout"
	TypeContentFilter  = "content_filter"
)

// ProviderError 提供者错误
type ProviderError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsRetryable 检查错误是否可重试
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// Classify 把调用错误归类
func Classify(err error) model.ErrorClass {
	if err == nil {
		return model.ErrorClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return model.ErrorClassCancelled
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Type {
		case TypeRateLimit:
			return model.ErrorClassRateLimited
		case TypeTimeout:
			return model.ErrorClassTimeout
		case TypeAuth:
			return model.ErrorClassAuth
		case TypeInvalidRequest, TypeContentFilter:
			return model.ErrorClassRejected
		}
		if pe.Retryable {
			return model.ErrorClassTransient
		}
		return model.ErrorClassRejected
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return model.ErrorClassTimeout
		}
		return model.ErrorClassTransient
	}
	return model.ErrorClassInternal
}

// httpError 根据HTTP状态码构造错误
func httpError(status int, body []byte) *ProviderError {
	msg := textutil.Truncate(string(body), 512)
	e := &ProviderError{
		Code:    fmt.Sprintf("http_%d", status),
		Message: msg,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Type, e.Retryable = TypeRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Type, e.Retryable = TypeTimeout, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = TypeAuth
	case status >= 500:
		e.Type, e.Retryable = TypeAPI, true
	default:
		e.Type = TypeInvalidRequest
	}
	return e
}

// doJSON 发送JSON请求并解析响应
func doJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, resp interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	if httpResp.StatusCode >= 400 {
		return httpError(httpResp.StatusCode, respBody)
	}
	if resp != nil {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return &ProviderError{Code: "bad_response", Message: err.Error(), Type: TypeAPI, Retryable: true}
		}
	}
	return nil
}
