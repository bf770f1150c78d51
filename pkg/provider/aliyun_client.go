package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	alibabaDefaultEndpoint = "https://dashscope.aliyuncs.com/api/v1"
	alibabaDefaultModel    = "qwen-plus"
	alibabaDefaultTimeout  = 60 * time.Second
)

// AliyunClient 阿里云 DashScope（通义千问）客户端
type AliyunClient struct {
	config     *Config
	httpClient *http.Client
}

// NewAliyunClient 创建阿里云客户端
func NewAliyunClient(cfg *Config) *AliyunClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = alibabaDefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = alibabaDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = alibabaDefaultTimeout
	}

	return &AliyunClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Generate 文本生成
func (c *AliyunClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1500
	}
	params := map[string]interface{}{
		"result_format": "message",
		"max_tokens":    maxTokens,
	}
	if req.Temperature > 0 {
		params["temperature"] = req.Temperature
	}
	body := map[string]interface{}{
		"model":      c.config.Model,
		"input":      map[string]interface{}{"messages": messages},
		"parameters": params,
	}

	var resp qwenResponse
	if err := doJSON(ctx, c.httpClient, c.config.Endpoint+"/services/aigc/text-generation/generation", c.headers(), body, &resp); err != nil {
		return nil, err
	}

	if resp.Code != "" {
		// DashScope 在200响应里也可能返回业务错误码
		pe := &ProviderError{Code: resp.Code, Message: resp.Message, Type: TypeAPI, Retryable: true}
		if resp.Code == "DataInspectionFailed" {
			pe.Type, pe.Retryable = TypeContentFilter, false
		}
		return nil, pe
	}

	result := &GenerateResult{FinishReason: "stop"}
	switch {
	case len(resp.Output.Choices) > 0:
		result.Text = resp.Output.Choices[0].Message.Content
		result.FinishReason = resp.Output.Choices[0].FinishReason
	case resp.Output.Text != "":
		result.Text = resp.Output.Text
	default:
		return nil, &ProviderError{Code: "no_response", Message: "no response from dashscope", Type: TypeAPI, Retryable: true}
	}
	if resp.Usage != nil {
		result.TokensInput = resp.Usage.InputTokens
		result.TokensOutput = resp.Usage.OutputTokens
	}
	return result, nil
}

// HealthCheck 健康检查
func (c *AliyunClient) HealthCheck(ctx context.Context) error {
	_, err := c.Generate(ctx, &GenerateRequest{
		Prompt:    "Hi",
		MaxTokens: 5,
	})
	return err
}

// Close 关闭连接
func (c *AliyunClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *AliyunClient) headers() map[string]string {
	return map[string]string{
		"Authorization":   "Bearer " + c.config.APIKey,
		"X-DashScope-SSE": "disable",
	}
}

// qwenResponse 通义千问响应
type qwenResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Output  struct {
		Text    string `json:"text,omitempty"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}
