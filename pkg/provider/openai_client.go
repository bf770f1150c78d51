package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	openaiDefaultEndpoint = "https://api.openai.com/v1"
	openaiDefaultModel    = "gpt-4o-mini"
	openaiDefaultTimeout  = 60 * time.Second
)

// OpenAIClient OpenAI 兼容的 chat completions 客户端
type OpenAIClient struct {
	config     *Config
	httpClient *http.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg *Config) *OpenAIClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = openaiDefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openaiDefaultTimeout
	}

	return &OpenAIClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Generate 文本生成
func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]interface{}{
		"model":    c.config.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	var resp openaiChatResponse
	if err := doJSON(ctx, c.httpClient, c.config.Endpoint+"/chat/completions", c.headers(), body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Code:      "no_response",
			Message:   "no response from openai",
			Type:      TypeAPI,
			Retryable: true,
		}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &ProviderError{
			Code:    "content_filter",
			Message: "openai refused the prompt",
			Type:    TypeContentFilter,
		}
	}

	return &GenerateResult{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck 健康检查
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := c.Generate(ctx, &GenerateRequest{
		Prompt:    "Hi",
		MaxTokens: 5,
	})
	return err
}

// Close 关闭连接
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.config.APIKey}
}

// openaiChatResponse OpenAI 聊天响应
type openaiChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
