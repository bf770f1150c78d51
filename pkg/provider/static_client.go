package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brightming/genflow/internal/textutil"
)

// StaticClient 离线生成器，不依赖外部服务，用于本地开发和兜底
type StaticClient struct {
	latency time.Duration
}

// NewStaticClient 创建离线生成器
func NewStaticClient(latency time.Duration) *StaticClient {
	return &StaticClient{latency: latency}
}

// Generate 按提示词拼出一个简短的故事
func (c *StaticClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := firstLine(req.Prompt)
	text := fmt.Sprintf(
		"Once upon a time there was a small idea. %s. "+
			"The friends in the story made a plan. They worked together and they were kind. "+
			"They learned something new. At the end of the day they smiled and went home. The end.",
		strings.TrimSuffix(subject, "."),
	)
	return &GenerateResult{
		Text:         text,
		FinishReason: "stop",
		TokensInput:  approxTokens(req.SystemPrompt + req.Prompt),
		TokensOutput: approxTokens(text),
	}, nil
}

// HealthCheck 离线生成器总是健康
func (c *StaticClient) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (c *StaticClient) Close() error { return nil }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return textutil.Truncate(s, 200)
}

// approxTokens 粗略估算，约4个字符一个token
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}
