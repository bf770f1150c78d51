package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/brightming/genflow/pkg/model"
)

// Classifier 外部内容分类器
type Classifier interface {
	Classify(ctx context.Context, content string, band model.AgeBand) ([]model.Concern, error)
}

// ClassifierFunc 函数适配
type ClassifierFunc func(ctx context.Context, content string, band model.AgeBand) ([]model.Concern, error)

func (f ClassifierFunc) Classify(ctx context.Context, content string, band model.AgeBand) ([]model.Concern, error) {
	return f(ctx, content, band)
}

// HTTPClassifier 调用 POST {endpoint}，请求 {content, age_band}，返回 {concerns: [...]}
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{endpoint: endpoint, client: &http.Client{}}
}

type classifyRequest struct {
	Content string        `json:"content"`
	AgeBand model.AgeBand `json:"age_band"`
}

type classifyResponse struct {
	Concerns []model.Concern `json:"concerns"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, content string, band model.AgeBand) ([]model.Concern, error) {
	body, err := json.Marshal(classifyRequest{Content: content, AgeBand: band})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(raw))
	}
	var out classifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode classifier response failed: %w", err)
	}
	return out.Concerns, nil
}
