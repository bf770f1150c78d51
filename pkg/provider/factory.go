package provider

import (
	"fmt"
	"sync"

	"github.com/brightming/genflow/pkg/model"
)

// Constructor 按配置创建客户端
type Constructor func(cfg *Config) (Client, error)

// Factory 提供者工厂
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor // vendor -> constructor
}

// NewFactory 创建提供者工厂，内置 openai、aliyun、static
func NewFactory() *Factory {
	f := &Factory{ctors: make(map[string]Constructor)}
	f.Register("openai", func(cfg *Config) (Client, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("no API key for vendor: openai")
		}
		return NewOpenAIClient(cfg), nil
	})
	f.Register("aliyun", func(cfg *Config) (Client, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("no API key for vendor: aliyun")
		}
		return NewAliyunClient(cfg), nil
	})
	f.Register("static", func(cfg *Config) (Client, error) {
		return NewStaticClient(0), nil
	})
	return f
}

// Register 注册厂商构造器，已存在则覆盖
func (f *Factory) Register(vendor string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[vendor] = ctor
}

// Create 按描述创建客户端
func (f *Factory) Create(desc model.ProviderDescriptor, apiKey string) (Client, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[desc.Vendor]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported vendor: %s", desc.Vendor)
	}
	client, err := ctor(&Config{
		APIKey:   apiKey,
		Endpoint: desc.Endpoint,
		Model:    desc.Model,
		Timeout:  desc.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create provider %s failed: %w", desc.ID, err)
	}
	return client, nil
}

// Vendors 已注册的厂商
func (f *Factory) Vendors() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for v := range f.ctors {
		out = append(out, v)
	}
	return out
}
