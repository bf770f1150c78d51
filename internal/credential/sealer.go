// Package credential 负责Provider API Key的信封加密与解封
package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/model"
)

const sealedPrefix = "v1:"

// KeyWrapper 包裹数据密钥的主密钥来源
type KeyWrapper interface {
	NewDataKey(ctx context.Context) (plain, wrapped []byte, err error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Sealer 信封加密：每个密钥一个DEK，DEK由主密钥包裹
type Sealer struct {
	wrapper KeyWrapper
}

func NewSealer(w KeyWrapper) *Sealer {
	return &Sealer{wrapper: w}
}

// Seal 加密明文，输出 v1:<包裹的DEK>:<密文>
func (s *Sealer) Seal(ctx context.Context, plaintext string) (string, error) {
	dek, wrapped, err := s.wrapper.NewDataKey(ctx)
	if err != nil {
		return "", err
	}
	ct, err := encryptAPIKey([]byte(plaintext), dek)
	if err != nil {
		return "", fmt.Errorf("encrypt api key failed: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(wrapped) + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// Unseal 解密 Seal 的输出
func (s *Sealer) Unseal(ctx context.Context, sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", errors.New("unsupported sealed format")
	}
	parts := strings.SplitN(strings.TrimPrefix(sealed, sealedPrefix), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed sealed value")
	}
	wrapped, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode wrapped key failed: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext failed: %w", err)
	}
	dek, err := s.wrapper.UnwrapKey(ctx, wrapped)
	if err != nil {
		return "", err
	}
	plain, err := decryptAPIKey(ct, dek)
	if err != nil {
		return "", fmt.Errorf("decrypt api key failed: %w", err)
	}
	return string(plain), nil
}

// LocalWrapper 用本地主密钥（AES-256-GCM）包裹DEK
type LocalWrapper struct {
	master []byte
}

// NewLocalWrapper 主密钥为32字节的base64编码
func NewLocalWrapper(masterB64 string) (*LocalWrapper, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterB64))
	if err != nil {
		return nil, fmt.Errorf("decode master key failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return &LocalWrapper{master: key}, nil
}

func (w *LocalWrapper) NewDataKey(_ context.Context) ([]byte, []byte, error) {
	dek, err := newDEK()
	if err != nil {
		return nil, nil, fmt.Errorf("generate DEK failed: %w", err)
	}
	wrapped, err := encryptAPIKey(dek, w.master)
	if err != nil {
		return nil, nil, err
	}
	return dek, wrapped, nil
}

func (w *LocalWrapper) UnwrapKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return decryptAPIKey(wrapped, w.master)
}

// Resolver 为Provider解析明文API Key并缓存
type Resolver struct {
	sealer *Sealer
	log    *logger.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver sealer 为空时不支持 api_key_sealed
func NewResolver(sealer *Sealer, log *logger.Logger) *Resolver {
	return &Resolver{
		sealer: sealer,
		log:    log.With("component", "credential"),
		cache:  make(map[string]string),
	}
}

// APIKey 优先解封 api_key_sealed，其次读取 api_key_env
func (r *Resolver) APIKey(ctx context.Context, desc model.ProviderDescriptor) (string, error) {
	r.mu.RLock()
	key, ok := r.cache[desc.ID]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	switch {
	case desc.APIKeySealed != "":
		if r.sealer == nil {
			return "", fmt.Errorf("provider %s has a sealed key but no sealer is configured", desc.ID)
		}
		plain, err := r.sealer.Unseal(ctx, desc.APIKeySealed)
		if err != nil {
			return "", fmt.Errorf("unseal key for %s failed: %w", desc.ID, err)
		}
		key = plain
	case desc.APIKeyEnv != "":
		key = strings.TrimSpace(os.Getenv(desc.APIKeyEnv))
		if key == "" {
			r.log.Warn("provider api key env is empty", "provider_id", desc.ID, "env", desc.APIKeyEnv)
		}
	}

	r.mu.Lock()
	r.cache[desc.ID] = key
	r.mu.Unlock()
	return key, nil
}
