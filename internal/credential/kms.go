package credential

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/kms"
)

// KMSConfig 阿里云KMS配置
type KMSConfig struct {
	RegionID        string
	AccessKeyID     string
	AccessKeySecret string
	MasterKeyID     string
}

// KMSWrapper 用阿里云KMS主密钥包裹数据密钥
type KMSWrapper struct {
	client      *kms.Client
	masterKeyID string
}

// NewKMSWrapper 创建KMS客户端
func NewKMSWrapper(cfg KMSConfig) (*KMSWrapper, error) {
	if cfg.MasterKeyID == "" {
		return nil, fmt.Errorf("kms master key id is required")
	}
	client, err := kms.NewClientWithAccessKey(cfg.RegionID, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("create KMS client failed: %w", err)
	}
	return &KMSWrapper{client: client, masterKeyID: cfg.MasterKeyID}, nil
}

// NewDataKey 由KMS生成数据密钥，返回明文与密文
func (w *KMSWrapper) NewDataKey(ctx context.Context) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	request := kms.CreateGenerateDataKeyRequest()
	request.Scheme = "https"
	request.KeyId = w.masterKeyID
	request.NumberOfBytes = requests.NewInteger(32)

	response, err := w.client.GenerateDataKey(request)
	if err != nil {
		return nil, nil, fmt.Errorf("generate data key failed: %w", err)
	}
	plain, err := base64.StdEncoding.DecodeString(response.Plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("decode data key failed: %w", err)
	}
	return plain, []byte(response.CiphertextBlob), nil
}

// UnwrapKey 通过KMS解密数据密钥
func (w *KMSWrapper) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	request := kms.CreateDecryptRequest()
	request.Scheme = "https"
	request.CiphertextBlob = string(wrapped)

	response, err := w.client.Decrypt(request)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if response == nil || response.Plaintext == "" {
		return nil, fmt.Errorf("empty response from KMS")
	}
	plain, err := base64.StdEncoding.DecodeString(response.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode plaintext failed: %w", err)
	}
	return plain, nil
}
