package exchange

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/pkg/config"
)

// Signer 对请求参数生成签名
// 签名对象是按键名排序后的 query string（不含 signature 本身）
type Signer interface {
	Sign(params map[string]string) (string, error)
	// Kind 返回签名算法名，用于日志
	Kind() string
}

// BuildQueryString 将参数按键名排序拼接为 k=v&k=v 形式
func BuildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// HMACSigner HMAC-SHA256 签名器，输出十六进制
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner 创建 HMAC 签名器
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (s *HMACSigner) Sign(params map[string]string) (string, error) {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(BuildQueryString(params)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *HMACSigner) Kind() string { return "HMAC-SHA256" }

// Ed25519Signer Ed25519 签名器，输出 base64
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer 从 PEM 文件加载 Ed25519 私钥
// 只接受未加密的 PKCS#8, 加密私钥需先转换:
// openssl pkcs8 -in key.pem -out key_plain.pem -nocrypt
func NewEd25519Signer(path, password string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "读取私钥文件 %s 失败", path)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("私钥文件 %s 不是有效的 PEM 格式", path)
	}
	if strings.Contains(block.Type, "ENCRYPTED") || block.Headers["Proc-Type"] != "" {
		if password != "" {
			return nil, errors.Errorf("私钥文件 %s 为加密 PEM, 不支持口令解密, 请先转换为未加密的 PKCS#8", path)
		}
		return nil, errors.Errorf("私钥文件 %s 已加密, 请先转换为未加密的 PKCS#8", path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "解析私钥失败")
	}

	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Errorf("私钥类型 %T 不是 Ed25519", parsed)
	}

	return &Ed25519Signer{key: key}, nil
}

func (s *Ed25519Signer) Sign(params map[string]string) (string, error) {
	sig := ed25519.Sign(s.key, []byte(BuildQueryString(params)))
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) Kind() string { return "Ed25519" }

// NewSignerFromConfig 按配置选择签名器：私钥优先，其次 HMAC
// 无凭证时返回 nil（只能发未认证请求）
func NewSignerFromConfig(cfg *config.ExchangeConfig) (Signer, error) {
	if cfg.PrivateKeyPath != "" {
		signer, err := NewEd25519Signer(cfg.PrivateKeyPath, cfg.PrivateKeyPass)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFatalConfiguration, err)
		}
		return signer, nil
	}
	if cfg.APISecret != "" {
		return NewHMACSigner(cfg.APISecret), nil
	}
	return nil, nil
}
