package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/config"
)

// Service 负责 HTTP 端点的身份验证和授权。令牌在启动时从配置加载，
// 以 SHA-256 摘要的形式保存在内存中。
type Service struct {
	enabled bool
	tokens  map[[sha256.Size]byte]*Subject
}

// NewService 根据配置构造身份认证服务实例。
func NewService(cfg config.AuthConfig) (*Service, error) {
	svc := &Service{
		enabled: cfg.Enabled,
		tokens:  make(map[[sha256.Size]byte]*Subject),
	}
	if !cfg.Enabled {
		return svc, nil
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("启用鉴权时必须配置至少一个访问令牌")
	}
	for idx, entry := range cfg.Tokens {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			return nil, fmt.Errorf("第 %d 个访问令牌为空", idx+1)
		}
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("主体 %s 的地址 %q 非法", entry.Subject, entry.Address)
		}
		digest := sha256.Sum256([]byte(token))
		if _, exists := svc.tokens[digest]; exists {
			return nil, fmt.Errorf("第 %d 个访问令牌与其他令牌重复", idx+1)
		}
		subject := &Subject{
			Name:        strings.TrimSpace(entry.Subject),
			Address:     common.HexToAddress(entry.Address),
			Permissions: append([]string(nil), entry.Permissions...),
			Disabled:    entry.Disabled,
		}
		subject.normalise()
		svc.tokens[digest] = subject
	}
	return svc, nil
}

// Enabled 返回鉴权是否开启。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	for candidate, subject := range s.tokens {
		if subtle.ConstantTimeCompare(candidate[:], digest[:]) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject.Clone(), nil
		}
	}
	return nil, ErrInvalidToken
}
