package xcred

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService 默认系统钥匙串服务名。
const DefaultKeyringService = "xlark"

// KeyringStore 将 refresh token 保存在系统钥匙串中，供命令行工具使用。
// 钥匙串没有过期机制，ttl 被忽略。
type KeyringStore struct {
	service string
}

var _ RefreshTokenStore = (*KeyringStore)(nil)

// NewKeyringStore 创建 KeyringStore。service 为空时使用 DefaultKeyringService。
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

// LoadRefreshToken 实现 RefreshTokenStore。
func (s *KeyringStore) LoadRefreshToken(_ context.Context, appID, userID string) (string, error) {
	v, err := keyring.Get(s.service, refreshTokenKey(appID, userID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrRefreshTokenNotFound
		}
		return "", fmt.Errorf("xcred: keyring get failed: %w", err)
	}
	return v, nil
}

// SaveRefreshToken 实现 RefreshTokenStore。
func (s *KeyringStore) SaveRefreshToken(_ context.Context, appID, userID, token string, _ time.Duration) error {
	if err := keyring.Set(s.service, refreshTokenKey(appID, userID), token); err != nil {
		return fmt.Errorf("xcred: keyring set failed: %w", err)
	}
	return nil
}

// DeleteRefreshToken 实现 RefreshTokenStore。
func (s *KeyringStore) DeleteRefreshToken(_ context.Context, appID, userID string) error {
	err := keyring.Delete(s.service, refreshTokenKey(appID, userID))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("xcred: keyring delete failed: %w", err)
	}
	return nil
}
