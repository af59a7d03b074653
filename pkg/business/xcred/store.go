package xcred

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// 存储接口
// =============================================================================

// RefreshTokenStore 保存用户 refresh token。
//
// refresh token 每次使用后都会被平台轮换，多实例部署时应使用共享存储
// （RedisStore），否则一个实例轮换后其他实例持有的旧值会失效。
type RefreshTokenStore interface {
	// LoadRefreshToken 读取 refresh token，不存在时返回 ErrRefreshTokenNotFound。
	LoadRefreshToken(ctx context.Context, appID, userID string) (string, error)

	// SaveRefreshToken 写入 refresh token。ttl <= 0 表示不过期。
	SaveRefreshToken(ctx context.Context, appID, userID, token string, ttl time.Duration) error

	// DeleteRefreshToken 删除 refresh token，不存在时为空操作。
	DeleteRefreshToken(ctx context.Context, appID, userID string) error
}

// AppTicketStore 保存商店应用的 app ticket。
// 平台通过事件回调定期推送 app ticket，由调用方经 Manager.SetAppTicket 写入。
type AppTicketStore interface {
	// LoadAppTicket 读取 app ticket，不存在时返回 ErrAppTicketNotFound。
	LoadAppTicket(ctx context.Context, appID string) (string, error)

	// SaveAppTicket 写入 app ticket。
	SaveAppTicket(ctx context.Context, appID, ticket string, ttl time.Duration) error
}

// =============================================================================
// MemoryStore 进程内存储
// =============================================================================

// MemoryStore 进程内的 RefreshTokenStore 与 AppTicketStore 实现。
// 单实例或测试场景使用。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

var (
	_ RefreshTokenStore = (*MemoryStore)(nil)
	_ AppTicketStore    = (*MemoryStore)(nil)
)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func refreshTokenKey(appID, userID string) string {
	return "refresh_token:" + appID + ":" + userID
}

func appTicketKey(appID string) string {
	return "app_ticket:" + appID
}

func (s *MemoryStore) load(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) save(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// LoadRefreshToken 实现 RefreshTokenStore。
func (s *MemoryStore) LoadRefreshToken(_ context.Context, appID, userID string) (string, error) {
	v, ok := s.load(refreshTokenKey(appID, userID))
	if !ok {
		return "", ErrRefreshTokenNotFound
	}
	return v, nil
}

// SaveRefreshToken 实现 RefreshTokenStore。
func (s *MemoryStore) SaveRefreshToken(_ context.Context, appID, userID, token string, ttl time.Duration) error {
	s.save(refreshTokenKey(appID, userID), token, ttl)
	return nil
}

// DeleteRefreshToken 实现 RefreshTokenStore。
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, appID, userID string) error {
	s.mu.Lock()
	delete(s.entries, refreshTokenKey(appID, userID))
	s.mu.Unlock()
	return nil
}

// LoadAppTicket 实现 AppTicketStore。
func (s *MemoryStore) LoadAppTicket(_ context.Context, appID string) (string, error) {
	v, ok := s.load(appTicketKey(appID))
	if !ok {
		return "", ErrAppTicketNotFound
	}
	return v, nil
}

// SaveAppTicket 实现 AppTicketStore。
func (s *MemoryStore) SaveAppTicket(_ context.Context, appID, ticket string, ttl time.Duration) error {
	s.save(appTicketKey(appID), ticket, ttl)
	return nil
}
