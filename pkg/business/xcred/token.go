package xcred

import (
	"strings"
	"time"
)

// DefaultSafetyMargin 默认安全余量。
// Token 在真实过期前 3 分钟即视为过期，避免请求在途中失效。
const DefaultSafetyMargin = 3 * time.Minute

// Token 缓存中的一个已签发凭据。
//
// 创建后不可变；替换时整体替换。
type Token struct {
	// Value 凭据字符串，不得写入日志。
	Value string

	// IssuedAt 签发时间。
	IssuedAt time.Time

	// ExpiresAt 过期时间，必须晚于 IssuedAt。
	ExpiresAt time.Time

	// Kind 凭据类型。
	Kind Kind

	// ScopeKey 作用域键，见 Credentials.Scope。
	ScopeKey string
}

// Fresh 判断在 now 时刻、给定安全余量下 Token 是否可用：now < ExpiresAt - margin。
func (t *Token) Fresh(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Validate 校验 Token 字段。
func (t *Token) Validate() error {
	if t == nil || strings.TrimSpace(t.Value) == "" {
		return ErrInvalidToken
	}
	if !t.Kind.Valid() {
		return ErrInvalidToken
	}
	if !t.ExpiresAt.After(t.IssuedAt) {
		return ErrInvalidToken
	}
	return nil
}

// TTL 返回 now 时刻到过期的剩余时长，已过期返回 0。
func (t *Token) TTL(now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Grant 是一次签发的结果：凭据值与平台给出的有效期。
type Grant struct {
	Value string
	TTL   time.Duration

	// RefreshToken 用户 Token 刷新时平台轮换出的新 refresh token，其他类型为空。
	RefreshToken string

	// RefreshTTL 新 refresh token 的有效期。
	RefreshTTL time.Duration
}

// Token 以 now 作为签发时间，将 Grant 转为缓存条目。
func (g Grant) Token(scope Scope, now time.Time) *Token {
	return &Token{
		Value:     g.Value,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.TTL),
		Kind:      scope.Kind,
		ScopeKey:  scope.Key,
	}
}

// MaskToken 脱敏 Token，只保留前后少量字符用于排查。
func MaskToken(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***" + v[len(v)-4:]
}
