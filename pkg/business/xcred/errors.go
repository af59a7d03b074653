package xcred

import (
	"errors"
	"fmt"
)

// =============================================================================
// 配置错误
// =============================================================================

var (
	// ErrMissingAppID 表示未配置 app id。
	ErrMissingAppID = errors.New("xcred: missing app_id")

	// ErrMissingAppSecret 表示未配置 app secret。
	ErrMissingAppSecret = errors.New("xcred: missing app_secret")

	// ErrInvalidKind 表示未知的凭据类型。
	ErrInvalidKind = errors.New("xcred: invalid credential kind")

	// ErrInvalidAppType 表示未知的应用类型。
	ErrInvalidAppType = errors.New("xcred: invalid app type")

	// ErrNilTransport 表示未提供 Transport。
	ErrNilTransport = errors.New("xcred: nil transport")

	// ErrNilAcquirer 表示未提供 Acquirer。
	ErrNilAcquirer = errors.New("xcred: nil acquirer")

	// ErrNilCache 表示未提供 TokenCache。
	ErrNilCache = errors.New("xcred: nil token cache")

	// ErrNilRedisClient 表示 Redis 客户端为 nil。
	ErrNilRedisClient = errors.New("xcred: nil redis client")
)

// =============================================================================
// 作用域与 Token 错误
// =============================================================================

var (
	// ErrMissingTenantKey 表示商店应用获取租户 Token 时未提供 tenant key。
	ErrMissingTenantKey = errors.New("xcred: missing tenant_key")

	// ErrMissingUserID 表示获取用户 Token 时无法确定用户身份。
	ErrMissingUserID = errors.New("xcred: missing user_id")

	// ErrInvalidToken 表示 Token 不满足 ExpiresAt > IssuedAt 或值为空。
	ErrInvalidToken = errors.New("xcred: invalid token")

	// ErrRefreshTokenNotFound 表示存储中没有该用户的 refresh token。
	ErrRefreshTokenNotFound = errors.New("xcred: refresh token not found")

	// ErrAppTicketNotFound 表示存储中没有商店应用的 app ticket。
	ErrAppTicketNotFound = errors.New("xcred: app ticket not found")

	// ErrManagerClosed 表示 Manager 已关闭。
	ErrManagerClosed = errors.New("xcred: manager closed")
)

// =============================================================================
// AcquireError 签发错误
// =============================================================================

// 签发失败的三类哨兵错误，通过 errors.Is 匹配 *AcquireError。
var (
	// ErrInvalidCredentials 表示平台拒绝了 app id/secret（或 app ticket）。
	ErrInvalidCredentials = errors.New("xcred: invalid credentials")

	// ErrRefreshTokenExpired 表示用户 refresh token 已失效。
	// 这是终态错误：只能在带外重新授权，不会自动重试。
	ErrRefreshTokenExpired = errors.New("xcred: refresh token expired")

	// ErrNetwork 表示签发调用在传输层失败。
	ErrNetwork = errors.New("xcred: network error")
)

// AcquireErrorKind 签发错误分类。
type AcquireErrorKind int

const (
	// AcquireInvalidCredentials 平台拒绝凭据。
	AcquireInvalidCredentials AcquireErrorKind = iota + 1
	// AcquireRefreshTokenExpired 用户 refresh token 失效。
	AcquireRefreshTokenExpired
	// AcquireNetwork 传输层失败。
	AcquireNetwork
)

// String 返回分类名称。
func (k AcquireErrorKind) String() string {
	switch k {
	case AcquireInvalidCredentials:
		return "invalid_credentials"
	case AcquireRefreshTokenExpired:
		return "refresh_token_expired"
	case AcquireNetwork:
		return "network"
	default:
		return fmt.Sprintf("AcquireErrorKind(%d)", int(k))
	}
}

func (k AcquireErrorKind) sentinel() error {
	switch k {
	case AcquireInvalidCredentials:
		return ErrInvalidCredentials
	case AcquireRefreshTokenExpired:
		return ErrRefreshTokenExpired
	case AcquireNetwork:
		return ErrNetwork
	default:
		return nil
	}
}

// AcquireError 表示一次 Token 签发失败。
type AcquireError struct {
	// Kind 错误分类。
	Kind AcquireErrorKind

	// Credential 正在签发的凭据类型。
	Credential Kind

	// Code 平台返回的业务码，传输层失败时为 0。
	Code int64

	// Msg 平台返回的消息。
	Msg string

	// Err 底层错误。
	Err error
}

func (e *AcquireError) Error() string {
	msg := fmt.Sprintf("xcred: acquire %s token: %s", e.Credential, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(": code=%d", e.Code)
	}
	if e.Msg != "" {
		msg += ", msg=" + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrInvalidCredentials) 等按分类匹配。
func (e *AcquireError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable 只有传输层失败可以按常规传输重试策略重试。
func (e *AcquireError) Retryable() bool {
	return e.Kind == AcquireNetwork
}

func newAcquireError(kind AcquireErrorKind, cred Kind, code int64, msg string, err error) *AcquireError {
	return &AcquireError{Kind: kind, Credential: cred, Code: code, Msg: msg, Err: err}
}

// IsRetryable 判断签发错误能否重试。
func IsRetryable(err error) bool {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}
