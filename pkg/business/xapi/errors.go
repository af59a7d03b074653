package xapi

import (
	"errors"
	"fmt"
)

// =============================================================================
// 配置错误
// =============================================================================

var (
	// ErrNilConfig 表示传入的配置为 nil。
	ErrNilConfig = errors.New("xapi: nil config")

	// ErrInvalidBaseURL 表示开放平台地址格式无效。
	ErrInvalidBaseURL = errors.New("xapi: invalid base_url: must include scheme and host (e.g., https://open.feishu.cn)")

	// ErrInsecureBaseURL 表示开放平台地址使用了非 HTTPS 协议。
	ErrInsecureBaseURL = errors.New("xapi: base_url must use https:// (set AllowInsecure=true for development)")

	// ErrInvalidTimeout 表示超时配置无效。
	ErrInvalidTimeout = errors.New("xapi: invalid timeout")

	// ErrInvalidSafetyMargin 表示安全余量无效。
	ErrInvalidSafetyMargin = errors.New("xapi: invalid safety margin")

	// ErrUnsupportedFormat 表示配置文件格式不受支持。
	ErrUnsupportedFormat = errors.New("xapi: unsupported config format")

	// ErrNilTokenSource 表示未提供 TokenSource。
	ErrNilTokenSource = errors.New("xapi: nil token source")

	// ErrNilTransport 表示未提供 Transport。
	ErrNilTransport = errors.New("xapi: nil transport")
)

// =============================================================================
// 请求错误
// =============================================================================

var (
	// ErrNilRequest 表示传入的请求为 nil。
	ErrNilRequest = errors.New("xapi: nil request")

	// ErrMissingPathParam 表示路径模板中的参数没有对应取值。
	ErrMissingPathParam = errors.New("xapi: missing path parameter")

	// ErrClientClosed 表示 Client 已关闭。
	ErrClientClosed = errors.New("xapi: client closed")
)

// =============================================================================
// DispatchError 调度错误
// =============================================================================

// 调度失败的三类哨兵错误，通过 errors.Is 匹配 *DispatchError。
var (
	// ErrNoUsableCredential 表示请求接受的所有凭据类型都无法取得 Token。
	ErrNoUsableCredential = errors.New("xapi: no usable credential")

	// ErrTransport 表示请求没有完成往返。
	ErrTransport = errors.New("xapi: transport error")

	// ErrAPI 表示平台返回了非零业务码。
	ErrAPI = errors.New("xapi: api error")
)

// DispatchErrorKind 调度错误分类。
type DispatchErrorKind int

const (
	// DispatchNoUsableCredential 无可用凭据。
	DispatchNoUsableCredential DispatchErrorKind = iota + 1
	// DispatchTransport 传输失败。
	DispatchTransport
	// DispatchAPI 平台业务错误。
	DispatchAPI
)

// String 返回分类名称。
func (k DispatchErrorKind) String() string {
	switch k {
	case DispatchNoUsableCredential:
		return "no_usable_credential"
	case DispatchTransport:
		return "transport"
	case DispatchAPI:
		return "api"
	default:
		return fmt.Sprintf("DispatchErrorKind(%d)", int(k))
	}
}

// DispatchError 表示一次调度失败。
type DispatchError struct {
	// Kind 错误分类。
	Kind DispatchErrorKind

	// Code 平台业务码，仅 DispatchAPI 有效。
	Code int64

	// Msg 平台消息。
	Msg string

	// RequestID 平台日志 ID，用于排查。
	RequestID string

	// StatusCode HTTP 状态码，未完成往返时为 0。
	StatusCode int

	// Err 底层错误。无可用凭据时为各凭据类型失败原因的 errors.Join。
	Err error
}

func (e *DispatchError) Error() string {
	msg := "xapi: " + e.Kind.String()
	if e.Kind == DispatchAPI {
		msg += fmt.Sprintf(": code=%d, msg=%s", e.Code, e.Msg)
		if e.RequestID != "" {
			msg += ", request_id=" + e.RequestID
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrAPI) 等按分类匹配。
func (e *DispatchError) Is(target error) bool {
	switch e.Kind {
	case DispatchNoUsableCredential:
		return target == ErrNoUsableCredential
	case DispatchTransport:
		return target == ErrTransport
	case DispatchAPI:
		return target == ErrAPI
	default:
		return false
	}
}

// Class 返回业务码分类，非 DispatchAPI 返回 ClassUnknown。
func (e *DispatchError) Class() ErrorClass {
	if e.Kind != DispatchAPI {
		return ClassUnknown
	}
	return Classify(e.Code)
}

// Retryable 传输失败与限流可由调用方按自己的策略重试。
func (e *DispatchError) Retryable() bool {
	switch e.Kind {
	case DispatchTransport:
		return true
	case DispatchAPI:
		return Classify(e.Code) == ClassRateLimited
	default:
		return false
	}
}

// IsCredentialExpired 判断 err 是否为凭据失效类业务错误。
func IsCredentialExpired(err error) bool {
	return classOf(err) == ClassCredentialExpired
}

// IsRateLimited 判断 err 是否为限流类业务错误。
func IsRateLimited(err error) bool {
	return classOf(err) == ClassRateLimited
}

// IsPermissionDenied 判断 err 是否为权限类业务错误。
func IsPermissionDenied(err error) bool {
	return classOf(err) == ClassPermissionDenied
}

// IsRetryable 判断 err 是否可由调用方重试。
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

func classOf(err error) ErrorClass {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class()
	}
	return ClassUnknown
}
