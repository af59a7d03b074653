package xapi

import "fmt"

// ErrorClass 业务码分类。
type ErrorClass uint8

const (
	// ClassSuccess code == 0。
	ClassSuccess ErrorClass = iota
	// ClassCredentialExpired Token 无效或过期，失效缓存后重试一次即可恢复。
	ClassCredentialExpired
	// ClassRateLimited 触发频控。
	ClassRateLimited
	// ClassInvalidParameter 请求参数错误。
	ClassInvalidParameter
	// ClassPermissionDenied 应用或用户缺少权限。
	ClassPermissionDenied
	// ClassUnknown 其他错误。
	ClassUnknown
)

// String 返回分类名称。
func (c ErrorClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassCredentialExpired:
		return "credential_expired"
	case ClassRateLimited:
		return "rate_limited"
	case ClassInvalidParameter:
		return "invalid_parameter"
	case ClassPermissionDenied:
		return "permission_denied"
	case ClassUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ErrorClass(%d)", uint8(c))
	}
}

// Retryable 只有凭据失效会在本地自动重试。
func (c ErrorClass) Retryable() bool {
	return c == ClassCredentialExpired
}

// 业务码表。
var codeClasses = map[int64]ErrorClass{
	// Token 无效或过期
	99991661: ClassCredentialExpired,
	99991663: ClassCredentialExpired,
	99991664: ClassCredentialExpired,
	99991665: ClassCredentialExpired,
	99991668: ClassCredentialExpired,
	99991677: ClassCredentialExpired,

	// 频控
	99991400: ClassRateLimited,
	11232:    ClassRateLimited,
	11233:    ClassRateLimited,
	1000004:  ClassRateLimited,
	1000005:  ClassRateLimited,

	// 参数错误
	99992402: ClassInvalidParameter,
	9499:     ClassInvalidParameter,
	1254001:  ClassInvalidParameter,
	230001:   ClassInvalidParameter,

	// 权限不足
	99991401: ClassPermissionDenied,
	99991672: ClassPermissionDenied,
	99991679: ClassPermissionDenied,
	1254302:  ClassPermissionDenied,
	230027:   ClassPermissionDenied,
}

// Classify 将业务码映射到分类。纯函数，未登记的非零码归为 ClassUnknown。
func Classify(code int64) ErrorClass {
	if code == 0 {
		return ClassSuccess
	}
	if c, ok := codeClasses[code]; ok {
		return c
	}
	return ClassUnknown
}
