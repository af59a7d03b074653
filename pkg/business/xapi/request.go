package xapi

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/omeyang/xlark/pkg/business/xcred"
)

// Request 与业务无关的开放平台请求。
//
// 通过 NewRequest 构造后视为不可变，Dispatcher 不会修改它，
// 同一个 Request 可以被重复调度。
type Request struct {
	// Method HTTP 方法。
	Method string

	// Path 路径模板，支持 ":name" 与 "{name}" 两种占位符。
	Path string

	// PathParams 路径参数，取值会做 URL 转义。
	PathParams map[string]string

	// Query 查询参数。
	Query url.Values

	// Body 请求体。
	Body []byte

	// Header 额外请求头。
	Header http.Header

	// Kinds 可接受的凭据类型，按优先级排列。
	Kinds []xcred.Kind

	// TenantKey 商店应用的租户 key。
	TenantKey string

	// UserID 用户身份，为空时使用默认用户。
	UserID string

	// UserAccessToken 调用方直接提供的用户 Token，不经缓存。
	UserAccessToken string
}

// RequestOption Request 构造选项。
type RequestOption func(*Request)

// NewRequest 创建请求。未指定凭据类型时默认使用租户 Token。
func NewRequest(method, path string, opts ...RequestOption) *Request {
	r := &Request{
		Method: strings.ToUpper(method),
		Path:   path,
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.Kinds) == 0 {
		r.Kinds = []xcred.Kind{xcred.KindTenant}
	}
	return r
}

// WithPathParam 设置一个路径参数。
func WithPathParam(name, value string) RequestOption {
	return func(r *Request) {
		if r.PathParams == nil {
			r.PathParams = make(map[string]string)
		}
		r.PathParams[name] = value
	}
}

// WithPathParams 批量设置路径参数。
func WithPathParams(params map[string]string) RequestOption {
	return func(r *Request) {
		if r.PathParams == nil {
			r.PathParams = make(map[string]string, len(params))
		}
		maps.Copy(r.PathParams, params)
	}
}

// WithQuery 追加一个查询参数。
func WithQuery(key, value string) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		r.Query.Add(key, value)
	}
}

// WithBody 设置请求体。
func WithBody(body []byte) RequestOption {
	return func(r *Request) {
		r.Body = body
	}
}

// WithHeader 设置额外请求头。
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
	}
}

// WithKinds 设置可接受的凭据类型，按优先级排列。
func WithKinds(kinds ...xcred.Kind) RequestOption {
	return func(r *Request) {
		r.Kinds = slices.Clone(kinds)
	}
}

// WithTenantKey 设置租户 key。
func WithTenantKey(tenantKey string) RequestOption {
	return func(r *Request) {
		r.TenantKey = tenantKey
	}
}

// WithUserID 设置用户身份。
func WithUserID(userID string) RequestOption {
	return func(r *Request) {
		r.UserID = userID
	}
}

// WithUserAccessToken 直接使用调用方提供的用户 Token。
func WithUserAccessToken(token string) RequestOption {
	return func(r *Request) {
		r.UserAccessToken = token
	}
}

// AcceptsKind 判断请求是否接受 kind。
func (r *Request) AcceptsKind(kind xcred.Kind) bool {
	return slices.Contains(r.Kinds, kind)
}

// ExpandPath 将路径模板中的占位符替换为转义后的参数值。
func ExpandPath(tmpl string, params map[string]string) (string, error) {
	if !strings.ContainsAny(tmpl, ":{") {
		return tmpl, nil
	}

	segments := strings.Split(tmpl, "/")
	for i, seg := range segments {
		var name string
		switch {
		case strings.HasPrefix(seg, ":") && len(seg) > 1:
			name = seg[1:]
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2:
			name = seg[1 : len(seg)-1]
		default:
			continue
		}
		value, ok := params[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingPathParam, name)
		}
		segments[i] = url.PathEscape(value)
	}
	return strings.Join(segments, "/"), nil
}
