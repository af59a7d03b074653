package xcred

import (
	"fmt"
	"strings"
)

// Kind 凭据类型。封闭枚举，零值无效。
type Kind uint8

const (
	// KindApp 应用级 Token（app_access_token）。
	KindApp Kind = iota + 1
	// KindTenant 租户级 Token（tenant_access_token）。
	KindTenant
	// KindUser 用户级 Token（user_access_token）。
	KindUser
)

// String 返回凭据类型名称。
func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindTenant:
		return "tenant"
	case KindUser:
		return "user"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid 判断是否为已定义的凭据类型。
func (k Kind) Valid() bool {
	return k >= KindApp && k <= KindUser
}

// ParseKind 解析凭据类型名称（大小写不敏感）。
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app":
		return KindApp, nil
	case "tenant":
		return KindTenant, nil
	case "user":
		return KindUser, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// AppType 应用类型，决定使用哪组签发接口。
type AppType uint8

const (
	// AppTypeSelfBuilt 企业自建应用。
	AppTypeSelfBuilt AppType = iota
	// AppTypeMarketplace 应用商店（ISV）应用。
	AppTypeMarketplace
)

// String 返回应用类型名称。
func (t AppType) String() string {
	switch t {
	case AppTypeSelfBuilt:
		return "self_built"
	case AppTypeMarketplace:
		return "marketplace"
	default:
		return fmt.Sprintf("AppType(%d)", uint8(t))
	}
}

// ParseAppType 解析应用类型名称。空串视为自建应用。
func ParseAppType(s string) (AppType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "self_built", "selfbuilt", "self-built", "internal":
		return AppTypeSelfBuilt, nil
	case "marketplace", "store", "isv":
		return AppTypeMarketplace, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAppType, s)
	}
}

// Scope 描述一个缓存条目的作用域。
// Key 是缓存键的作用域部分；TenantKey 与 UserID 供签发时使用。
type Scope struct {
	Kind      Kind
	Key       string
	TenantKey string
	UserID    string
}

// String 返回 "kind:key"，用于日志与 single-flight 键。
func (s Scope) String() string {
	return s.Kind.String() + ":" + s.Key
}
