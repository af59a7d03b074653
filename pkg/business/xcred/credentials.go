package xcred

import "strings"

// Credentials 进程生命周期内不变的静态身份。
//
// Manager 持有一份值拷贝，构造后不再修改，并发读取无需同步。
type Credentials struct {
	// AppID 应用 ID（必填）。
	AppID string

	// AppSecret 应用密钥（必填）。
	AppSecret string

	// AppType 应用类型，默认企业自建应用。
	AppType AppType

	// UserID 默认用户身份。请求未指定用户时使用。
	UserID string

	// UserRefreshToken 默认用户的 refresh token，构造 Manager 时写入 RefreshTokenStore。
	UserRefreshToken string

	// UserAccessToken 预先提供的用户 Token。
	// 仅在既无请求级用户也无 UserID 时直接使用，不参与缓存与刷新。
	UserAccessToken string
}

// Validate 校验必填项。
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return ErrMissingAppID
	}
	if strings.TrimSpace(c.AppSecret) == "" {
		return ErrMissingAppSecret
	}
	if c.AppType != AppTypeSelfBuilt && c.AppType != AppTypeMarketplace {
		return ErrInvalidAppType
	}
	return nil
}

// Marketplace 判断是否为商店应用。
func (c Credentials) Marketplace() bool {
	return c.AppType == AppTypeMarketplace
}

// Scope 计算凭据类型对应的缓存作用域。
//
//   - KindApp：app id
//   - KindTenant：自建应用为 app id；商店应用为 app id + tenant key
//   - KindUser：app id + user id，userID 为空时回退到 Credentials.UserID
func (c Credentials) Scope(kind Kind, tenantKey, userID string) (Scope, error) {
	switch kind {
	case KindApp:
		return Scope{Kind: kind, Key: c.AppID}, nil
	case KindTenant:
		if !c.Marketplace() {
			return Scope{Kind: kind, Key: c.AppID}, nil
		}
		if tenantKey == "" {
			return Scope{}, ErrMissingTenantKey
		}
		return Scope{Kind: kind, Key: c.AppID + "/" + tenantKey, TenantKey: tenantKey}, nil
	case KindUser:
		if userID == "" {
			userID = c.UserID
		}
		if userID == "" {
			return Scope{}, ErrMissingUserID
		}
		return Scope{Kind: kind, Key: c.AppID + "/user/" + userID, TenantKey: tenantKey, UserID: userID}, nil
	default:
		return Scope{}, ErrInvalidKind
	}
}
