package xcred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xlark/pkg/business/xtransport"
	"github.com/omeyang/xlark/pkg/observability/xmetrics"
)

// 开放平台签发接口。
const (
	PathAppAccessTokenInternal    = "/open-apis/auth/v3/app_access_token/internal"
	PathAppAccessToken            = "/open-apis/auth/v3/app_access_token"
	PathTenantAccessTokenInternal = "/open-apis/auth/v3/tenant_access_token/internal"
	PathTenantAccessToken         = "/open-apis/auth/v3/tenant_access_token"
	PathAppTicketResend           = "/open-apis/auth/v3/app_ticket/resend"
	PathUserAccessTokenRefresh    = "/open-apis/authen/v1/oidc/refresh_access_token"
)

// 签发默认值。
const (
	DefaultAcquireAttempts  uint   = 3
	DefaultAcquireDelay            = 200 * time.Millisecond
	DefaultBreakerFailures  uint32 = 5
	DefaultBreakerTimeout          = 30 * time.Second
	DefaultBreakerInterval         = time.Minute
	defaultBreakerHalfOpenN uint32 = 1
)

// 平台 app ticket 无效。
const codeAppTicketInvalid = 10012

// refresh token 失效相关的错误码：已过期、已被使用、已吊销、不匹配。
var refreshExpiredCodes = map[int64]struct{}{
	20026: {},
	20037: {},
	20064: {},
	20073: {},
}

// =============================================================================
// Acquirer 接口
// =============================================================================

// Acquirer 为一个作用域向平台签发新 Token。
//
// 实现只负责一次签发，不做缓存，不做并发合并。
type Acquirer interface {
	Acquire(ctx context.Context, scope Scope) (Grant, error)
}

// AcquirerFunc 将函数适配为 Acquirer。
type AcquirerFunc func(ctx context.Context, scope Scope) (Grant, error)

// Acquire 调用 f。
func (f AcquirerFunc) Acquire(ctx context.Context, scope Scope) (Grant, error) {
	return f(ctx, scope)
}

// AppTokenFunc 返回当前可用的 app_access_token。
// 商店应用签发租户 Token 与刷新用户 Token 都依赖它。
type AppTokenFunc func(ctx context.Context) (string, error)

// =============================================================================
// HTTPAcquirer 开放平台签发
// =============================================================================

// HTTPAcquirerConfig HTTPAcquirer 配置。
type HTTPAcquirerConfig struct {
	// Credentials 应用身份（必填）。
	Credentials Credentials

	// BaseURL 开放平台地址。
	BaseURL string

	// Transport 出站调用（必填）。
	Transport xtransport.Transport

	// RefreshTokens 用户 refresh token 存储，nil 时用户 Token 无法签发。
	RefreshTokens RefreshTokenStore

	// AppTickets 商店应用 app ticket 存储。
	AppTickets AppTicketStore

	// AppToken 获取 app_access_token 的方式。
	// nil 时每次直接向平台签发（不缓存），Manager 会注入走缓存的实现。
	AppToken AppTokenFunc

	// Attempts 传输层失败时的总尝试次数，默认 3。
	Attempts uint

	// Delay 重试基础间隔，默认 200ms。
	Delay time.Duration

	// BreakerFailures 连续传输层失败多少次后熔断，默认 5。
	BreakerFailures uint32

	// BreakerTimeout 熔断后多久进入半开状态，默认 30s。
	BreakerTimeout time.Duration

	// Logger 日志记录器。
	Logger *slog.Logger

	// Observer 可观测性接口。
	Observer xmetrics.Observer
}

// HTTPAcquirer 通过开放平台 HTTP 接口签发 Token。
//
// 传输层失败按退避重试；连续失败触发熔断，熔断期间直接返回 ErrNetwork，
// 避免每个请求都去冲击已经不可用的签发接口。
// 平台拒绝凭据不计入熔断。
type HTTPAcquirer struct {
	creds         Credentials
	baseURL       string
	transport     xtransport.Transport
	refreshTokens RefreshTokenStore
	appTickets    AppTicketStore
	appToken      AppTokenFunc
	attempts      uint
	delay         time.Duration
	cb            *gobreaker.CircuitBreaker[Grant]
	logger        *slog.Logger
	observer      xmetrics.Observer
}

var _ Acquirer = (*HTTPAcquirer)(nil)

// NewHTTPAcquirer 创建 HTTPAcquirer。
func NewHTTPAcquirer(cfg HTTPAcquirerConfig) (*HTTPAcquirer, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAcquireAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultAcquireDelay
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = xmetrics.NoopObserver{}
	}

	a := &HTTPAcquirer{
		creds:         cfg.Credentials,
		baseURL:       cfg.BaseURL,
		transport:     cfg.Transport,
		refreshTokens: cfg.RefreshTokens,
		appTickets:    cfg.AppTickets,
		appToken:      cfg.AppToken,
		attempts:      cfg.Attempts,
		delay:         cfg.Delay,
		logger:        cfg.Logger,
		observer:      cfg.Observer,
	}

	failures := cfg.BreakerFailures
	logger := cfg.Logger
	a.cb = gobreaker.NewCircuitBreaker[Grant](gobreaker.Settings{
		Name:        "xcred.acquire",
		MaxRequests: defaultBreakerHalfOpenN,
		Interval:    DefaultBreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrNetwork)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("xcred: acquire breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return a, nil
}

// Acquire 实现 Acquirer。
func (a *HTTPAcquirer) Acquire(ctx context.Context, scope Scope) (grant Grant, err error) {
	ctx, span := xmetrics.Start(ctx, a.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "Acquire",
		Kind:      xmetrics.SpanClient,
		Attrs:     []xmetrics.Attr{xmetrics.Stringer(attrKind, scope.Kind)},
	})
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	// 依赖的 app token 在熔断器之外获取：它本身也会经过熔断器，
	// 嵌套执行会在半开状态下被 ErrTooManyRequests 拒绝。
	var appToken string
	if scope.Kind == KindUser || (scope.Kind == KindTenant && a.creds.Marketplace()) {
		appToken, err = a.appAccessToken(ctx)
		if err != nil {
			return Grant{}, err
		}
	}

	grant, err = a.cb.Execute(func() (Grant, error) {
		switch scope.Kind {
		case KindApp:
			return a.acquireApp(ctx)
		case KindTenant:
			return a.acquireTenant(ctx, scope, appToken)
		case KindUser:
			return a.acquireUser(ctx, scope, appToken)
		default:
			return Grant{}, ErrInvalidKind
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Grant{}, newAcquireError(AcquireNetwork, scope.Kind, 0, "issuance circuit open", err)
	}
	return grant, err
}

func (a *HTTPAcquirer) appAccessToken(ctx context.Context) (string, error) {
	if a.appToken != nil {
		return a.appToken(ctx)
	}
	g, err := a.acquireApp(ctx)
	if err != nil {
		return "", err
	}
	return g.Value, nil
}

type issueResponse struct {
	Code              int64  `json:"code"`
	Msg               string `json:"msg"`
	AppAccessToken    string `json:"app_access_token"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

type userTokenResponse struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int64  `json:"expires_in"`
		RefreshToken     string `json:"refresh_token"`
		RefreshExpiresIn int64  `json:"refresh_expires_in"`
	} `json:"data"`
}

func (a *HTTPAcquirer) acquireApp(ctx context.Context) (Grant, error) {
	if !a.creds.Marketplace() {
		var resp issueResponse
		if err := a.post(ctx, KindApp, PathAppAccessTokenInternal, "", map[string]string{
			"app_id":     a.creds.AppID,
			"app_secret": a.creds.AppSecret,
		}, &resp); err != nil {
			return Grant{}, err
		}
		return issuedGrant(KindApp, resp.Code, resp.Msg, resp.AppAccessToken, resp.Expire)
	}

	ticket, err := a.loadAppTicket(ctx)
	if err != nil {
		a.resendAppTicket(ctx)
		return Grant{}, newAcquireError(AcquireInvalidCredentials, KindApp, 0, "app ticket not ready", err)
	}

	var resp issueResponse
	if err := a.post(ctx, KindApp, PathAppAccessToken, "", map[string]string{
		"app_id":     a.creds.AppID,
		"app_secret": a.creds.AppSecret,
		"app_ticket": ticket,
	}, &resp); err != nil {
		return Grant{}, err
	}
	if resp.Code == codeAppTicketInvalid {
		a.resendAppTicket(ctx)
	}
	return issuedGrant(KindApp, resp.Code, resp.Msg, resp.AppAccessToken, resp.Expire)
}

func (a *HTTPAcquirer) acquireTenant(ctx context.Context, scope Scope, appToken string) (Grant, error) {
	var resp issueResponse
	if !a.creds.Marketplace() {
		if err := a.post(ctx, KindTenant, PathTenantAccessTokenInternal, "", map[string]string{
			"app_id":     a.creds.AppID,
			"app_secret": a.creds.AppSecret,
		}, &resp); err != nil {
			return Grant{}, err
		}
		return issuedGrant(KindTenant, resp.Code, resp.Msg, resp.TenantAccessToken, resp.Expire)
	}

	if scope.TenantKey == "" {
		return Grant{}, ErrMissingTenantKey
	}
	if err := a.post(ctx, KindTenant, PathTenantAccessToken, "", map[string]string{
		"app_access_token": appToken,
		"tenant_key":       scope.TenantKey,
	}, &resp); err != nil {
		return Grant{}, err
	}
	return issuedGrant(KindTenant, resp.Code, resp.Msg, resp.TenantAccessToken, resp.Expire)
}

func (a *HTTPAcquirer) acquireUser(ctx context.Context, scope Scope, appToken string) (Grant, error) {
	if a.refreshTokens == nil {
		return Grant{}, newAcquireError(AcquireRefreshTokenExpired, KindUser, 0, "no refresh token store", ErrRefreshTokenNotFound)
	}
	refreshToken, err := a.refreshTokens.LoadRefreshToken(ctx, a.creds.AppID, scope.UserID)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return Grant{}, newAcquireError(AcquireRefreshTokenExpired, KindUser, 0, "refresh token missing", err)
		}
		return Grant{}, newAcquireError(AcquireNetwork, KindUser, 0, "load refresh token", err)
	}

	var resp userTokenResponse
	if err := a.post(ctx, KindUser, PathUserAccessTokenRefresh, appToken, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}, &resp); err != nil {
		return Grant{}, err
	}

	if _, expired := refreshExpiredCodes[resp.Code]; expired {
		// 失效的 refresh token 不会再变有效，删除后由调用方重新授权
		if derr := a.refreshTokens.DeleteRefreshToken(ctx, a.creds.AppID, scope.UserID); derr != nil {
			a.logger.Warn("xcred: delete expired refresh token failed",
				slog.String("user_id", scope.UserID),
				slog.Any("error", derr),
			)
		}
		return Grant{}, newAcquireError(AcquireRefreshTokenExpired, KindUser, resp.Code, resp.Msg, nil)
	}

	g, err := issuedGrant(KindUser, resp.Code, resp.Msg, resp.Data.AccessToken, resp.Data.ExpiresIn)
	if err != nil {
		return Grant{}, err
	}

	if resp.Data.RefreshToken != "" {
		g.RefreshToken = resp.Data.RefreshToken
		g.RefreshTTL = time.Duration(resp.Data.RefreshExpiresIn) * time.Second
		if serr := a.refreshTokens.SaveRefreshToken(ctx, a.creds.AppID, scope.UserID, g.RefreshToken, g.RefreshTTL); serr != nil {
			a.logger.Error("xcred: save rotated refresh token failed",
				slog.String("user_id", scope.UserID),
				slog.Any("error", serr),
			)
		}
	}
	return g, nil
}

func issuedGrant(kind Kind, code int64, msg, value string, expire int64) (Grant, error) {
	if code != 0 {
		return Grant{}, newAcquireError(AcquireInvalidCredentials, kind, code, msg, nil)
	}
	if value == "" || expire <= 0 {
		return Grant{}, newAcquireError(AcquireInvalidCredentials, kind, 0, "empty token or expire in response", nil)
	}
	return Grant{Value: value, TTL: time.Duration(expire) * time.Second}, nil
}

func (a *HTTPAcquirer) loadAppTicket(ctx context.Context) (string, error) {
	if a.appTickets == nil {
		return "", ErrAppTicketNotFound
	}
	return a.appTickets.LoadAppTicket(ctx, a.creds.AppID)
}

// resendAppTicket 请求平台重新推送 app ticket，失败只记录日志。
func (a *HTTPAcquirer) resendAppTicket(ctx context.Context) {
	var resp issueResponse
	err := a.post(ctx, KindApp, PathAppTicketResend, "", map[string]string{
		"app_id":     a.creds.AppID,
		"app_secret": a.creds.AppSecret,
	}, &resp)
	if err == nil && resp.Code != 0 {
		err = fmt.Errorf("code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if err != nil {
		a.logger.Warn("xcred: resend app ticket failed", slog.Any("error", err))
		return
	}
	a.logger.Info("xcred: app ticket resend requested", slog.String("app_id", a.creds.AppID))
}

// post 发送签发请求并解析 JSON 响应。传输层失败与 5xx 按退避重试。
func (a *HTTPAcquirer) post(ctx context.Context, kind Kind, path, bearer string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("xcred: marshal request failed: %w", err)
	}
	req := &xtransport.Request{
		Method: http.MethodPost,
		URL:    xtransport.JoinURL(a.baseURL, path),
		Header: http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		Body:   body,
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := retry.NewWithData[*xtransport.Response](
		retry.Context(ctx),
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
	).Do(func() (*xtransport.Response, error) {
		resp, err := a.transport.RoundTrip(ctx, req)
		if err != nil {
			return nil, newAcquireError(AcquireNetwork, kind, 0, "", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, newAcquireError(AcquireNetwork, kind, 0, "",
				fmt.Errorf("xcred: unexpected status %d", resp.StatusCode))
		}
		return resp, nil
	})
	if err != nil {
		var ae *AcquireError
		if !errors.As(err, &ae) {
			err = newAcquireError(AcquireNetwork, kind, 0, "", err)
		}
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return newAcquireError(AcquireNetwork, kind, 0, "malformed issuance response",
			fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}
	return nil
}
