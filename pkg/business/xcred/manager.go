package xcred

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omeyang/xlark/pkg/business/xtransport"
	"github.com/omeyang/xlark/pkg/observability/xmetrics"
)

// 开放平台地址。
const (
	// FeishuBaseURL 飞书。
	FeishuBaseURL = "https://open.feishu.cn"

	// LarkBaseURL Lark 国际版。
	LarkBaseURL = "https://open.larksuite.com"

	// DefaultAppTicketTTL app ticket 保存时长。平台约每小时推送一次。
	DefaultAppTicketTTL = 12 * time.Hour
)

// =============================================================================
// Manager 凭据生命周期管理
// =============================================================================

// Manager 组装 TokenCache、Acquirer 与 Refresher，对外提供按凭据类型取 Token 的入口。
//
// Manager 可被多个 goroutine 并发使用。
type Manager struct {
	creds         Credentials
	cache         *TokenCache
	refresher     *Refresher
	refreshTokens RefreshTokenStore
	appTickets    AppTicketStore
	logger        *slog.Logger
	observer      xmetrics.Observer
	now           func() time.Time
	closed        atomic.Bool
}

// NewManager 创建 Manager。
//
// 未通过 WithAcquirer 提供签发实现时，必须通过 WithTransport 提供出站调用，
// 此时使用 HTTPAcquirer 向开放平台签发。
func NewManager(creds Credentials, opts ...Option) (*Manager, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Manager{
		creds:         creds,
		refreshTokens: o.refreshTokens,
		appTickets:    o.appTickets,
		logger:        o.logger,
		observer:      o.observer,
		now:           o.now,
	}
	m.cache = NewTokenCache(TokenCacheConfig{
		Shards:       o.shards,
		ShardSize:    o.shardSize,
		SafetyMargin: o.safetyMargin,
		Now:          o.now,
	})

	acquirer := o.acquirer
	if acquirer == nil {
		if o.transport == nil {
			return nil, ErrNilTransport
		}
		ha, err := NewHTTPAcquirer(HTTPAcquirerConfig{
			Credentials:     creds,
			BaseURL:         o.baseURL,
			Transport:       o.transport,
			RefreshTokens:   o.refreshTokens,
			AppTickets:      o.appTickets,
			AppToken:        m.appAccessToken,
			Attempts:        o.acquireAttempts,
			Delay:           o.acquireDelay,
			BreakerFailures: o.breakerFailures,
			BreakerTimeout:  o.breakerTimeout,
			Logger:          o.logger,
			Observer:        o.observer,
		})
		if err != nil {
			return nil, err
		}
		acquirer = ha
	}

	refresher, err := NewRefresher(RefresherConfig{
		Cache:          m.cache,
		Acquirer:       acquirer,
		AcquireTimeout: o.acquireTimeout,
		Now:            o.now,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}
	m.refresher = refresher

	if creds.UserRefreshToken != "" && creds.UserID != "" {
		if err := m.refreshTokens.SaveRefreshToken(context.Background(), creds.AppID, creds.UserID, creds.UserRefreshToken, 0); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// appAccessToken 经缓存获取 app_access_token，供商店应用与用户 Token 签发使用。
func (m *Manager) appAccessToken(ctx context.Context) (string, error) {
	tok, err := m.refresher.GetOrRefresh(ctx, Scope{Kind: KindApp, Key: m.creds.AppID})
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Credentials 返回静态身份的拷贝。
func (m *Manager) Credentials() Credentials {
	return m.creds
}

// Scope 计算作用域，见 Credentials.Scope。
func (m *Manager) Scope(kind Kind, tenantKey, userID string) (Scope, error) {
	return m.creds.Scope(kind, tenantKey, userID)
}

// Resolve 返回指定凭据类型的可用 Token。
//
// KindUser 配置了 UserAccessToken 时：
//   - 既没有 userID 也没有默认 UserID，直接返回该预置 Token；
//   - 请求的是默认用户但取不到 refresh token（未保存或已失效），
//     回退到预置 Token。
//
// 预置 Token 不缓存、不刷新。
func (m *Manager) Resolve(ctx context.Context, kind Kind, tenantKey, userID string) (tok *Token, err error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "Resolve",
		Kind:      xmetrics.SpanInternal,
		Attrs:     []xmetrics.Attr{xmetrics.Stringer(attrKind, kind)},
	})
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if kind == KindUser && userID == "" && m.creds.UserID == "" && m.creds.UserAccessToken != "" {
		return m.staticUserToken(), nil
	}

	scope, err := m.creds.Scope(kind, tenantKey, userID)
	if err != nil {
		return nil, err
	}
	tok, err = m.refresher.GetOrRefresh(ctx, scope)
	if err != nil && m.staticUserFallback(kind, userID, err) {
		m.logger.Debug("xcred: refresh token unavailable, using configured user access token",
			slog.String(attrScope, scope.Key),
		)
		return m.staticUserToken(), nil
	}
	return tok, err
}

// staticUserFallback 判断默认用户的刷新失败能否用预置 Token 兜底。
func (m *Manager) staticUserFallback(kind Kind, userID string, err error) bool {
	if kind != KindUser || m.creds.UserAccessToken == "" {
		return false
	}
	if userID != "" && userID != m.creds.UserID {
		return false
	}
	return errors.Is(err, ErrRefreshTokenExpired)
}

func (m *Manager) staticUserToken() *Token {
	return &Token{
		Value:    m.creds.UserAccessToken,
		IssuedAt: m.now(),
		Kind:     KindUser,
	}
}

// Invalidate 删除作用域的缓存 Token。
func (m *Manager) Invalidate(kind Kind, scope string) {
	m.refresher.Invalidate(kind, scope)
}

// InvalidateToken 仅当缓存仍持有 tok 时删除，返回是否删除。
// 预置的用户 Token 不在缓存中，调用为空操作。
func (m *Manager) InvalidateToken(tok *Token) bool {
	if tok == nil {
		return false
	}
	removed := m.refresher.InvalidateValue(tok.Kind, tok.ScopeKey, tok.Value)
	if removed {
		m.logger.Info("xcred: token invalidated",
			slog.String(attrKind, tok.Kind.String()),
			slog.String(attrScope, tok.ScopeKey),
		)
	}
	return removed
}

// SetAppTicket 保存平台推送的 app ticket（商店应用）。
func (m *Manager) SetAppTicket(ctx context.Context, ticket string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.appTickets.SaveAppTicket(ctx, m.creds.AppID, ticket, DefaultAppTicketTTL)
}

// SaveRefreshToken 保存用户授权得到的 refresh token，并丢弃该用户已缓存的 Token。
func (m *Manager) SaveRefreshToken(ctx context.Context, userID, refreshToken string, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if userID == "" {
		return ErrMissingUserID
	}
	if err := m.refreshTokens.SaveRefreshToken(ctx, m.creds.AppID, userID, refreshToken, ttl); err != nil {
		return err
	}
	if scope, err := m.creds.Scope(KindUser, "", userID); err == nil {
		m.refresher.Invalidate(KindUser, scope.Key)
	}
	return nil
}

// Acquisitions 返回累计签发次数。
func (m *Manager) Acquisitions() int64 {
	return m.refresher.Acquisitions()
}

// CachedTokens 返回缓存条目数。
func (m *Manager) CachedTokens() int {
	return m.cache.Len()
}

// Close 关闭 Manager 并清空缓存，关闭时仍在途的签发结果也不会写回缓存。
// 重复调用安全。
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.refresher.Close()
	return nil
}

// =============================================================================
// 选项
// =============================================================================

type options struct {
	acquirer        Acquirer
	transport       xtransport.Transport
	baseURL         string
	refreshTokens   RefreshTokenStore
	appTickets      AppTicketStore
	shards          int
	shardSize       int
	safetyMargin    time.Duration
	acquireTimeout  time.Duration
	acquireAttempts uint
	acquireDelay    time.Duration
	breakerFailures uint32
	breakerTimeout  time.Duration
	logger          *slog.Logger
	observer        xmetrics.Observer
	now             func() time.Time
}

func defaultOptions() *options {
	store := NewMemoryStore()
	return &options{
		baseURL:       FeishuBaseURL,
		refreshTokens: store,
		appTickets:    store,
		safetyMargin:  DefaultSafetyMargin,
		logger:        slog.Default(),
		observer:      xmetrics.NoopObserver{},
		now:           time.Now,
	}
}

// Option Manager 选项。
type Option func(*options)

// WithAcquirer 使用自定义签发实现，替代 HTTPAcquirer。
func WithAcquirer(a Acquirer) Option {
	return func(o *options) {
		if a != nil {
			o.acquirer = a
		}
	}
}

// WithTransport 设置 HTTPAcquirer 的出站调用。
func WithTransport(t xtransport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithBaseURL 设置开放平台地址，默认 FeishuBaseURL。
func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithRefreshTokenStore 设置 refresh token 存储，默认进程内存储。
func WithRefreshTokenStore(s RefreshTokenStore) Option {
	return func(o *options) {
		if s != nil {
			o.refreshTokens = s
		}
	}
}

// WithAppTicketStore 设置 app ticket 存储，默认进程内存储。
func WithAppTicketStore(s AppTicketStore) Option {
	return func(o *options) {
		if s != nil {
			o.appTickets = s
		}
	}
}

// WithSafetyMargin 设置安全余量，默认 3 分钟。
func WithSafetyMargin(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.safetyMargin = d
		}
	}
}

// WithCacheShards 设置缓存分片数与每分片容量。
func WithCacheShards(shards, size int) Option {
	return func(o *options) {
		o.shards = shards
		o.shardSize = size
	}
}

// WithAcquireTimeout 设置单次签发超时。
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.acquireTimeout = d
		}
	}
}

// WithAcquireRetry 设置签发传输层失败的尝试次数与基础间隔。
func WithAcquireRetry(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.acquireAttempts = attempts
		o.acquireDelay = delay
	}
}

// WithBreaker 设置签发熔断阈值与恢复时间。
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(o *options) {
		o.breakerFailures = failures
		o.breakerTimeout = timeout
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver 设置可观测性接口。
func WithObserver(observer xmetrics.Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithClock 设置时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
