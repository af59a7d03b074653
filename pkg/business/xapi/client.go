package xapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/business/xtransport"
)

// =============================================================================
// Client 对外入口
// =============================================================================

// Client 组装 Transport、xcred.Manager 与 Dispatcher。
//
// Client 可被多个 goroutine 并发使用。Close 之后所有方法返回 ErrClientClosed。
type Client struct {
	config     *Config
	http       *xtransport.HTTPTransport
	manager    *xcred.Manager
	dispatcher *Dispatcher
	logger     *slog.Logger
	closed     atomic.Bool
}

var _ Doer = (*Client)(nil)

// NewClient 创建客户端。
//
// 示例：
//
//	client, err := xapi.NewClient(&xapi.Config{
//	    AppID:     "cli_xxx",
//	    AppSecret: "secret",
//	})
//	env, err := client.Dispatch(ctx, xapi.NewRequest(http.MethodGet, "/open-apis/contact/v3/users/:user_id",
//	    xapi.WithPathParam("user_id", "ou_xxx")))
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	cfg, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	options := applyOptions(opts)

	c := &Client{config: cfg, logger: options.Logger}

	transport := options.Transport
	if transport == nil {
		ht, err := createHTTPTransport(cfg, options)
		if err != nil {
			return nil, err
		}
		c.http = ht
		transport = ht
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}
	manager, err := xcred.NewManager(creds,
		xcred.WithTransport(transport),
		xcred.WithAcquirer(options.Acquirer),
		xcred.WithBaseURL(cfg.BaseURL),
		xcred.WithRefreshTokenStore(options.RefreshTokens),
		xcred.WithAppTicketStore(options.AppTickets),
		xcred.WithSafetyMargin(cfg.SafetyMargin),
		xcred.WithAcquireTimeout(cfg.AcquireTimeout),
		xcred.WithAcquireRetry(cfg.AcquireAttempts, cfg.AcquireRetryDelay),
		xcred.WithLogger(options.Logger),
		xcred.WithObserver(options.Observer),
		xcred.WithClock(options.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("xapi: create credential manager failed: %w", err)
	}
	c.manager = manager

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Tokens:    manager,
		Transport: transport,
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Logger:    options.Logger,
		Observer:  options.Observer,
	})
	if err != nil {
		return nil, err
	}
	c.dispatcher = dispatcher
	return c, nil
}

// prepareConfig 验证并准备配置。
func prepareConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	// 克隆配置，避免外部修改
	cfg = cfg.Clone()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("xapi: invalid config: %w", err)
	}
	return cfg, nil
}

// createHTTPTransport 创建基于 net/http 的出站调用。
func createHTTPTransport(cfg *Config, options *Options) (*xtransport.HTTPTransport, error) {
	tc := xtransport.Config{
		Client:          options.HTTPClient,
		Timeout:         cfg.Timeout,
		MaxResponseSize: cfg.MaxResponseSize,
		Observer:        options.Observer,
	}
	if cfg.TLS != nil && options.HTTPClient == nil {
		tlsConfig, err := cfg.TLS.BuildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("xapi: build tls config failed: %w", err)
		}
		tc.TLSConfig = tlsConfig
	}
	return xtransport.New(tc), nil
}

// Dispatch 发送请求，语义见 Dispatcher.Dispatch。
func (c *Client) Dispatch(ctx context.Context, req *Request) (*Envelope, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.dispatcher.Dispatch(ctx, req)
}

// Token 返回指定凭据类型的可用 Token。
func (c *Client) Token(ctx context.Context, kind xcred.Kind, tenantKey, userID string) (*xcred.Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.manager.Resolve(ctx, kind, tenantKey, userID)
}

// InvalidateToken 仅当缓存仍持有 tok 时删除。
func (c *Client) InvalidateToken(tok *xcred.Token) bool {
	if c.closed.Load() {
		return false
	}
	return c.manager.InvalidateToken(tok)
}

// SetAppTicket 保存平台推送的 app ticket（商店应用）。
func (c *Client) SetAppTicket(ctx context.Context, ticket string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.manager.SetAppTicket(ctx, ticket)
}

// SaveRefreshToken 保存用户授权得到的 refresh token。
func (c *Client) SaveRefreshToken(ctx context.Context, userID, refreshToken string, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.manager.SaveRefreshToken(ctx, userID, refreshToken, ttl)
}

// Manager 返回底层凭据管理器。
func (c *Client) Manager() *xcred.Manager {
	return c.manager
}

// Config 返回生效配置的拷贝。
func (c *Client) Config() *Config {
	return c.config.Clone()
}

// Close 关闭客户端：清空 Token 缓存并释放空闲连接。重复调用安全。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.manager.Close()
	if c.http != nil {
		c.http.Client().CloseIdleConnections()
	}
	c.logger.Debug("xapi: client closed", slog.String("app_id", c.config.AppID))
	return err
}
