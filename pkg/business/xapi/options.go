package xapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/business/xtransport"
	"github.com/omeyang/xlark/pkg/observability/xmetrics"
)

// =============================================================================
// Options 结构
// =============================================================================

// Options 定义客户端的可选配置。
type Options struct {
	// HTTPClient 自定义 HTTP 客户端。
	// 如果不设置，将根据配置自动创建。
	HTTPClient *http.Client

	// Transport 自定义出站调用，优先于 HTTPClient。
	Transport xtransport.Transport

	// Logger 日志记录器。
	// 如果不设置，使用 slog.Default()。
	Logger *slog.Logger

	// Observer 可观测性接口。
	Observer xmetrics.Observer

	// RefreshTokens refresh token 存储，默认进程内存储。
	RefreshTokens xcred.RefreshTokenStore

	// AppTickets app ticket 存储，默认进程内存储。
	AppTickets xcred.AppTicketStore

	// Acquirer 自定义签发实现，替代向开放平台签发。
	Acquirer xcred.Acquirer

	// Now 时钟，测试使用。
	Now func() time.Time
}

// Option 定义配置客户端的函数类型。
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Logger:   slog.Default(),
		Observer: xmetrics.NoopObserver{},
		Now:      time.Now,
	}
}

func applyOptions(opts []Option) *Options {
	options := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

// WithHTTPClient 设置自定义 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		if client != nil {
			o.HTTPClient = client
		}
	}
}

// WithTransport 设置自定义出站调用。
func WithTransport(t xtransport.Transport) Option {
	return func(o *Options) {
		if t != nil {
			o.Transport = t
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithObserver 设置可观测性接口。
func WithObserver(observer xmetrics.Observer) Option {
	return func(o *Options) {
		if observer != nil {
			o.Observer = observer
		}
	}
}

// WithRefreshTokenStore 设置 refresh token 存储，例如 xcred.RedisStore。
func WithRefreshTokenStore(s xcred.RefreshTokenStore) Option {
	return func(o *Options) {
		if s != nil {
			o.RefreshTokens = s
		}
	}
}

// WithAppTicketStore 设置 app ticket 存储。
func WithAppTicketStore(s xcred.AppTicketStore) Option {
	return func(o *Options) {
		if s != nil {
			o.AppTickets = s
		}
	}
}

// WithAcquirer 设置自定义签发实现。
func WithAcquirer(a xcred.Acquirer) Option {
	return func(o *Options) {
		if a != nil {
			o.Acquirer = a
		}
	}
}

// WithClock 设置时钟。
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}
