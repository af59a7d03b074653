// Package xtransport 定义 xlark 与开放平台之间唯一的出站调用形态：
// method + URL + headers + body 字节，返回原始 status/headers/body。
//
// 连接池、TLS、重定向等均由注入的 *http.Client 负责，本包只做一次往返
// 并限制响应体大小。任何 HTTP 状态码都作为正常响应返回，只有无法完成
// 往返时才返回错误。
package xtransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omeyang/xlark/pkg/observability/xmetrics"
)

const (
	// DefaultTimeout 默认单次往返超时。
	DefaultTimeout = 15 * time.Second

	// DefaultMaxResponseSize 默认响应体上限（10MB），超出时报错而非截断。
	DefaultMaxResponseSize = 10 * 1024 * 1024

	metricsComponent = "xtransport"
)

var (
	// ErrNilRequest 表示传入的请求为 nil。
	ErrNilRequest = errors.New("xtransport: nil request")

	// ErrResponseTooLarge 表示响应体超过上限。
	ErrResponseTooLarge = errors.New("xtransport: response body exceeds maximum size limit")
)

// Request 是一次出站调用。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response 是一次出站调用的原始结果。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport 执行一次出站调用。
// 返回的 error 只表示往返未完成（连接失败、超时、读取失败等）。
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc 将函数适配为 Transport。
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// RoundTrip 调用 f。
func (f TransportFunc) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Config HTTP Transport 配置。
type Config struct {
	// Client 自定义 HTTP 客户端。设置后 Timeout 与 TLSConfig 不再生效。
	Client *http.Client

	// Timeout 单次往返超时，默认 15 秒。
	Timeout time.Duration

	// TLSConfig TLS 配置，nil 时使用 TLS 1.2 起步的默认配置。
	TLSConfig *tls.Config

	// MaxResponseSize 响应体上限，默认 10MB。
	MaxResponseSize int64

	// Observer 可观测性接口。
	Observer xmetrics.Observer
}

// HTTPTransport 基于 net/http 的 Transport 实现。
type HTTPTransport struct {
	client   *http.Client
	maxBody  int64
	observer xmetrics.Observer
}

var _ Transport = (*HTTPTransport)(nil)

// New 创建 HTTPTransport。
func New(cfg Config) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.Observer == nil {
		cfg.Observer = xmetrics.NoopObserver{}
	}

	client := cfg.Client
	if client == nil {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsConfig,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}
	}

	return &HTTPTransport{
		client:   client,
		maxBody:  cfg.MaxResponseSize,
		observer: cfg.Observer,
	}
}

// RoundTrip 执行一次 HTTP 往返。
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (resp *Response, err error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	ctx, span := xmetrics.Start(ctx, t.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "RoundTrip",
		Kind:      xmetrics.SpanClient,
		Attrs: []xmetrics.Attr{
			xmetrics.String("http.method", req.Method),
			xmetrics.String("http.path", SanitizeURL(req.URL)),
		},
	})
	defer func() {
		result := xmetrics.Result{Err: err}
		if resp != nil {
			result.Attrs = []xmetrics.Attr{xmetrics.Int("http.status", resp.StatusCode)}
		}
		span.End(result)
	}()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("xtransport: create request failed: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("xtransport: request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }() //nolint:errcheck // 读取完成后关闭失败无法处理

	// 多读 1 字节用于判断是否超限
	data, err := io.ReadAll(&io.LimitedReader{R: httpResp.Body, N: t.maxBody + 1})
	if err != nil {
		return nil, fmt.Errorf("xtransport: read response body failed: %w", err)
	}
	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, t.maxBody)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// Client 返回底层 HTTP 客户端。
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// JoinURL 拼接 baseURL 与 path。path 已是绝对 URL 时原样返回。
func JoinURL(baseURL, path string) string {
	if IsAbsoluteURL(path) {
		return path
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// IsAbsoluteURL 判断 path 是否为 http(s) 绝对 URL，scheme 大小写不敏感。
func IsAbsoluteURL(path string) bool {
	if len(path) >= 8 && strings.EqualFold(path[:8], "https://") {
		return true
	}
	return len(path) >= 7 && strings.EqualFold(path[:7], "http://")
}

// SanitizeURL 去掉查询参数，避免观测属性高基数。
func SanitizeURL(rawURL string) string {
	if path, _, found := strings.Cut(rawURL, "?"); found {
		return path
	}
	return rawURL
}
