package xapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/business/xtransport"
	"github.com/omeyang/xlark/pkg/observability/xmetrics"
)

// DefaultUserAgent 默认 User-Agent。
const DefaultUserAgent = "xlark-go"

// TokenSource 为请求提供 Token，由 xcred.Manager 实现。
type TokenSource interface {
	// Resolve 返回指定凭据类型的可用 Token。
	Resolve(ctx context.Context, kind xcred.Kind, tenantKey, userID string) (*xcred.Token, error)

	// InvalidateToken 仅当缓存仍持有 tok 时删除。
	InvalidateToken(tok *xcred.Token) bool
}

var _ TokenSource = (*xcred.Manager)(nil)

// Doer 执行一次调度。Dispatcher 与 Client 都实现它。
type Doer interface {
	Dispatch(ctx context.Context, req *Request) (*Envelope, error)
}

// =============================================================================
// Dispatcher 请求调度
// =============================================================================

// Dispatcher 为请求选择凭据、发送请求并解析响应。
//
// 平台报告凭据失效时，失效该 Token 并重新取 Token 重试恰好一次；
// 第二次仍失效则作为业务错误返回。其他非零业务码不重试。
type Dispatcher struct {
	tokens    TokenSource
	transport xtransport.Transport
	baseURL   string
	userAgent string
	logger    *slog.Logger
	observer  xmetrics.Observer
}

var _ Doer = (*Dispatcher)(nil)

// DispatcherConfig Dispatcher 配置。
type DispatcherConfig struct {
	// Tokens Token 来源（必填）。
	Tokens TokenSource

	// Transport 出站调用（必填）。
	Transport xtransport.Transport

	// BaseURL 开放平台地址。
	BaseURL string

	// UserAgent 默认 DefaultUserAgent。
	UserAgent string

	// Logger 日志记录器。
	Logger *slog.Logger

	// Observer 可观测性接口。
	Observer xmetrics.Observer
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Tokens == nil {
		return nil, ErrNilTokenSource
	}
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = xcred.FeishuBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = xmetrics.NoopObserver{}
	}
	return &Dispatcher{
		tokens:    cfg.Tokens,
		transport: cfg.Transport,
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}, nil
}

// Dispatch 发送请求。成功时返回 code == 0 的响应。
//
// 错误均为 *DispatchError（context 取消与请求构造错误除外）：
//   - ErrNoUsableCredential：所有可接受的凭据类型都取不到 Token
//   - ErrTransport：请求未完成往返，缓存不受影响
//   - ErrAPI：平台返回非零业务码
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (env *Envelope, err error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	var tok *xcred.Token
	retried := false
	ctx, span := xmetrics.Start(ctx, d.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "Dispatch",
		Kind:      xmetrics.SpanClient,
		Attrs: []xmetrics.Attr{
			xmetrics.String(attrMethod, req.Method),
			xmetrics.String(attrPath, req.Path),
		},
	})
	defer func() {
		attrs := []xmetrics.Attr{xmetrics.Bool(attrRetried, retried)}
		if tok != nil {
			attrs = append(attrs, xmetrics.Stringer(attrKind, tok.Kind))
		}
		var de *DispatchError
		if errors.As(err, &de) && de.Kind == DispatchAPI {
			attrs = append(attrs, xmetrics.Int64(attrCode, de.Code))
		}
		span.End(xmetrics.Result{Err: err, Attrs: attrs})
	}()

	env, tok, err = d.attempt(ctx, req)
	if err != nil {
		return nil, err
	}

	if env.Class() == ClassCredentialExpired {
		d.logger.Warn("xapi: credential rejected, refreshing",
			slog.String(attrKind, tok.Kind.String()),
			slog.Int64(attrCode, env.Code),
			slog.String(attrRequestID, env.RequestID),
		)
		d.tokens.InvalidateToken(tok)
		retried = true

		env, _, err = d.attempt(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if env.Code != 0 {
		return nil, &DispatchError{
			Kind:       DispatchAPI,
			Code:       env.Code,
			Msg:        env.Msg,
			RequestID:  env.RequestID,
			StatusCode: env.StatusCode,
		}
	}
	return env, nil
}

// attempt 取 Token、发送一次请求并解析响应。
func (d *Dispatcher) attempt(ctx context.Context, req *Request) (*Envelope, *xcred.Token, error) {
	tok, err := d.credential(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	out, err := d.build(req, tok.Value)
	if err != nil {
		return nil, nil, err
	}

	resp, err := d.transport.RoundTrip(ctx, out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &DispatchError{Kind: DispatchTransport, Err: err}
	}

	env := parseEnvelope(resp)
	if env.Code != 0 {
		d.logger.Debug("xapi: api returned error",
			slog.String(attrPath, req.Path),
			slog.Int64(attrCode, env.Code),
			slog.String("msg", env.Msg),
			slog.String(attrRequestID, env.RequestID),
		)
	}
	return env, tok, nil
}

// credential 按请求声明的优先级取第一个可用的 Token。
func (d *Dispatcher) credential(ctx context.Context, req *Request) (*xcred.Token, error) {
	var causes []error
	for _, kind := range req.Kinds {
		if kind == xcred.KindUser && req.UserAccessToken != "" {
			return &xcred.Token{Value: req.UserAccessToken, Kind: xcred.KindUser}, nil
		}
		tok, err := d.tokens.Resolve(ctx, kind, req.TenantKey, req.UserID)
		if err == nil {
			return tok, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		causes = append(causes, fmt.Errorf("%s: %w", kind, err))
	}
	if len(causes) == 0 {
		causes = append(causes, errors.New("no credential kind accepted"))
	}
	return nil, &DispatchError{Kind: DispatchNoUsableCredential, Err: errors.Join(causes...)}
}

// build 组装出站请求。
func (d *Dispatcher) build(req *Request, token string) (*xtransport.Request, error) {
	path, err := ExpandPath(req.Path, req.PathParams)
	if err != nil {
		return nil, err
	}
	u := xtransport.JoinURL(d.baseURL, path)
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	header := http.Header{}
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", d.userAgent)
	if header.Get(HeaderRequestID) == "" {
		header.Set(HeaderRequestID, uuid.NewString())
	}
	if len(req.Body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json; charset=utf-8")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &xtransport.Request{
		Method: method,
		URL:    u,
		Header: header,
		Body:   req.Body,
	}, nil
}
