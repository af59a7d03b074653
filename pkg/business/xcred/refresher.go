package xcred

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultAcquireTimeout 单次签发（含重试）的默认超时。
const DefaultAcquireTimeout = 30 * time.Second

// =============================================================================
// Refresher 按作用域合并并发刷新
// =============================================================================

// Refresher 保证同一 (kind, scope) 在任意时刻至多有一次在途签发。
//
// 第一个发现缓存未命中的调用方发起签发，其余调用方等待同一结果。
// 签发在与调用方解耦的 context 上执行：发起者取消或超时不会中断签发，
// 等待者只受自己的 context 约束。
// 签发成功写入缓存；失败不写缓存，下一次调用重新签发。
type Refresher struct {
	cache    *TokenCache
	acquirer Acquirer
	group    singleflight.Group
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	acquisitions atomic.Int64
	closed       atomic.Bool
}

// RefresherConfig Refresher 配置。
type RefresherConfig struct {
	// Cache Token 缓存（必填）。
	Cache *TokenCache

	// Acquirer 签发实现（必填）。
	Acquirer Acquirer

	// AcquireTimeout 单次签发超时，默认 30s。
	AcquireTimeout time.Duration

	// Now 时钟，默认 time.Now。
	Now func() time.Time

	// Logger 日志记录器。
	Logger *slog.Logger
}

// NewRefresher 创建 Refresher。
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Cache == nil {
		return nil, ErrNilCache
	}
	if cfg.Acquirer == nil {
		return nil, ErrNilAcquirer
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		cache:    cfg.Cache,
		acquirer: cfg.Acquirer,
		timeout:  cfg.AcquireTimeout,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// GetOrRefresh 返回作用域的新鲜 Token，必要时签发。
func (r *Refresher) GetOrRefresh(ctx context.Context, scope Scope) (*Token, error) {
	if tok, ok := r.cache.Get(scope.Kind, scope.Key); ok {
		return tok, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := r.group.DoChan(scope.String(), func() (any, error) {
		return r.refresh(ctx, scope)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tok, _ := res.Val.(*Token)
		return tok, nil
	}
}

func (r *Refresher) refresh(ctx context.Context, scope Scope) (*Token, error) {
	// 上一轮签发可能在首次检查之后刚写入缓存
	if tok, ok := r.cache.Get(scope.Kind, scope.Key); ok {
		return tok, nil
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	r.acquisitions.Add(1)
	start := r.now()
	grant, err := r.acquirer.Acquire(actx, scope)
	if err != nil {
		r.logger.Warn("xcred: acquire token failed",
			slog.String(attrKind, scope.Kind.String()),
			slog.String(attrScope, scope.Key),
			slog.Any("error", err),
		)
		return nil, err
	}

	tok := grant.Token(scope, start)
	if err := r.cache.Put(tok); err != nil {
		return nil, err
	}
	// Close 与本次写入交错时撤回，关闭后缓存保持为空
	if r.closed.Load() {
		r.cache.InvalidateValue(scope.Kind, scope.Key, tok.Value)
	}
	r.logger.Debug("xcred: token acquired",
		slog.String(attrKind, scope.Kind.String()),
		slog.String(attrScope, scope.Key),
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Invalidate 删除作用域的缓存条目。
func (r *Refresher) Invalidate(kind Kind, scope string) {
	r.cache.Invalidate(kind, scope)
}

// InvalidateValue 仅当缓存仍持有 value 时删除，见 TokenCache.InvalidateValue。
func (r *Refresher) InvalidateValue(kind Kind, scope, value string) bool {
	return r.cache.InvalidateValue(kind, scope, value)
}

// Close 停止写入缓存并清空缓存。
// 在途签发仍把结果交给等待者，但不再留在缓存中。
func (r *Refresher) Close() {
	r.closed.Store(true)
	r.cache.Clear()
}

// Acquisitions 返回累计发起的签发次数。
func (r *Refresher) Acquisitions() int64 {
	return r.acquisitions.Load()
}
