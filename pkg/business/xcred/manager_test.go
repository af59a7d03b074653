package xcred

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlark/pkg/business/xtransport"
)

// countingAcquirer 每次签发返回递增的 Token 值。
type countingAcquirer struct {
	calls atomic.Int32
	ttl   time.Duration
}

func (a *countingAcquirer) Acquire(_ context.Context, scope Scope) (Grant, error) {
	n := a.calls.Add(1)
	ttl := a.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return Grant{Value: fmt.Sprintf("%s-%d", scope.Kind, n), TTL: ttl}, nil
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Credentials{AppSecret: "s"}, WithAcquirer(&countingAcquirer{}))
	assert.ErrorIs(t, err, ErrMissingAppID)

	_, err = NewManager(testCreds)
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestManager_ResolveCaches(t *testing.T) {
	acq := &countingAcquirer{}
	m, err := NewManager(testCreds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	for range 3 {
		tok, err := m.Resolve(ctx, KindTenant, "", "")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", tok.Value)
		assert.Equal(t, "cli_a", tok.ScopeKey)
	}
	assert.Equal(t, int64(1), m.Acquisitions())
	assert.Equal(t, 1, m.CachedTokens())
}

func TestManager_ConcurrentResolve(t *testing.T) {
	var calls atomic.Int32
	acq := AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return Grant{Value: "tok-A", TTL: time.Hour}, nil
	})
	m, err := NewManager(testCreds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	var wg sync.WaitGroup
	values := make([]string, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Resolve(context.Background(), KindTenant, "", "")
			if assert.NoError(t, err) {
				values[i] = tok.Value
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"tok-A", "tok-A"}, values)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_SafetyMarginTriggersRefresh(t *testing.T) {
	clock := newFakeClock()
	acq := &countingAcquirer{ttl: 10 * time.Minute}
	m, err := NewManager(testCreds, WithAcquirer(acq), WithClock(clock.Now))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	tok, err := m.Resolve(ctx, KindApp, "", "")
	require.NoError(t, err)
	assert.Equal(t, "app-1", tok.Value)

	clock.Advance(7*time.Minute - time.Second)
	tok, err = m.Resolve(ctx, KindApp, "", "")
	require.NoError(t, err)
	assert.Equal(t, "app-1", tok.Value)

	clock.Advance(2 * time.Second)
	tok, err = m.Resolve(ctx, KindApp, "", "")
	require.NoError(t, err)
	assert.Equal(t, "app-2", tok.Value)
}

func TestManager_InvalidateToken(t *testing.T) {
	acq := &countingAcquirer{}
	m, err := NewManager(testCreds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	first, err := m.Resolve(ctx, KindTenant, "", "")
	require.NoError(t, err)

	assert.True(t, m.InvalidateToken(first))
	second, err := m.Resolve(ctx, KindTenant, "", "")
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", second.Value)

	// 过时的失效通知不会删除新 Token
	assert.False(t, m.InvalidateToken(first))
	again, err := m.Resolve(ctx, KindTenant, "", "")
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", again.Value)
	assert.False(t, m.InvalidateToken(nil))

	m.Invalidate(KindTenant, "cli_a")
	third, err := m.Resolve(ctx, KindTenant, "", "")
	require.NoError(t, err)
	assert.Equal(t, "tenant-3", third.Value)
}

func TestManager_StaticUserToken(t *testing.T) {
	acq := &countingAcquirer{}
	creds := testCreds
	creds.UserAccessToken = "u-static"
	m, err := NewManager(creds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	tok, err := m.Resolve(context.Background(), KindUser, "", "")
	require.NoError(t, err)
	assert.Equal(t, "u-static", tok.Value)
	assert.Equal(t, KindUser, tok.Kind)
	assert.Zero(t, acq.calls.Load())
	assert.False(t, m.InvalidateToken(tok))

	// 指定用户时走缓存与刷新
	tok, err = m.Resolve(context.Background(), KindUser, "", "ou_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.Value)
}

func TestManager_StaticUserTokenFallback(t *testing.T) {
	var calls atomic.Int32
	acq := AcquirerFunc(func(_ context.Context, scope Scope) (Grant, error) {
		calls.Add(1)
		if scope.Kind == KindUser {
			return Grant{}, newAcquireError(AcquireRefreshTokenExpired, KindUser, 0, "no refresh token", ErrRefreshTokenNotFound)
		}
		return Grant{Value: "app-1", TTL: time.Hour}, nil
	})
	creds := testCreds
	creds.UserID = "ou_1"
	creds.UserAccessToken = "u-static"
	m, err := NewManager(creds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	for _, userID := range []string{"", "ou_1"} {
		tok, err := m.Resolve(ctx, KindUser, "", userID)
		require.NoError(t, err)
		assert.Equal(t, "u-static", tok.Value)
		assert.Equal(t, KindUser, tok.Kind)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, m.CachedTokens())

	// 其他用户没有预置 Token，保留刷新失败
	_, err = m.Resolve(ctx, KindUser, "", "ou_2")
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestManager_StaticUserTokenNotUsedForOtherFailures(t *testing.T) {
	acq := AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		return Grant{}, newAcquireError(AcquireNetwork, KindUser, 0, "", errors.New("dial tcp: refused"))
	})
	creds := testCreds
	creds.UserID = "ou_1"
	creds.UserAccessToken = "u-static"
	m, err := NewManager(creds, WithAcquirer(acq))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Resolve(context.Background(), KindUser, "", "")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestManager_CloseDropsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	acq := AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		close(started)
		<-release
		return Grant{Value: "t-late", TTL: time.Hour}, nil
	})
	m, err := NewManager(testCreds, WithAcquirer(acq))
	require.NoError(t, err)

	done := make(chan *Token, 1)
	go func() {
		tok, _ := m.Resolve(context.Background(), KindTenant, "", "")
		done <- tok
	}()

	<-started
	require.NoError(t, m.Close())
	close(release)

	tok := <-done
	require.NotNil(t, tok)
	assert.Equal(t, "t-late", tok.Value)
	assert.Zero(t, m.CachedTokens())
}

func TestManager_ResolveScopeErrors(t *testing.T) {
	m, err := NewManager(marketCreds, WithAcquirer(&countingAcquirer{}))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Resolve(context.Background(), KindTenant, "", "")
	assert.ErrorIs(t, err, ErrMissingTenantKey)

	_, err = m.Resolve(context.Background(), KindUser, "", "")
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestManager_Close(t *testing.T) {
	m, err := NewManager(testCreds, WithAcquirer(&countingAcquirer{}))
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), KindApp, "", "")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Zero(t, m.CachedTokens())

	_, err = m.Resolve(context.Background(), KindApp, "", "")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.SetAppTicket(context.Background(), "t"), ErrManagerClosed)
	assert.ErrorIs(t, m.SaveRefreshToken(context.Background(), "ou_1", "r", 0), ErrManagerClosed)
}

// =============================================================================
// 端到端：Manager + HTTPAcquirer + 模拟平台
// =============================================================================

func newPlatformManager(t *testing.T, p *fakePlatform, creds Credentials, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithTransport(xtransport.New(xtransport.Config{Timeout: time.Second})),
		WithBaseURL(p.server.URL),
		WithAcquireRetry(1, time.Millisecond),
	}, opts...)
	m, err := NewManager(creds, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_UserTokenFlow(t *testing.T) {
	p := newFakePlatform(t)
	p.handle(PathAppAccessTokenInternal, issueOK("app_access_token", "a-1"))
	p.handle(PathUserAccessTokenRefresh, func(w http.ResponseWriter, r *http.Request, body map[string]string) {
		assert.Equal(t, "Bearer a-1", r.Header.Get("Authorization"))
		assert.Equal(t, "r-1", body["refresh_token"])
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 0,
			"data": map[string]any{"access_token": "u-1", "expires_in": 7200, "refresh_token": "r-2", "refresh_expires_in": 86400},
		})
	})
	creds := testCreds
	creds.UserID = "ou_1"
	creds.UserRefreshToken = "r-1"
	store := NewMemoryStore()
	m := newPlatformManager(t, p, creds, WithRefreshTokenStore(store))

	ctx := context.Background()
	tok, err := m.Resolve(ctx, KindUser, "", "")
	require.NoError(t, err)
	assert.Equal(t, "u-1", tok.Value)

	_, err = m.Resolve(ctx, KindUser, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.count(PathUserAccessTokenRefresh))
	assert.Equal(t, 1, p.count(PathAppAccessTokenInternal))

	rotated, err := store.LoadRefreshToken(ctx, "cli_a", "ou_1")
	require.NoError(t, err)
	assert.Equal(t, "r-2", rotated)

	// app token 已缓存，可直接取用
	app, err := m.Resolve(ctx, KindApp, "", "")
	require.NoError(t, err)
	assert.Equal(t, "a-1", app.Value)
	assert.Equal(t, 1, p.count(PathAppAccessTokenInternal))
}

func TestManager_SaveRefreshTokenInvalidatesUser(t *testing.T) {
	p := newFakePlatform(t)
	p.handle(PathAppAccessTokenInternal, issueOK("app_access_token", "a-1"))
	var n atomic.Int32
	p.handle(PathUserAccessTokenRefresh, func(w http.ResponseWriter, _ *http.Request, body map[string]string) {
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 0,
			"data": map[string]any{"access_token": fmt.Sprintf("u-%d-%s", n.Add(1), body["refresh_token"]), "expires_in": 7200},
		})
	})
	m := newPlatformManager(t, p, testCreds)
	ctx := context.Background()

	_, err := m.Resolve(ctx, KindUser, "", "ou_9")
	require.ErrorIs(t, err, ErrRefreshTokenExpired)

	require.NoError(t, m.SaveRefreshToken(ctx, "ou_9", "r-new", 0))
	tok, err := m.Resolve(ctx, KindUser, "", "ou_9")
	require.NoError(t, err)
	assert.Equal(t, "u-1-r-new", tok.Value)

	require.NoError(t, m.SaveRefreshToken(ctx, "ou_9", "r-newer", 0))
	tok, err = m.Resolve(ctx, KindUser, "", "ou_9")
	require.NoError(t, err)
	assert.Equal(t, "u-2-r-newer", tok.Value)

	assert.ErrorIs(t, m.SaveRefreshToken(ctx, "", "r", 0), ErrMissingUserID)
}

func TestManager_MarketplaceTenantFlow(t *testing.T) {
	p := newFakePlatform(t)
	p.handle(PathAppAccessToken, func(w http.ResponseWriter, _ *http.Request, body map[string]string) {
		assert.Equal(t, "ticket-1", body["app_ticket"])
		writeJSON(w, http.StatusOK, map[string]any{"code": 0, "app_access_token": "a-m", "expire": 7200})
	})
	p.handle(PathTenantAccessToken, func(w http.ResponseWriter, _ *http.Request, body map[string]string) {
		assert.Equal(t, "a-m", body["app_access_token"])
		writeJSON(w, http.StatusOK, map[string]any{"code": 0, "tenant_access_token": "t-" + body["tenant_key"], "expire": 7200})
	})
	p.handle(PathAppTicketResend, func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 0})
	})
	m := newPlatformManager(t, p, marketCreds)
	ctx := context.Background()

	// 未收到 app ticket 时失败且不缓存
	_, err := m.Resolve(ctx, KindTenant, "tk-1", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, p.count(PathAppTicketResend))

	require.NoError(t, m.SetAppTicket(ctx, "ticket-1"))

	t1, err := m.Resolve(ctx, KindTenant, "tk-1", "")
	require.NoError(t, err)
	t2, err := m.Resolve(ctx, KindTenant, "tk-2", "")
	require.NoError(t, err)

	assert.Equal(t, "t-tk-1", t1.Value)
	assert.Equal(t, "t-tk-2", t2.Value)
	assert.Equal(t, 1, p.count(PathAppAccessToken))
	assert.Equal(t, 2, p.count(PathTenantAccessToken))
}
