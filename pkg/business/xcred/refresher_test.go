package xcred

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefresher(t *testing.T, acq Acquirer, timeout time.Duration) (*Refresher, *TokenCache) {
	t.Helper()
	cache := NewTokenCache(TokenCacheConfig{})
	r, err := NewRefresher(RefresherConfig{Cache: cache, Acquirer: acq, AcquireTimeout: timeout})
	require.NoError(t, err)
	return r, cache
}

func TestNewRefresher_Validation(t *testing.T) {
	_, err := NewRefresher(RefresherConfig{Acquirer: AcquirerFunc(nil)})
	assert.ErrorIs(t, err, ErrNilCache)

	_, err = NewRefresher(RefresherConfig{Cache: NewTokenCache(TokenCacheConfig{})})
	assert.ErrorIs(t, err, ErrNilAcquirer)
}

func TestRefresher_CacheHit(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		calls.Add(1)
		return Grant{Value: "t-1", TTL: time.Hour}, nil
	}), 0)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	for range 5 {
		tok, err := r.GetOrRefresh(context.Background(), scope)
		require.NoError(t, err)
		assert.Equal(t, "t-1", tok.Value)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), r.Acquisitions())
}

func TestRefresher_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r, _ := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		calls.Add(1)
		<-release
		return Grant{Value: "tok-A", TTL: time.Hour}, nil
	}), 0)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	const n = 32
	values := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := r.GetOrRefresh(context.Background(), scope)
			errs[i] = err
			if tok != nil {
				values[i] = tok.Value
			}
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-A", values[i])
	}
}

func TestRefresher_DistinctScopesDoNotShareFlight(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRefresher(t, AcquirerFunc(func(_ context.Context, s Scope) (Grant, error) {
		calls.Add(1)
		return Grant{Value: "v-" + s.Key, TTL: time.Hour}, nil
	}), 0)

	a, err := r.GetOrRefresh(context.Background(), Scope{Kind: KindTenant, Key: "a"})
	require.NoError(t, err)
	b, err := r.GetOrRefresh(context.Background(), Scope{Kind: KindTenant, Key: "b"})
	require.NoError(t, err)
	u, err := r.GetOrRefresh(context.Background(), Scope{Kind: KindUser, Key: "a"})
	require.NoError(t, err)

	assert.Equal(t, "v-a", a.Value)
	assert.Equal(t, "v-b", b.Value)
	assert.Equal(t, "v-a", u.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefresher_FailureNotCached(t *testing.T) {
	var calls atomic.Int32
	boom := newAcquireError(AcquireNetwork, KindTenant, 0, "", errors.New("connection reset"))
	r, cache := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		if calls.Add(1) == 1 {
			return Grant{}, boom
		}
		return Grant{Value: "t-2", TTL: time.Hour}, nil
	}), 0)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	_, err := r.GetOrRefresh(context.Background(), scope)
	require.ErrorIs(t, err, ErrNetwork)
	assert.Zero(t, cache.Len())

	tok, err := r.GetOrRefresh(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, "t-2", tok.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefresher_OwnerCancelStillPopulatesCache(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var acquireCtxErr atomic.Value
	r, cache := newTestRefresher(t, AcquirerFunc(func(ctx context.Context, _ Scope) (Grant, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			acquireCtxErr.Store(err)
			return Grant{}, err
		}
		return Grant{Value: "t-1", TTL: time.Hour}, nil
	}), time.Second)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	ctx, cancel := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, err := r.GetOrRefresh(ctx, scope)
		ownerErr <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-ownerErr, context.Canceled)

	// 其他等待者不受发起者取消影响
	waiter := make(chan *Token, 1)
	go func() {
		tok, _ := r.GetOrRefresh(context.Background(), scope)
		waiter <- tok
	}()

	close(release)
	tok := <-waiter
	require.NotNil(t, tok)
	assert.Equal(t, "t-1", tok.Value)
	assert.Nil(t, acquireCtxErr.Load())

	cached, ok := cache.Get(KindTenant, "cli_a")
	require.True(t, ok)
	assert.Equal(t, "t-1", cached.Value)
}

func TestRefresher_AcquireTimeout(t *testing.T) {
	r, cache := newTestRefresher(t, AcquirerFunc(func(ctx context.Context, _ Scope) (Grant, error) {
		<-ctx.Done()
		return Grant{}, ctx.Err()
	}), 20*time.Millisecond)

	_, err := r.GetOrRefresh(context.Background(), Scope{Kind: KindApp, Key: "cli_a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cache.Len())
}

func TestRefresher_CanceledBeforeStart(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		calls.Add(1)
		return Grant{Value: "t", TTL: time.Hour}, nil
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.GetOrRefresh(ctx, Scope{Kind: KindApp, Key: "cli_a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestRefresher_InvalidateTriggersNewAcquisition(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		if calls.Add(1) == 1 {
			return Grant{Value: "old", TTL: time.Hour}, nil
		}
		return Grant{Value: "new", TTL: time.Hour}, nil
	}), 0)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	tok, err := r.GetOrRefresh(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, "old", tok.Value)

	assert.True(t, r.InvalidateValue(KindTenant, "cli_a", "old"))
	tok, err = r.GetOrRefresh(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, "new", tok.Value)

	// 旧值的失效通知不影响新 Token
	assert.False(t, r.InvalidateValue(KindTenant, "cli_a", "old"))
	tok, err = r.GetOrRefresh(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, "new", tok.Value)

	r.Invalidate(KindTenant, "cli_a")
	_, err = r.GetOrRefresh(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefresher_CloseKeepsCacheEmpty(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r, cache := newTestRefresher(t, AcquirerFunc(func(context.Context, Scope) (Grant, error) {
		close(started)
		<-release
		return Grant{Value: "t-1", TTL: time.Hour}, nil
	}), time.Second)
	scope := Scope{Kind: KindTenant, Key: "cli_a"}

	got := make(chan *Token, 1)
	go func() {
		tok, _ := r.GetOrRefresh(context.Background(), scope)
		got <- tok
	}()

	<-started
	r.Close()
	close(release)

	tok := <-got
	require.NotNil(t, tok)
	assert.Equal(t, "t-1", tok.Value)
	assert.Zero(t, cache.Len())
	_, ok := cache.Get(KindTenant, "cli_a")
	assert.False(t, ok)
}
