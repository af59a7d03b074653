package xapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/business/xtransport"
)

const testBaseURL = "https://open.example.com"

var testCreds = xcred.Credentials{AppID: "cli_a", AppSecret: "secret-a"}

// countingAcquirer 每次签发返回递增的 Token 值，例如 "tenant-1"。
type countingAcquirer struct {
	calls atomic.Int32
	fail  map[xcred.Kind]error
}

func (a *countingAcquirer) Acquire(_ context.Context, scope xcred.Scope) (xcred.Grant, error) {
	if err := a.fail[scope.Kind]; err != nil {
		return xcred.Grant{}, err
	}
	n := a.calls.Add(1)
	return xcred.Grant{Value: fmt.Sprintf("%s-%d", scope.Kind, n), TTL: time.Hour}, nil
}

// fakeAPI 记录出站请求，按调用序号返回响应。
type fakeAPI struct {
	mu       sync.Mutex
	requests []*xtransport.Request
	respond  func(n int, req *xtransport.Request) (*xtransport.Response, error)
}

func (f *fakeAPI) RoundTrip(_ context.Context, req *xtransport.Request) (*xtransport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	if f.respond == nil {
		return okResponse(`{"ok":true}`), nil
	}
	return f.respond(n, req)
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAPI) request(i int) *xtransport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func okResponse(data string) *xtransport.Response {
	return &xtransport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{HeaderLogID: []string{"log-ok"}},
		Body:       []byte(`{"code":0,"msg":"success","data":` + data + `}`),
	}
}

func codeResponse(code int64) *xtransport.Response {
	return &xtransport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{HeaderLogID: []string{"log-err"}},
		Body:       []byte(fmt.Sprintf(`{"code":%d,"msg":"failed"}`, code)),
	}
}

func newTestManager(t *testing.T, creds xcred.Credentials, acq xcred.Acquirer) *xcred.Manager {
	t.Helper()
	m, err := xcred.NewManager(creds, xcred.WithAcquirer(acq))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newTestDispatcher(t *testing.T, tokens TokenSource, api xtransport.Transport) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Tokens:    tokens,
		Transport: api,
		BaseURL:   testBaseURL,
	})
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{Transport: &fakeAPI{}})
	assert.ErrorIs(t, err, ErrNilTokenSource)

	m := newTestManager(t, testCreds, &countingAcquirer{})
	_, err = NewDispatcher(DispatcherConfig{Tokens: m})
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestDispatcher_BuildsRequest(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, &countingAcquirer{}), api)

	env, err := d.Dispatch(context.Background(), NewRequest(http.MethodPost, "/open-apis/im/v1/chats/:chat_id/members",
		WithPathParam("chat_id", "oc_1"),
		WithQuery("member_id_type", "open_id"),
		WithBody([]byte(`{"id_list":["ou_1"]}`)),
		WithHeader("X-Custom", "v"),
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(env.Data))
	assert.Equal(t, "log-ok", env.RequestID)

	out := api.request(0)
	assert.Equal(t, http.MethodPost, out.Method)
	assert.Equal(t, testBaseURL+"/open-apis/im/v1/chats/oc_1/members?member_id_type=open_id", out.URL)
	assert.Equal(t, "Bearer tenant-1", out.Header.Get("Authorization"))
	assert.Equal(t, DefaultUserAgent, out.Header.Get("User-Agent"))
	assert.Equal(t, "application/json; charset=utf-8", out.Header.Get("Content-Type"))
	assert.Equal(t, "v", out.Header.Get("X-Custom"))
	_, err = uuid.Parse(out.Header.Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestDispatcher_KeepsCallerRequestID(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, &countingAcquirer{}), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x", WithHeader(HeaderRequestID, "req-1")))
	require.NoError(t, err)
	assert.Equal(t, "req-1", api.request(0).Header.Get(HeaderRequestID))
	assert.Empty(t, api.request(0).Header.Get("Content-Type"))
}

func TestDispatcher_MissingPathParam(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, &countingAcquirer{}), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/users/:user_id"))
	assert.ErrorIs(t, err, ErrMissingPathParam)
	assert.Zero(t, api.count())

	_, err = d.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilRequest)
}

func TestDispatcher_CredentialPrecedence(t *testing.T) {
	creds := testCreds
	creds.UserID = "ou_1"
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, creds, &countingAcquirer{}), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x",
		WithKinds(xcred.KindUser, xcred.KindTenant)))
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-1", api.request(0).Header.Get("Authorization"))
}

func TestDispatcher_CredentialFallback(t *testing.T) {
	creds := testCreds
	creds.UserID = "ou_1"
	acq := &countingAcquirer{fail: map[xcred.Kind]error{
		xcred.KindUser: &xcred.AcquireError{Kind: xcred.AcquireRefreshTokenExpired, Credential: xcred.KindUser},
	}}
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, creds, acq), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x",
		WithKinds(xcred.KindUser, xcred.KindTenant)))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tenant-1", api.request(0).Header.Get("Authorization"))
}

func TestDispatcher_NoUsableCredential(t *testing.T) {
	creds := testCreds
	creds.UserID = "ou_1"
	acq := &countingAcquirer{fail: map[xcred.Kind]error{
		xcred.KindUser:   &xcred.AcquireError{Kind: xcred.AcquireRefreshTokenExpired, Credential: xcred.KindUser},
		xcred.KindTenant: &xcred.AcquireError{Kind: xcred.AcquireInvalidCredentials, Credential: xcred.KindTenant, Code: 10014},
	}}
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, creds, acq), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x",
		WithKinds(xcred.KindUser, xcred.KindTenant)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUsableCredential)
	assert.ErrorIs(t, err, xcred.ErrRefreshTokenExpired)
	assert.ErrorIs(t, err, xcred.ErrInvalidCredentials)
	assert.Zero(t, api.count())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, DispatchNoUsableCredential, de.Kind)
	assert.False(t, de.Retryable())
}

func TestDispatcher_EmptyKinds(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, &countingAcquirer{}), api)

	req := &Request{Method: http.MethodGet, Path: "/x"}
	_, err := d.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoUsableCredential)
}

func TestDispatcher_RequestUserAccessToken(t *testing.T) {
	acq := &countingAcquirer{}
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, acq), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x",
		WithKinds(xcred.KindUser, xcred.KindTenant),
		WithUserAccessToken("u-direct")))
	require.NoError(t, err)
	assert.Equal(t, "Bearer u-direct", api.request(0).Header.Get("Authorization"))
	assert.Zero(t, acq.calls.Load())
}

func TestDispatcher_RetriesOnceAfterCredentialExpired(t *testing.T) {
	acq := &countingAcquirer{}
	m := newTestManager(t, testCreds, acq)
	api := &fakeAPI{respond: func(n int, _ *xtransport.Request) (*xtransport.Response, error) {
		if n == 1 {
			return codeResponse(99991663), nil
		}
		return okResponse(`{"id":"1"}`), nil
	}}
	d := newTestDispatcher(t, m, api)

	env, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(env.Data))

	require.Equal(t, 2, api.count())
	assert.Equal(t, "Bearer tenant-1", api.request(0).Header.Get("Authorization"))
	assert.Equal(t, "Bearer tenant-2", api.request(1).Header.Get("Authorization"))
	assert.Equal(t, int32(2), acq.calls.Load())

	// 重试换到的新 Token 已缓存，后续相同请求不再签发
	_, err = d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	require.NoError(t, err)
	require.Equal(t, 3, api.count())
	assert.Equal(t, "Bearer tenant-2", api.request(2).Header.Get("Authorization"))
	assert.Equal(t, int32(2), acq.calls.Load())
}

func TestDispatcher_DoubleExpiryIsAPIError(t *testing.T) {
	acq := &countingAcquirer{}
	api := &fakeAPI{respond: func(int, *xtransport.Request) (*xtransport.Response, error) {
		return codeResponse(99991663), nil
	}}
	d := newTestDispatcher(t, newTestManager(t, testCreds, acq), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAPI)
	assert.True(t, IsCredentialExpired(err))

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int64(99991663), de.Code)
	assert.Equal(t, "log-err", de.RequestID)

	assert.Equal(t, 2, api.count())
	assert.Equal(t, int32(2), acq.calls.Load())
}

func TestDispatcher_OtherCodesNotRetried(t *testing.T) {
	acq := &countingAcquirer{}
	api := &fakeAPI{respond: func(int, *xtransport.Request) (*xtransport.Response, error) {
		return codeResponse(99991400), nil
	}}
	d := newTestDispatcher(t, newTestManager(t, testCreds, acq), api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, api.count())
	assert.Equal(t, int32(1), acq.calls.Load())
}

func TestDispatcher_TransportErrorKeepsCache(t *testing.T) {
	acq := &countingAcquirer{}
	m := newTestManager(t, testCreds, acq)
	boom := errors.New("connection reset")
	api := &fakeAPI{respond: func(n int, _ *xtransport.Request) (*xtransport.Response, error) {
		if n == 1 {
			return nil, boom
		}
		return okResponse(`{}`), nil
	}}
	d := newTestDispatcher(t, m, api)

	_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, m.CachedTokens())

	_, err = d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tenant-1", api.request(1).Header.Get("Authorization"))
	assert.Equal(t, int32(1), acq.calls.Load())
}

func TestDispatcher_ConcurrentShareOneAcquisition(t *testing.T) {
	var calls atomic.Int32
	acq := xcred.AcquirerFunc(func(context.Context, xcred.Scope) (xcred.Grant, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return xcred.Grant{Value: "tok-A", TTL: time.Hour}, nil
	})
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, acq), api)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 2, api.count())
	for i := range 2 {
		assert.Equal(t, "Bearer tok-A", api.request(i).Header.Get("Authorization"))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_ConcurrentExpiryInvalidatesOnce(t *testing.T) {
	acq := &countingAcquirer{}
	m := newTestManager(t, testCreds, acq)

	// 持有 tenant-1 的请求全部被拒绝，刷新后的 Token 放行
	api := &fakeAPI{respond: func(_ int, req *xtransport.Request) (*xtransport.Response, error) {
		if req.Header.Get("Authorization") == "Bearer tenant-1" {
			return codeResponse(99991663), nil
		}
		return okResponse(`{}`), nil
	}}
	d := newTestDispatcher(t, m, api)

	_, err := m.Resolve(context.Background(), xcred.KindTenant, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), NewRequest(http.MethodGet, "/x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), acq.calls.Load())
}

func TestDispatcher_ContextCanceled(t *testing.T) {
	acq := &countingAcquirer{}
	api := &fakeAPI{}
	d := newTestDispatcher(t, newTestManager(t, testCreds, acq), api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, NewRequest(http.MethodGet, "/x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNoUsableCredential)
	assert.Zero(t, api.count())
}

func TestDispatcher_CanceledDuringRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{respond: func(int, *xtransport.Request) (*xtransport.Response, error) {
		cancel()
		return nil, errors.New("request canceled")
	}}
	d := newTestDispatcher(t, newTestManager(t, testCreds, &countingAcquirer{}), api)

	_, err := d.Dispatch(ctx, NewRequest(http.MethodGet, "/x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransport)
}
