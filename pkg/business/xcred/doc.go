// Package xcred 管理开放平台凭据的生命周期。
//
// # 凭据类型
//
// 平台签发三类 Token：
//   - app_access_token（KindApp）：按应用
//   - tenant_access_token（KindTenant）：自建应用按应用，商店应用按租户
//   - user_access_token（KindUser）：按用户，由 refresh token 换取
//
// # 组成
//
//   - TokenCache：分片 LRU，只返回在安全余量之外仍有效的 Token
//   - Refresher：同一作用域同时只有一次签发，其余调用方共享结果
//   - HTTPAcquirer：调用平台签发接口，带退避重试与熔断
//   - RefreshTokenStore / AppTicketStore：内存、Redis、系统钥匙串实现
//   - Manager：组装以上组件
//
// # 基本用法
//
//	m, err := xcred.NewManager(xcred.Credentials{
//	    AppID:     "cli_xxx",
//	    AppSecret: "secret",
//	}, xcred.WithTransport(xtransport.New(xtransport.Config{})))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	tok, err := m.Resolve(ctx, xcred.KindTenant, "", "")
//
// # 失效处理
//
// 平台以业务码报告 Token 失效时，调用方用 InvalidateToken 删除缓存条目。
// 删除按值匹配：并发请求持有同一个旧 Token 时只会删除一次，
// 不会误删其他请求刚刷新出的新 Token。
//
// # 错误
//
// 签发失败返回 *AcquireError，可用 errors.Is 匹配：
//   - ErrInvalidCredentials：平台拒绝应用凭据
//   - ErrRefreshTokenExpired：用户需要重新授权，不会自动重试
//   - ErrNetwork：传输层失败，可以重试
package xcred
