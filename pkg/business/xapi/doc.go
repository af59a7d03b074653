// Package xapi 是开放平台的请求调度层。
//
// # 功能概述
//
//   - Request：与业务无关的请求描述，路径模板支持 ":name" 与 "{name}"
//   - Dispatcher：按请求声明的优先级选择凭据，组装请求头，解析统一响应
//   - Envelope：平台 {code, msg, data} 响应，携带日志 ID
//   - Classify：业务码分类（凭据失效、限流、参数错误、无权限）
//   - Client：从 Config 组装 Transport、xcred.Manager 与 Dispatcher
//
// # 凭据选择
//
// 请求的 Kinds 按优先级排列，取第一个能拿到 Token 的类型。
// 请求自带 UserAccessToken 时，user 类型直接使用它，不经过缓存。
// 所有类型都失败时返回 ErrNoUsableCredential，Unwrap 可得到每个类型的失败原因。
//
// # 失效重试
//
// 平台返回凭据失效类业务码（如 99991663）时，Dispatcher 按值失效该 Token，
// 重新取 Token 再发送一次。第二次仍失效则作为 ErrAPI 返回，不会循环。
// 传输层错误不会失效缓存。
//
// # 基本用法
//
//	cfg, err := xapi.LoadConfig("lark.yaml", "")
//	if err != nil {
//	    return err
//	}
//	client, err := xapi.NewClient(cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	type user struct {
//	    User struct {
//	        Name string `json:"name"`
//	    } `json:"user"`
//	}
//	u, err := xapi.Execute[user](ctx, client, xapi.NewRequest(http.MethodGet,
//	    "/open-apis/contact/v3/users/:user_id", xapi.WithPathParam("user_id", "ou_xxx")))
package xapi
