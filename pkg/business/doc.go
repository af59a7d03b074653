// Package business 提供开放平台接入相关的子包。
//
// 子包列表：
//   - xcred: 凭据生命周期管理（签发、缓存、单飞刷新、持久化）
//   - xapi: 请求分发、错误分类与客户端装配
//   - xtransport: 带超时与响应大小限制的 HTTP 传输层
package business
