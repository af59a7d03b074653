// Package xmetrics 定义 xlark 各组件共用的观测接口（tracing + metrics）。
//
// 业务组件（xtransport、xcred、xapi）只依赖 Observer/Span/Attr，
// 默认注入 NoopObserver；需要接入可观测栈时使用 NewOTelObserver。
//
// # 使用示例
//
//	obs, _ := xmetrics.NewOTelObserver()
//	ctx, span := xmetrics.Start(ctx, obs, xmetrics.SpanOptions{
//		Component: "xapi",
//		Operation: "Dispatch",
//		Kind:      xmetrics.SpanClient,
//	})
//	defer func() { span.End(xmetrics.Result{Err: err}) }()
//
// # 指标命名
//
//   - xlark.operation.total：操作次数
//   - xlark.operation.duration：操作耗时（秒）
//
// 统一属性：component / operation / status。
package xmetrics
