package xapi

// 可观测性组件名与属性键。
const (
	metricsComponent = "xapi"

	attrMethod    = "http.method"
	attrPath      = "http.path"
	attrKind      = "kind"
	attrCode      = "code"
	attrRetried   = "retried"
	attrRequestID = "request_id"
)
