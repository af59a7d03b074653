package xcred

// 可观测性组件名与属性键。
const (
	metricsComponent = "xcred"

	attrKind  = "kind"
	attrScope = "scope"
)
