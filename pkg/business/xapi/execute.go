package xapi

import (
	"context"
	"encoding/json"
	"fmt"
)

// Execute 调度请求并把响应 Data 解码为 Resp。
func Execute[Resp any](ctx context.Context, d Doer, req *Request) (*Resp, error) {
	env, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	var out Resp
	if err := env.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteJSON 将 body 编码为 JSON 请求体后调度，并把响应 Data 解码为 Resp。
// body 为 nil 时不带请求体。
func ExecuteJSON[Req, Resp any](ctx context.Context, d Doer, method, path string, body *Req, opts ...RequestOption) (*Resp, error) {
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("xapi: marshal request body failed: %w", err)
		}
		opts = append(opts, WithBody(data))
	}
	return Execute[Resp](ctx, d, NewRequest(method, path, opts...))
}
