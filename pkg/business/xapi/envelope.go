package xapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/omeyang/xlark/pkg/business/xtransport"
)

// 平台返回日志 ID 的响应头。
const (
	HeaderLogID     = "X-Tt-Logid"
	HeaderRequestID = "X-Request-Id"
)

// Envelope 平台统一响应结构 {code, msg, data}。
type Envelope struct {
	// Code 业务码，0 表示成功。
	Code int64 `json:"code"`

	// Msg 平台消息。
	Msg string `json:"msg"`

	// Data 业务数据，按调用方需要再解码。
	Data json.RawMessage `json:"data,omitempty"`

	// RequestID 平台日志 ID。
	RequestID string `json:"-"`

	// StatusCode HTTP 状态码。
	StatusCode int `json:"-"`

	// Header 响应头。
	Header http.Header `json:"-"`
}

// Success 判断业务码是否为 0。
func (e *Envelope) Success() bool {
	return e.Code == 0
}

// Class 返回业务码分类。
func (e *Envelope) Class() ErrorClass {
	return Classify(e.Code)
}

// Decode 将 Data 解码到 v。Data 为空或 null 时不做任何事。
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("xapi: decode response data failed: %w", err)
	}
	return nil
}

// parseEnvelope 解析原始响应。
//
// 非 JSON 响应体：2xx 视为成功并原样放入 Data；其余状态码视为 code=-1 的业务错误。
// JSON 响应体在错误状态码下却没有业务码时同样记为 -1。
func parseEnvelope(resp *xtransport.Response) *Envelope {
	env := &Envelope{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		RequestID:  requestID(resp.Header),
	}
	success := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices

	var body struct {
		Code  int64           `json:"code"`
		Msg   string          `json:"msg"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			LogID string `json:"log_id"`
		} `json:"error"`
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 || json.Unmarshal(resp.Body, &body) != nil {
		if success {
			env.Data = json.RawMessage(resp.Body)
			return env
		}
		env.Code = -1
		env.Msg = http.StatusText(resp.StatusCode)
		return env
	}

	env.Code = body.Code
	env.Msg = body.Msg
	env.Data = body.Data
	if env.RequestID == "" && body.Error != nil {
		env.RequestID = body.Error.LogID
	}
	if !success && env.Code == 0 {
		env.Code = -1
		if env.Msg == "" {
			env.Msg = http.StatusText(resp.StatusCode)
		}
	}
	return env
}

func requestID(h http.Header) string {
	if h == nil {
		return ""
	}
	if id := h.Get(HeaderLogID); id != "" {
		return id
	}
	return h.Get(HeaderRequestID)
}
