package http

import (
	"context"
	"io"
	"time"
)

type IClient interface {
	// DoHTTPRequest 发送请求，Response 非空时把 JSON 响应解析进去
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
	// DoStreamRequest 发送请求并返回响应体，由调用方负责关闭；不受客户端整体超时限制
	DoStreamRequest(ctx context.Context, requestParam *RequestParam) (io.ReadCloser, error)
}

type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
