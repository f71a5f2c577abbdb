package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

type HTTPClient struct {
	client *http.Client
	// stream 没有整体超时，下载大文件时只由 ctx 控制
	stream *http.Client
}

func NewHTTPClient() IClient {
	return &HTTPClient{
		client: &http.Client{Timeout: defaultTimeout},
		stream: &http.Client{},
	}
}

func (c *HTTPClient) DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error {
	resp, cancel, err := c.do(ctx, c.client, requestParam)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if requestParam.Response == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, requestParam.Response); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *HTTPClient) DoStreamRequest(ctx context.Context, requestParam *RequestParam) (io.ReadCloser, error) {
	resp, cancel, err := c.do(ctx, c.stream, requestParam)
	if err != nil {
		return nil, err
	}
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

// do 发送请求；状态码 >= 400 时读取部分响应体作为错误信息
func (c *HTTPClient) do(ctx context.Context, cli *http.Client, requestParam *RequestParam) (*http.Response, context.CancelFunc, error) {
	if requestParam == nil {
		return nil, nil, errors.New("request param is nil")
	}

	body, err := encodeBody(requestParam.Body)
	if err != nil {
		return nil, nil, err
	}

	cancel := context.CancelFunc(func() {})
	if requestParam.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, requestParam.Timeout)
	}

	method := requestParam.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, requestParam.RequestURI, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range requestParam.Header {
		req.Header.Set(k, v)
	}
	if _, ok := requestParam.Body.(io.Reader); !ok && requestParam.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cli.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, string(msg))
	}

	return resp, cancel, nil
}

func encodeBody(body interface{}) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case io.Reader:
		return b, nil
	case []byte:
		return bytes.NewReader(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		return bytes.NewReader(data), nil
	}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReadCloser) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
