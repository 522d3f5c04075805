package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

const maxResponseBody = 4 << 20

// httpRequest 发送 HTTP 请求。非 2xx 响应返回 HANDLER 错误；
// data.guarded=true 时经 Guard 调用，限流键为 data.provider 或目标主机。
func (r *Registry) httpRequest(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	if r.ports.HTTP == nil {
		return nil, portNotConfigured("http", in)
	}
	vars := scope(in)
	spec := HTTPRequestSpec{
		Method: strings.ToUpper(stringField(in.NodeData, "method", http.MethodGet)),
		URL:    Render(stringField(in.NodeData, "url", ""), vars),
	}
	if spec.URL == "" {
		return nil, types.NewError(types.ErrHandler, "http_request requires data.url").WithNode(in.Node.ID).WithRetryable(false)
	}
	if headers := mapField(in.NodeData, "headers"); headers != nil {
		spec.Headers = make(map[string]string, len(headers))
		for k, v := range renderMap(headers, vars) {
			spec.Headers[k] = stringify(v)
		}
	}
	if body, ok := in.NodeData["body"]; ok {
		spec.Body = RenderValue(body, vars)
	}

	var resp *HTTPResponse
	do := func(ctx context.Context) error {
		out, err := r.ports.HTTP.Request(ctx, spec)
		if err != nil {
			return err
		}
		if out.StatusCode < 200 || out.StatusCode > 299 {
			return statusError(in.Node.ID, spec, out.StatusCode)
		}
		resp = out
		return nil
	}

	var err error
	if boolField(in.NodeData, "guarded") {
		provider := stringField(in.NodeData, "provider", hostOf(spec.URL))
		model := stringField(in.NodeData, "model", provider)
		err = r.call(ctx, provider, model, do)
	} else {
		err = do(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"statusCode": resp.StatusCode,
		"body":       resp.Body,
	}
	if len(resp.Headers) > 0 {
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		out["headers"] = headers
	}
	if key := stringField(in.NodeData, "outputKey", ""); key != "" {
		out = map[string]any{key: out}
	}
	return &workflow.NodeResult{Output: out}, nil
}

func statusError(nodeID string, spec HTTPRequestSpec, status int) error {
	code := types.ErrUpstreamError
	switch {
	case status == http.StatusUnauthorized:
		code = types.ErrAuthentication
	case status == http.StatusForbidden:
		code = types.ErrForbidden
	case status == http.StatusServiceUnavailable:
		code = types.ErrServiceUnavailable
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		code = types.ErrInvalidRequest
	}
	retryable := status >= 500 || status == http.StatusTooManyRequests
	return types.Errorf(code, "%s %s returned status %d", spec.Method, spec.URL, status).
		WithNode(nodeID).
		WithRetryable(retryable)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "http"
	}
	return u.Host
}

// =============================================================================
// 🌐 net/http 端口实现
// =============================================================================

// NetHTTPPort 基于 net/http 的 HTTPPort，JSON 编码请求体，按 Content-Type 解码响应。
type NetHTTPPort struct {
	client *http.Client
}

// NewNetHTTPPort 创建 HTTP 端口，client 为 nil 时使用 30s 超时的默认客户端
func NewNetHTTPPort(client *http.Client) *NetHTTPPort {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NetHTTPPort{client: client}
}

// Request 实现 HTTPPort
func (p *NetHTTPPort) Request(ctx context.Context, spec HTTPRequestSpec) (*HTTPResponse, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var body io.Reader
	if spec.Body != nil {
		switch b := spec.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidRequest, "encode request body").WithCause(err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, fmt.Sprintf("%s %s", spec.Method, spec.URL)).
			WithCause(err).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "read response body").WithCause(err).WithRetryable(true)
	}

	out := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	out.Body = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out.Body = decoded
		}
	}
	return out, nil
}

var _ HTTPPort = (*NetHTTPPort)(nil)
