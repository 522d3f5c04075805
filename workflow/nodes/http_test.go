package nodes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/o-42", r.URL.Path)
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer srv.Close()

	r := NewRegistry(Ports{HTTP: NewNetHTTPPort(srv.Client())})
	res, err := run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{
		"url":       srv.URL + "/orders/{{orderId}}",
		"headers":   map[string]any{"Authorization": "Bearer {{token}}"},
		"outputKey": "order",
	}, map[string]any{"orderId": "o-42", "token": "t0k"}))
	require.NoError(t, err)

	order, ok := res.Output["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, order["statusCode"])
	assert.Equal(t, map[string]any{"status": "shipped"}, order["body"])
}

func TestHTTPRequest_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ann", body["name"])
		assert.Equal(t, float64(2), body["qty"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	r := NewRegistry(Ports{HTTP: NewNetHTTPPort(nil)})
	res, err := run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"name": "{{customer.name}}", "qty": 2},
	}, map[string]any{"customer": map[string]any{"name": "Ann"}}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.Output["statusCode"])
	assert.Equal(t, "created", res.Output["body"])
}

func TestHTTPRequest_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{http.StatusBadRequest, types.ErrInvalidRequest, false},
		{http.StatusUnauthorized, types.ErrAuthentication, false},
		{http.StatusTooManyRequests, types.ErrUpstreamError, true},
		{http.StatusInternalServerError, types.ErrUpstreamError, true},
		{http.StatusServiceUnavailable, types.ErrServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			r := NewRegistry(Ports{HTTP: NewNetHTTPPort(srv.Client())})
			_, err := run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{"url": srv.URL}, nil))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestHTTPRequest_GuardedRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := newTestGuard(t, nil)
	r := NewRegistry(Ports{HTTP: NewNetHTTPPort(srv.Client())}, WithGuard(g))
	_, err := run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{
		"url":      srv.URL,
		"guarded":  true,
		"provider": "crm",
	}, nil))
	require.Error(t, err)
	assert.Equal(t, int32(4), hits.Load())

	// 未开启 guarded 时只请求一次
	hits.Store(0)
	_, err = run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{"url": srv.URL}, nil))
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	r := NewRegistry(Ports{HTTP: NewNetHTTPPort(nil)})
	_, err := run(t, r, newInput(workflow.NodeTypeHTTPRequest, map[string]any{"url": "{{nothing}}"}, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
}
