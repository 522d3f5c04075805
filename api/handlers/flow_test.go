package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow"
	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/testutil/fixtures"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
	"github.com/BaSui01/botflow/workflow/nodes"
	"github.com/BaSui01/botflow/workflow/selector"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type stubBreaker struct {
	status guard.BreakerStatus
}

func (s stubBreaker) BreakerStatus(_ context.Context, modelID string) (guard.BreakerStatus, error) {
	if modelID == "missing" {
		return guard.BreakerStatus{}, types.NewError(types.ErrNotFound, "unknown model")
	}
	return s.status, nil
}

type apiFixture struct {
	mux    *http.ServeMux
	engine *workflow.Engine
}

func newAPIFixture(t *testing.T, breaker BreakerReader) *apiFixture {
	t.Helper()
	store := workflow.NewMemoryStore()
	engine := workflow.NewEngine(store, nodes.NewRegistry(nodes.Ports{}), workflow.WithLogger(zap.NewNop()))
	t.Cleanup(engine.Wait)

	rt := botflow.New(engine, selector.New(store, zap.NewNop()), zap.NewNop())
	mux := http.NewServeMux()
	NewFlowHandler(rt, breaker, zap.NewNop()).Register(mux)
	return &apiFixture{mux: mux, engine: engine}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *apiFixture) seed(t *testing.T, def *workflow.FlowDefinition) *workflow.FlowDefinition {
	t.Helper()
	created, err := f.engine.CreateFlowDefinition(context.Background(), def)
	require.NoError(t, err)
	return created
}

// decodeData 解码 Response 并把 data 重新解到 dst
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	if dst != nil {
		raw, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, dst))
	}
	return resp
}

// =============================================================================
// 🧪 触发
// =============================================================================

func TestFlowHandler_TriggerSync(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seed(t, fixtures.GreetingFlow("greeting"))

	w := f.do(t, http.MethodPost, "/api/v1/trigger", "application/json",
		`{"trigger_type":"message","trigger_data":{"senderId":"u7"},"sync":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out TriggerResponse
	resp := decodeData(t, w, &out)
	assert.True(t, resp.Success)
	require.Len(t, out.Instances, 1)
	assert.Equal(t, workflow.InstanceStatusCompleted, out.Instances[0].Status)
	assert.Equal(t, "hello u7", out.Instances[0].Result["reply"])
	assert.Empty(t, out.Error)
}

func TestFlowHandler_TriggerAsyncAccepted(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seed(t, fixtures.GreetingFlow("greeting"))

	w := f.do(t, http.MethodPost, "/api/v1/trigger", "application/json",
		`{"trigger_type":"message","robot_id":"r1"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var out TriggerResponse
	decodeData(t, w, &out)
	require.Len(t, out.Instances, 1)
	assert.Equal(t, "greeting", out.Instances[0].FlowDefinitionID)
}

func TestFlowHandler_TriggerNoMatchReturnsEmptyList(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/trigger", "application/json", `{"trigger_type":"webhook"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var out TriggerResponse
	decodeData(t, w, &out)
	assert.NotNil(t, out.Instances)
	assert.Empty(t, out.Instances)
	assert.Contains(t, w.Body.String(), `"instances":[]`)
}

func TestFlowHandler_TriggerValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "missing trigger type", body: `{"robot_id":"r1"}`, code: string(types.ErrValidation)},
		{name: "unknown strategy", body: `{"trigger_type":"message","strategy":"RANDOM"}`, code: string(types.ErrValidation)},
		{name: "unknown field", body: `{"trigger_type":"message","bogus":1}`, code: string(types.ErrInvalidRequest)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/trigger", "application/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeData(t, w, nil)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

// =============================================================================
// 🧪 定义
// =============================================================================

func TestFlowHandler_DefinitionLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	body, err := json.Marshal(fixtures.GreetingFlow("welcome"))
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/flows", "application/json", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created workflow.FlowDefinition
	decodeData(t, w, &created)
	assert.Equal(t, "welcome", created.ID)
	assert.Equal(t, 1, created.Version)

	w = f.do(t, http.MethodGet, "/api/v1/flows/welcome", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/api/v1/flows/welcome", "application/json", `{"priority":7,"name":"Welcome v2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated workflow.FlowDefinition
	decodeData(t, w, &updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 7, updated.Priority)
	assert.Equal(t, "Welcome v2", updated.Name)

	w = f.do(t, http.MethodPost, "/api/v1/flows/welcome/deactivate", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &updated)
	assert.False(t, updated.IsActive)

	w = f.do(t, http.MethodGet, "/api/v1/flows?active=false", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []workflow.FlowDefinition
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)

	w = f.do(t, http.MethodGet, "/api/v1/flows?active=true", "", "")
	decodeData(t, w, &listed)
	assert.Empty(t, listed)

	w = f.do(t, http.MethodPost, "/api/v1/flows/welcome/activate", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/flows/welcome", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/flows/welcome", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlowHandler_CreateInvalidDefinition(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/flows", "application/json",
		`{"name":"no start","trigger_type":"message","nodes":[{"id":"end","type":"end"}],"edges":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeData(t, w, nil)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
}

func TestFlowHandler_ListRejectsBadQuery(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, path := range []string{"/api/v1/flows?active=maybe", "/api/v1/flows?limit=-1", "/api/v1/instances?offset=x"} {
		w := f.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestFlowHandler_ImportYAML(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seed(t, fixtures.GreetingFlow("existing"))

	doc := `
- id: existing
  name: existing renamed
  trigger_type: message
  nodes:
    - id: start
      type: start
    - id: end
      type: end
  edges:
    - source: start
      target: end
- id: fresh
  name: fresh
  trigger_type: webhook
  nodes:
    - id: start
      type: start
`
	w := f.do(t, http.MethodPost, "/api/v1/flows/import", "application/x-yaml", doc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res botflow.ImportResult
	decodeData(t, w, &res)
	assert.Equal(t, []string{"fresh"}, res.Created)
	assert.Equal(t, []string{"existing"}, res.Updated)

	def, err := f.engine.GetFlowDefinition(context.Background(), "existing")
	require.NoError(t, err)
	assert.Equal(t, "existing renamed", def.Name)
	assert.Equal(t, 2, def.Version)
}

func TestFlowHandler_ImportRejectsGarbage(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/flows/import?format=json", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/flows/import", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportFormat(t *testing.T) {
	tests := []struct {
		query, contentType, want string
	}{
		{query: "YAML", want: "yaml"},
		{contentType: "application/yaml", want: "yaml"},
		{contentType: "text/x-yaml; charset=utf-8", want: "yaml"},
		{contentType: "application/json", want: "json"},
		{contentType: "text/plain", want: ""},
		{want: ""},
	}
	for _, tt := range tests {
		path := "/api/v1/flows/import"
		if tt.query != "" {
			path += "?format=" + tt.query
		}
		r := httptest.NewRequest(http.MethodPost, path, nil)
		if tt.contentType != "" {
			r.Header.Set("Content-Type", tt.contentType)
		}
		assert.Equal(t, tt.want, importFormat(r), "%+v", tt)
	}
}

// =============================================================================
// 🧪 实例
// =============================================================================

func TestFlowHandler_InstanceQueries(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seed(t, fixtures.GreetingFlow("greeting"))

	w := f.do(t, http.MethodPost, "/api/v1/trigger", "application/json", `{"trigger_type":"message","sync":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out TriggerResponse
	decodeData(t, w, &out)
	require.Len(t, out.Instances, 1)
	id := out.Instances[0].ID

	w = f.do(t, http.MethodGet, "/api/v1/instances/"+id, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var inst workflow.FlowInstance
	decodeData(t, w, &inst)
	assert.Equal(t, []string{"start", "set", "end"}, inst.ExecutionPath)

	w = f.do(t, http.MethodGet, "/api/v1/instances?flow_id=greeting&status=completed", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []workflow.FlowInstance
	decodeData(t, w, &list)
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodGet, "/api/v1/instances/"+id+"/logs", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []workflow.FlowExecutionLog
	decodeData(t, w, &logs)
	assert.Len(t, logs, 3)

	w = f.do(t, http.MethodGet, "/api/v1/instances/"+id+"/logs?node_id=set", "", "")
	decodeData(t, w, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, workflow.LogStatusCompleted, logs[0].Status)

	w = f.do(t, http.MethodGet, "/api/v1/instances/nope/logs", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlowHandler_CancelInstance(t *testing.T) {
	f := newAPIFixture(t, nil)
	def := f.seed(t, fixtures.GreetingFlow("greeting"))

	inst, err := f.engine.CreateFlowInstance(context.Background(), def.ID, nil, nil)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/cancel", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled workflow.FlowInstance
	decodeData(t, w, &cancelled)
	assert.Equal(t, workflow.InstanceStatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled via API", cancelled.CancelReason)

	// 已结束
	w = f.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+"/cancel", "application/json", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeData(t, w, nil)
	assert.Equal(t, string(types.ErrInvalidTransition), resp.Error.Code)

	w = f.do(t, http.MethodPost, "/api/v1/instances/unknown/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🧪 熔断查询
// =============================================================================

func TestFlowHandler_BreakerStatus(t *testing.T) {
	f := newAPIFixture(t, stubBreaker{status: guard.BreakerStatus{State: guard.BreakerOpen, Failures: 5}})

	w := f.do(t, http.MethodGet, "/api/v1/guard/breakers/gpt-4o", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status guard.BreakerStatus
	decodeData(t, w, &status)
	assert.Equal(t, guard.BreakerOpen, status.State)
	assert.Equal(t, 5, status.Failures)

	w = f.do(t, http.MethodGet, "/api/v1/guard/breakers/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlowHandler_BreakerRouteRequiresReader(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/guard/breakers/gpt-4o", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, bytes.Contains(w.Body.Bytes(), []byte(`"success"`)))
}
