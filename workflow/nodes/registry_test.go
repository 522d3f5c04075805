package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// mapPort 以函数记录调用的通用端口桩
type mapPort struct {
	calls []string
	last  map[string]any
	out   map[string]any
	err   error
}

func (p *mapPort) record(op string, m map[string]any) (map[string]any, error) {
	p.calls = append(p.calls, op)
	p.last = m
	if p.err != nil {
		return nil, p.err
	}
	if p.out != nil {
		return p.out, nil
	}
	return map[string]any{"op": op}, nil
}

func (p *mapPort) Save(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("save", m)
}
func (p *mapPort) Notify(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("notify", m)
}
func (p *mapPort) Escalate(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("escalate", m)
}
func (p *mapPort) Assign(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("assign", m)
}
func (p *mapPort) Dispatch(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("dispatch", m)
}
func (p *mapPort) Sync(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.record("sync", m)
}

type dataPort struct {
	query  string
	params map[string]any
}

func (p *dataPort) Query(_ context.Context, query string, params map[string]any) (map[string]any, error) {
	p.query = query
	p.params = params
	return map[string]any{"rows": []any{map[string]any{"id": "o-1"}}, "count": 1}, nil
}

func newInput(t workflow.NodeType, data, vars map[string]any) *workflow.NodeInput {
	if data == nil {
		data = map[string]any{}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return &workflow.NodeInput{
		InstanceID:     "inst-1",
		FlowID:         "flow-1",
		Node:           workflow.Node{ID: "n1", Type: t, Data: data},
		Attempt:        1,
		Variables:      vars,
		TriggerData:    map[string]any{},
		PreviousOutput: map[string]any{},
		NodeData:       data,
	}
}

func run(t *testing.T, r *Registry, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	t.Helper()
	h, ok := r.Handler(in.Node.Type)
	require.True(t, ok, "no handler for %s", in.Node.Type)
	return h.Execute(context.Background(), in)
}

func TestRegistry_RegistersAllBuiltinTypes(t *testing.T) {
	r := NewRegistry(Ports{})

	all := []workflow.NodeType{
		workflow.NodeTypeStart, workflow.NodeTypeEnd, workflow.NodeTypeIntent, workflow.NodeTypeAIChat,
		workflow.NodeTypeCondition, workflow.NodeTypeDecision, workflow.NodeTypeHTTPRequest,
		workflow.NodeTypeDataQuery, workflow.NodeTypeDataTransform, workflow.NodeTypeVariableSet,
		workflow.NodeTypeMessageReceive, workflow.NodeTypeMessageDispatch, workflow.NodeTypeMessageSync,
		workflow.NodeTypeAlertSave, workflow.NodeTypeAlertRule, workflow.NodeTypeAlertNotify, workflow.NodeTypeAlertEscalate,
		workflow.NodeTypeRobotDispatch, workflow.NodeTypeSendCommand, workflow.NodeTypeCommandStatus,
		workflow.NodeTypeStaffIntervention, workflow.NodeTypeHumanHandover,
		workflow.NodeTypeTaskAssign, workflow.NodeTypeSessionCreate, workflow.NodeTypeLogSave,
	}
	all = append(all, multiTaskTypes...)
	for _, nt := range all {
		_, ok := r.Handler(nt)
		assert.True(t, ok, "missing handler for %s", nt)
	}
	assert.Len(t, r.Types(), len(all))

	_, ok := r.Handler("teleport")
	assert.False(t, ok)
}

func TestRegistry_RegisterReplacesHandler(t *testing.T) {
	r := NewRegistry(Ports{})
	r.Register(workflow.NodeTypeStart, workflow.NodeHandlerFunc(func(context.Context, *workflow.NodeInput) (*workflow.NodeResult, error) {
		return &workflow.NodeResult{Output: map[string]any{"custom": true}}, nil
	}))
	res, err := run(t, r, newInput(workflow.NodeTypeStart, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["custom"])
}

func TestRegistry_PortNotConfigured(t *testing.T) {
	r := NewRegistry(Ports{})
	for _, nt := range []workflow.NodeType{
		workflow.NodeTypeAIChat, workflow.NodeTypeHTTPRequest, workflow.NodeTypeDataQuery,
		workflow.NodeTypeMessageDispatch, workflow.NodeTypeMessageSync,
		workflow.NodeTypeAlertSave, workflow.NodeTypeAlertNotify, workflow.NodeTypeAlertEscalate,
		workflow.NodeTypeRobotDispatch, workflow.NodeTypeSendCommand, workflow.NodeTypeCommandStatus,
		workflow.NodeTypeStaffIntervention, workflow.NodeTypeHumanHandover,
		workflow.NodeTypeTaskAssign, workflow.NodeTypeSessionCreate,
	} {
		t.Run(string(nt), func(t *testing.T) {
			_, err := run(t, r, newInput(nt, map[string]any{"url": "http://x", "query": "q"}, nil))
			require.Error(t, err)
			assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), "port not configured")
		})
	}
}

func TestPortHandler_RendersPayload(t *testing.T) {
	alerts := &mapPort{out: map[string]any{"alertId": "a-1", "conditionResult": "saved"}}
	r := NewRegistry(Ports{Alert: alerts})

	in := newInput(workflow.NodeTypeAlertSave, map[string]any{
		"title":     "{{customer.name}} is waiting",
		"level":     "high",
		"timeoutMs": 500,
	}, map[string]any{"customer": map[string]any{"name": "Ann"}})

	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"save"}, alerts.calls)
	assert.Equal(t, "Ann is waiting", alerts.last["title"])
	assert.Equal(t, "high", alerts.last["level"])
	assert.NotContains(t, alerts.last, "timeoutMs")
	assert.Equal(t, "a-1", res.Output["alertId"])
	assert.Equal(t, "saved", res.ConditionResult)
}

func TestStartAndEnd(t *testing.T) {
	r := NewRegistry(Ports{})

	in := newInput(workflow.NodeTypeStart, nil, nil)
	in.TriggerData = map[string]any{"message": "hi"}
	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hi"}, res.Output)

	res, err = run(t, r, newInput(workflow.NodeTypeEnd, nil, map[string]any{"reply": "bye"}))
	require.NoError(t, err)
	assert.Equal(t, "bye", res.Output["reply"])
}

func TestCondition_Rules(t *testing.T) {
	r := NewRegistry(Ports{})
	data := map[string]any{
		"rules": []any{
			map[string]any{"condition": map[string]any{"field": "variables.score", "operator": "gt", "value": 80}, "result": "vip"},
			map[string]any{"condition": map[string]any{"field": "tier", "operator": "eq", "value": "gold"}, "result": "gold"},
		},
		"defaultResult": "normal",
	}
	tests := []struct {
		name string
		vars map[string]any
		want string
	}{
		{"first rule", map[string]any{"score": 90}, "vip"},
		{"second rule", map[string]any{"score": 10, "tier": "gold"}, "gold"},
		{"default", map[string]any{"score": 10}, "normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := run(t, r, newInput(workflow.NodeTypeCondition, data, tt.vars))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ConditionResult)
			assert.Equal(t, tt.want, res.Output["result"])
		})
	}

	bad := map[string]any{"rules": []any{
		map[string]any{"condition": map[string]any{"field": "x", "operator": "regex", "value": "."}, "result": "r"},
	}}
	_, err := run(t, r, newInput(workflow.NodeTypeCondition, bad, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
}

func TestDecision_Field(t *testing.T) {
	r := NewRegistry(Ports{})
	data := map[string]any{"field": "customer.tier", "defaultResult": "standard"}

	res, err := run(t, r, newInput(workflow.NodeTypeDecision, data, map[string]any{
		"customer": map[string]any{"tier": "gold"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "gold", res.ConditionResult)

	res, err = run(t, r, newInput(workflow.NodeTypeDecision, data, nil))
	require.NoError(t, err)
	assert.Equal(t, "standard", res.ConditionResult)
}

func TestVariableSet(t *testing.T) {
	r := NewRegistry(Ports{})
	res, err := run(t, r, newInput(workflow.NodeTypeVariableSet, map[string]any{
		"variables": map[string]any{
			"greeting": "hi {{customer.name}}",
			"copy":     "{{customer}}",
			"fixed":    3,
		},
	}, map[string]any{"customer": map[string]any{"name": "Ann"}}))
	require.NoError(t, err)
	assert.Equal(t, "hi Ann", res.Output["greeting"])
	assert.Equal(t, map[string]any{"name": "Ann"}, res.Output["copy"])
	assert.Equal(t, 3, res.Output["fixed"])

	_, err = run(t, r, newInput(workflow.NodeTypeVariableSet, nil, nil))
	assert.Error(t, err)
}

func TestDataTransform(t *testing.T) {
	r := NewRegistry(Ports{})
	vars := map[string]any{
		"customer": map[string]any{"name": "Ann"},
		"items":    []any{"first", "second"},
	}
	res, err := run(t, r, newInput(workflow.NodeTypeDataTransform, map[string]any{
		"mappings": map[string]any{"name": "customer.name", "top": "items.0", "missing": "nope"},
	}, vars))
	require.NoError(t, err)
	assert.Equal(t, "Ann", res.Output["name"])
	assert.Equal(t, "first", res.Output["top"])
	assert.NotContains(t, res.Output, "missing")

	_, err = run(t, r, newInput(workflow.NodeTypeDataTransform, map[string]any{
		"mappings": map[string]any{"missing": "nope"},
		"strict":   true,
	}, vars))
	assert.Error(t, err)
}

func TestDataQuery(t *testing.T) {
	data := &dataPort{}
	r := NewRegistry(Ports{Data: data})
	res, err := run(t, r, newInput(workflow.NodeTypeDataQuery, map[string]any{
		"query":     "orders_by_user",
		"params":    map[string]any{"userId": "{{userId}}"},
		"outputKey": "orders",
	}, map[string]any{"userId": "u-7"}))
	require.NoError(t, err)
	assert.Equal(t, "orders_by_user", data.query)
	assert.Equal(t, "u-7", data.params["userId"])
	orders, ok := res.Output["orders"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, orders["count"])
}

func TestMessageReceive(t *testing.T) {
	r := NewRegistry(Ports{})
	in := newInput(workflow.NodeTypeMessageReceive, nil, nil)
	in.TriggerData = map[string]any{"message": "where is my order", "senderId": "u1", "channel": "wechat"}

	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, "where is my order", res.Output["message"])
	assert.Equal(t, "text", res.Output["messageType"])
	assert.Equal(t, "u1", res.Output["senderId"])
	assert.Equal(t, "wechat", res.Output["channel"])

	in.TriggerData = map[string]any{"message": map[string]any{"content": "nested"}}
	res, err = run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, "nested", res.Output["message"])

	in.TriggerData = map[string]any{}
	_, err = run(t, r, in)
	assert.Error(t, err)
}

func TestAlertRule(t *testing.T) {
	r := NewRegistry(Ports{})
	data := map[string]any{"metric": "temperature", "operator": "gt", "threshold": 80, "severity": "critical"}

	res, err := run(t, r, newInput(workflow.NodeTypeAlertRule, data, map[string]any{"temperature": 85}))
	require.NoError(t, err)
	assert.Equal(t, "triggered", res.ConditionResult)
	assert.Equal(t, true, res.Output["triggered"])
	assert.Equal(t, 85, res.Output["value"])
	assert.Equal(t, "critical", res.Output["severity"])

	res, err = run(t, r, newInput(workflow.NodeTypeAlertRule, data, map[string]any{"temperature": 20}))
	require.NoError(t, err)
	assert.Equal(t, "not_triggered", res.ConditionResult)
}

func TestLogSave(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRegistry(Ports{}, WithLogger(zap.New(core)))

	res, err := run(t, r, newInput(workflow.NodeTypeLogSave, map[string]any{
		"message": "customer {{name}} escalated",
		"level":   "warn",
	}, map[string]any{"name": "Ann"}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["logged"])

	entries := logs.FilterMessage("customer Ann escalated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestTemplate_Render(t *testing.T) {
	vars := map[string]any{
		"name":  "Ann",
		"count": 3,
		"order": map[string]any{"id": "o-1"},
	}
	assert.Equal(t, "Hi Ann, order o-1 (3)", Render("Hi {{ name }}, order {{order.id}} ({{count}})", vars))
	assert.Equal(t, "missing: ", Render("missing: {{nope}}", vars))
	assert.Equal(t, "plain", Render("plain", vars))
	assert.Equal(t, `{"id":"o-1"}`, Render("{{order}}", vars))
	assert.Equal(t, 3, RenderValue("{{count}}", vars))
	assert.Equal(t, []any{"Ann", 1}, RenderValue([]any{"{{name}}", 1}, vars))
}
