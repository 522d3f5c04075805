package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/pool"
	"github.com/BaSui01/botflow/types"
)

// testHandlers returns a minimal registry: start/end pass through,
// condition echoes data.result, variable_set outputs data.set.
func testHandlers() HandlerMap {
	return HandlerMap{
		NodeTypeStart: NodeHandlerFunc(func(_ context.Context, in *NodeInput) (*NodeResult, error) {
			return &NodeResult{Output: CloneMap(in.TriggerData)}, nil
		}),
		NodeTypeEnd: NodeHandlerFunc(func(_ context.Context, _ *NodeInput) (*NodeResult, error) {
			return &NodeResult{}, nil
		}),
		NodeTypeCondition: NodeHandlerFunc(func(_ context.Context, in *NodeInput) (*NodeResult, error) {
			result, _ := in.NodeData["result"].(string)
			return &NodeResult{ConditionResult: result, Output: map[string]any{"decision": result}}, nil
		}),
		NodeTypeVariableSet: NodeHandlerFunc(func(_ context.Context, in *NodeInput) (*NodeResult, error) {
			set, _ := in.NodeData["set"].(map[string]any)
			return &NodeResult{Output: CloneMap(set)}, nil
		}),
	}
}

func newTestEngine(t *testing.T, handlers HandlerMap, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]EngineOption{WithLogger(zap.NewNop())}, opts...)
	return NewEngine(store, handlers, opts...), store
}

func createAndRun(t *testing.T, e *Engine, def *FlowDefinition, trigger map[string]any) (*FlowInstance, error) {
	t.Helper()
	ctx := context.Background()
	stored, err := e.CreateFlowDefinition(ctx, def)
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, stored.ID, trigger, nil)
	require.NoError(t, err)
	runErr := e.ExecuteFlow(ctx, inst.ID)
	final, err := e.GetFlowInstance(ctx, inst.ID)
	require.NoError(t, err)
	return final, runErr
}

func TestEngine_CreateFlowDefinition_Validation(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	tests := []struct {
		name string
		def  *FlowDefinition
		want string
	}{
		{
			name: "no start node",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes: []Node{{ID: "end", Type: NodeTypeEnd}}},
			want: "exactly one start node",
		},
		{
			name: "two start nodes",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes: []Node{{ID: "a", Type: NodeTypeStart}, {ID: "b", Type: NodeTypeStart}}},
			want: "found 2",
		},
		{
			name: "dangling edge",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes: []Node{{ID: "s", Type: NodeTypeStart}},
				Edges: []Edge{{ID: "e1", Source: "s", Target: "ghost"}}},
			want: "unknown target",
		},
		{
			name: "negative retries",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes:       []Node{{ID: "s", Type: NodeTypeStart}},
				RetryConfig: RetryConfig{MaxRetries: -1}},
			want: "MaxRetries",
		},
		{
			name: "negative timeout",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes: []Node{{ID: "s", Type: NodeTypeStart}}, TimeoutMs: -5},
			want: "TimeoutMs",
		},
		{
			name: "unregistered node type",
			def: &FlowDefinition{Name: "f", TriggerType: TriggerTypeMessage,
				Nodes: []Node{{ID: "s", Type: NodeTypeStart}, {ID: "x", Type: "teleport"}}},
			want: "unknown type",
		},
		{
			name: "missing trigger type",
			def:  &FlowDefinition{Name: "f", Nodes: []Node{{ID: "s", Type: NodeTypeStart}}},
			want: "TriggerType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateFlowDefinition(ctx, tt.def)
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEngine_DefinitionCRUD(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	def := NewFlowBuilder("greeting", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "end").
		MustBuild()

	created, err := e.CreateFlowDefinition(ctx, def)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)

	got, err := e.GetFlowDefinition(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", got.Name)

	name := "greeting-v2"
	updated, err := e.UpdateFlowDefinition(ctx, created.ID, DefinitionPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "greeting-v2", updated.Name)

	deactivated, err := e.DeactivateFlowDefinition(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	active := true
	list, err := e.ListFlowDefinitions(ctx, DefinitionFilter{IsActive: &active})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, e.DeleteFlowDefinition(ctx, created.ID))
	_, err = e.GetFlowDefinition(ctx, created.ID)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestEngine_UpdateRejectsInvalidPatch(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	created, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("f", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).MustBuild())
	require.NoError(t, err)

	nodes := []Node{{ID: "end", Type: NodeTypeEnd}}
	_, err = e.UpdateFlowDefinition(ctx, created.ID, DefinitionPatch{Nodes: &nodes})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	got, err := e.GetFlowDefinition(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestEngine_CreateFlowInstance(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	_, err := e.CreateFlowInstance(ctx, "missing", nil, nil)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	inactive, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("off", TriggerTypeMessage).
		Inactive().AddNode("start", NodeTypeStart, nil).MustBuild())
	require.NoError(t, err)
	_, err = e.CreateFlowInstance(ctx, inactive.ID, nil, nil)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("on", TriggerTypeMessage).
		WithVariables(map[string]any{"lang": "en", "greeting": "hi"}).
		AddNode("start", NodeTypeStart, nil).MustBuild())
	require.NoError(t, err)

	inst, err := e.CreateFlowInstance(ctx, def.ID,
		map[string]any{"lang": "fr", "text": "bonjour"},
		map[string]any{"channel": "web"})
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusPending, inst.Status)
	assert.Equal(t, "fr", inst.Variables["lang"])
	assert.Equal(t, "hi", inst.Variables["greeting"])
	assert.Equal(t, "bonjour", inst.Variables["text"])
	assert.Equal(t, "web", inst.Metadata["channel"])
	assert.Empty(t, inst.ExecutionPath)
	require.NotNil(t, inst.Definition)
	assert.Equal(t, def.Version, inst.FlowVersion)
}

func TestEngine_ExecuteFlow_Linear(t *testing.T) {
	e, store := newTestEngine(t, testHandlers())

	def := NewFlowBuilder("linear", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("set", NodeTypeVariableSet, map[string]any{"set": map[string]any{"tier": "gold"}}).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "set").
		AddEdge("set", "end").
		MustBuild()

	inst, err := createAndRun(t, e, def, map[string]any{"text": "hello"})
	require.NoError(t, err)

	assert.Equal(t, InstanceStatusCompleted, inst.Status)
	assert.Equal(t, []string{"start", "set", "end"}, inst.ExecutionPath)
	assert.Equal(t, "gold", inst.Result["tier"])
	assert.Equal(t, "hello", inst.Result["text"])
	assert.NotNil(t, inst.CompletedAt)
	assert.GreaterOrEqual(t, inst.ProcessingTimeMs, int64(0))

	logs, err := store.ListLogs(context.Background(), LogFilter{FlowInstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, id := range []string{"start", "set", "end"} {
		assert.Equal(t, id, logs[i].NodeID)
		assert.Equal(t, LogStatusCompleted, logs[i].Status)
		assert.Equal(t, 1, logs[i].Attempt)
		assert.NotNil(t, logs[i].CompletedAt)
	}
	assert.Equal(t, "gold", logs[1].OutputData["tier"])
}

func decisionFlow(result string, withDefault bool) *FlowDefinition {
	b := NewFlowBuilder("decision", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("decide", NodeTypeCondition, map[string]any{"result": result}).
		AddNode("A", NodeTypeVariableSet, map[string]any{"set": map[string]any{"branch": "A"}}).
		AddNode("B", NodeTypeVariableSet, map[string]any{"set": map[string]any{"branch": "B"}}).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "decide").
		AddConditionEdge("decide", "A", "service").
		AddEdge("A", "end").
		AddEdge("B", "end")
	if withDefault {
		b.AddDefaultEdge("decide", "B")
	}
	return b.MustBuild()
}

func TestEngine_DecisionRouting(t *testing.T) {
	t.Run("matching condition", func(t *testing.T) {
		e, _ := newTestEngine(t, testHandlers())
		inst, err := createAndRun(t, e, decisionFlow("service", true), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"start", "decide", "A", "end"}, inst.ExecutionPath)
		assert.Equal(t, "A", inst.Result["branch"])
	})

	t.Run("falls back to default", func(t *testing.T) {
		e, _ := newTestEngine(t, testHandlers())
		inst, err := createAndRun(t, e, decisionFlow("other", true), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"start", "decide", "B", "end"}, inst.ExecutionPath)
	})

	t.Run("no match and no default", func(t *testing.T) {
		e, _ := newTestEngine(t, testHandlers())
		inst, err := createAndRun(t, e, decisionFlow("other", false), nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrRouting, types.GetErrorCode(err))
		assert.Equal(t, InstanceStatusFailed, inst.Status)
		assert.Equal(t, string(types.ErrRouting), inst.ErrorCode)
		assert.Contains(t, inst.ErrorMessage, "decide")
		assert.Contains(t, inst.ErrorStack, "at node decide")
		assert.Equal(t, []string{"start", "decide"}, inst.ExecutionPath)
	})
}

func TestEngine_NodeRetry(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		handlers := testHandlers()
		var calls atomic.Int32
		handlers[NodeTypeHTTPRequest] = NodeHandlerFunc(func(_ context.Context, in *NodeInput) (*NodeResult, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("upstream 502 on attempt %d", in.Attempt)
			}
			return &NodeResult{Output: map[string]any{"status": 200}}, nil
		})
		e, store := newTestEngine(t, handlers)

		def := NewFlowBuilder("retry", TriggerTypeWebhook).
			WithRetry(2, 1).
			AddNode("start", NodeTypeStart, nil).
			AddNode("call", NodeTypeHTTPRequest, nil).
			AddNode("end", NodeTypeEnd, nil).
			AddEdge("start", "call").
			AddEdge("call", "end").
			MustBuild()

		inst, err := createAndRun(t, e, def, nil)
		require.NoError(t, err)
		assert.Equal(t, InstanceStatusCompleted, inst.Status)

		logs, err := store.ListLogs(context.Background(), LogFilter{FlowInstanceID: inst.ID, NodeID: "call"})
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, LogStatusFailed, logs[0].Status)
		assert.Equal(t, LogStatusFailed, logs[1].Status)
		assert.Equal(t, LogStatusCompleted, logs[2].Status)
		assert.Equal(t, []int{1, 2, 3}, []int{logs[0].Attempt, logs[1].Attempt, logs[2].Attempt})
		assert.Equal(t, "upstream 502 on attempt 2", logs[1].ErrorMessage)
	})

	t.Run("exhausted budget fails instance with last error", func(t *testing.T) {
		handlers := testHandlers()
		handlers[NodeTypeHTTPRequest] = NodeHandlerFunc(func(_ context.Context, in *NodeInput) (*NodeResult, error) {
			return nil, fmt.Errorf("boom %d", in.Attempt)
		})
		e, store := newTestEngine(t, handlers)

		def := NewFlowBuilder("retry", TriggerTypeWebhook).
			WithRetry(1, 0).
			AddNode("start", NodeTypeStart, nil).
			AddNode("call", NodeTypeHTTPRequest, nil).
			AddNode("end", NodeTypeEnd, nil).
			AddEdge("start", "call").
			AddEdge("call", "end").
			MustBuild()

		inst, err := createAndRun(t, e, def, nil)
		require.Error(t, err)
		assert.Equal(t, InstanceStatusFailed, inst.Status)
		assert.Equal(t, string(types.ErrHandler), inst.ErrorCode)
		assert.Contains(t, inst.ErrorMessage, "boom 2")
		assert.Contains(t, inst.ErrorStack, "boom 2")
		assert.Equal(t, []string{"start"}, inst.ExecutionPath)

		logs, err := store.ListLogs(context.Background(), LogFilter{FlowInstanceID: inst.ID, Status: LogStatusFailed})
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})
}

func TestEngine_InstanceTimeoutBeatsRetryBudget(t *testing.T) {
	handlers := testHandlers()
	handlers[NodeTypeAIChat] = NodeHandlerFunc(func(ctx context.Context, _ *NodeInput) (*NodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, store := newTestEngine(t, handlers)

	def := NewFlowBuilder("slow", TriggerTypeMessage).
		WithTimeoutMs(50).
		WithRetry(5, 1).
		AddNode("start", NodeTypeStart, nil).
		AddNode("chat", NodeTypeAIChat, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "chat").
		AddEdge("chat", "end").
		MustBuild()

	inst, err := createAndRun(t, e, def, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.Equal(t, InstanceStatusFailed, inst.Status)
	assert.Equal(t, string(types.ErrTimeout), inst.ErrorCode)

	logs, err := store.ListLogs(context.Background(), LogFilter{FlowInstanceID: inst.ID, NodeID: "chat"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestEngine_PerNodeTimeout(t *testing.T) {
	handlers := testHandlers()
	handlers[NodeTypeAIChat] = NodeHandlerFunc(func(ctx context.Context, _ *NodeInput) (*NodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, store := newTestEngine(t, handlers)

	def := NewFlowBuilder("node-timeout", TriggerTypeMessage).
		WithRetry(1, 0).
		AddNode("start", NodeTypeStart, nil).
		AddNode("chat", NodeTypeAIChat, map[string]any{"timeoutMs": 20}).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "chat").
		AddEdge("chat", "end").
		MustBuild()

	inst, err := createAndRun(t, e, def, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
	assert.Contains(t, inst.ErrorMessage, "node chat timed out")

	// 节点超时按重试配置重试
	logs, err := store.ListLogs(context.Background(), LogFilter{FlowInstanceID: inst.ID, NodeID: "chat"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestEngine_CancelDuringHandler(t *testing.T) {
	handlers := testHandlers()
	entered := make(chan struct{})
	release := make(chan struct{})
	handlers[NodeTypeHTTPRequest] = NodeHandlerFunc(func(_ context.Context, _ *NodeInput) (*NodeResult, error) {
		close(entered)
		<-release
		return &NodeResult{Output: map[string]any{"ok": true}}, nil
	})
	e, store := newTestEngine(t, handlers)
	ctx := context.Background()

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("cancel", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("call", NodeTypeHTTPRequest, nil).
		AddNode("after", NodeTypeVariableSet, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "call").
		AddEdge("call", "after").
		AddEdge("after", "end").
		MustBuild())
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.ExecuteFlow(ctx, inst.ID) }()

	<-entered
	cancelled, err := e.CancelFlowInstance(ctx, inst.ID, "customer left")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, InstanceStatusCancelled, cancelled.Status)
	close(release)

	runErr := <-errCh
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(runErr))

	final, err := e.GetFlowInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusCancelled, final.Status)
	assert.Equal(t, "customer left", final.CancelReason)
	assert.Equal(t, []string{"start"}, final.ExecutionPath)

	logs, err := store.ListLogs(ctx, LogFilter{FlowInstanceID: inst.ID, NodeID: "after"})
	require.NoError(t, err)
	assert.Empty(t, logs)

	// 终态实例再次取消返回 nil
	again, err := e.CancelFlowInstance(ctx, inst.ID, "again")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestEngine_CancelAfterRejectedSecondRun(t *testing.T) {
	handlers := testHandlers()
	failed := make(chan struct{})
	var calls atomic.Int32
	handlers[NodeTypeHTTPRequest] = NodeHandlerFunc(func(context.Context, *NodeInput) (*NodeResult, error) {
		if calls.Add(1) == 1 {
			close(failed)
		}
		return nil, errors.New("upstream 503")
	})
	e, _ := newTestEngine(t, handlers)
	ctx := context.Background()

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("wait", TriggerTypeMessage).
		WithRetry(1, int64(time.Hour/time.Millisecond)).
		AddNode("start", NodeTypeStart, nil).
		AddNode("call", NodeTypeHTTPRequest, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "call").
		AddEdge("call", "end").
		MustBuild())
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.ExecuteFlow(ctx, inst.ID) }()
	<-failed

	// 重复执行被拒绝，不影响正在运行的实例
	err = e.ExecuteFlow(ctx, inst.ID)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	_, err = e.CancelFlowInstance(ctx, inst.ID, "operator")
	require.NoError(t, err)

	select {
	case runErr := <-errCh:
		assert.Equal(t, types.ErrCancelled, types.GetErrorCode(runErr))
	case <-time.After(5 * time.Second):
		t.Fatal("running instance did not observe cancellation during retry wait")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_CancelPending(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("f", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).MustBuild())
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	cancelled, err := e.CancelFlowInstance(ctx, inst.ID, "dup trigger")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusCancelled, cancelled.Status)

	err = e.ExecuteFlow(ctx, inst.ID)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestEngine_CyclicGraphHitsVisitBound(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers(), WithMaxNodeVisits(10))

	def := NewFlowBuilder("loop", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("loop", NodeTypeVariableSet, map[string]any{"set": map[string]any{"n": 1}}).
		AddEdge("start", "loop").
		AddEdge("loop", "loop").
		MustBuild()

	inst, err := createAndRun(t, e, def, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRouting, types.GetErrorCode(err))
	assert.Contains(t, inst.ErrorMessage, "max node visits exceeded")
	assert.Len(t, inst.ExecutionPath, 10)
	assert.Equal(t, "start", inst.ExecutionPath[0])
}

func TestEngine_HandlerPanicFailsInstance(t *testing.T) {
	handlers := testHandlers()
	handlers[NodeTypeLogSave] = NodeHandlerFunc(func(context.Context, *NodeInput) (*NodeResult, error) {
		panic("nil map write")
	})
	e, _ := newTestEngine(t, handlers)

	def := NewFlowBuilder("panic", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("log", NodeTypeLogSave, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "log").
		AddEdge("log", "end").
		MustBuild()

	inst, err := createAndRun(t, e, def, nil)
	require.Error(t, err)
	assert.Equal(t, InstanceStatusFailed, inst.Status)
	assert.Contains(t, inst.ErrorMessage, "handler panicked")
}

func TestEngine_ExecuteFlowTwice(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("f", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "end").MustBuild())
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.ExecuteFlow(ctx, inst.ID))
	err = e.ExecuteFlow(ctx, inst.ID)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestEngine_InstanceUsesDefinitionSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, testHandlers())
	ctx := context.Background()

	def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("snap", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("set", NodeTypeVariableSet, map[string]any{"set": map[string]any{"v": "old"}}).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "set").
		AddEdge("set", "end").MustBuild())
	require.NoError(t, err)
	inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
	require.NoError(t, err)

	nodes := []Node{
		{ID: "start", Type: NodeTypeStart},
		{ID: "set", Type: NodeTypeVariableSet, Data: map[string]any{"set": map[string]any{"v": "new"}}},
		{ID: "end", Type: NodeTypeEnd},
	}
	_, err = e.UpdateFlowDefinition(ctx, def.ID, DefinitionPatch{Nodes: &nodes})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteFlow(ctx, inst.ID))
	final, err := e.GetFlowInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", final.Result["v"])
	assert.Equal(t, 1, final.FlowVersion)
}

func TestEngine_ExecuteFlowAsync(t *testing.T) {
	t.Run("bare goroutine", func(t *testing.T) {
		e, _ := newTestEngine(t, testHandlers())
		ctx, cancel := context.WithCancel(context.Background())

		def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("f", TriggerTypeMessage).
			AddNode("start", NodeTypeStart, nil).
			AddNode("end", NodeTypeEnd, nil).
			AddEdge("start", "end").MustBuild())
		require.NoError(t, err)
		inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
		require.NoError(t, err)

		require.NoError(t, e.ExecuteFlowAsync(ctx, inst.ID))
		cancel()
		e.Wait()

		final, err := e.GetFlowInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, InstanceStatusCompleted, final.Status)
	})

	t.Run("pool submitter", func(t *testing.T) {
		p := pool.NewExecutionPool(pool.ExecutionPoolConfig{MaxWorkers: 2, QueueSize: 4, IdleTimeout: time.Second}, zap.NewNop())
		defer p.Close(context.Background())
		e, _ := newTestEngine(t, testHandlers(), WithSubmitter(p))
		ctx := context.Background()

		def, err := e.CreateFlowDefinition(ctx, NewFlowBuilder("f", TriggerTypeMessage).
			AddNode("start", NodeTypeStart, nil).
			AddNode("end", NodeTypeEnd, nil).
			AddEdge("start", "end").MustBuild())
		require.NoError(t, err)
		inst, err := e.CreateFlowInstance(ctx, def.ID, nil, nil)
		require.NoError(t, err)

		require.NoError(t, e.ExecuteFlowAsync(ctx, inst.ID))
		assert.Eventually(t, func() bool {
			got, err := e.GetFlowInstance(ctx, inst.ID)
			return err == nil && got.Status == InstanceStatusCompleted
		}, 2*time.Second, 10*time.Millisecond)
	})
}

type failingStore struct {
	*MemoryStore
	failAppend bool
}

func (s *failingStore) AppendLog(ctx context.Context, l *FlowExecutionLog) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.MemoryStore.AppendLog(ctx, l)
}

func TestEngine_LogPersistenceFailureFailsInstance(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failAppend: true}
	e := NewEngine(store, testHandlers())

	def := NewFlowBuilder("f", TriggerTypeMessage).
		AddNode("start", NodeTypeStart, nil).
		AddNode("end", NodeTypeEnd, nil).
		AddEdge("start", "end").MustBuild()

	inst, err := createAndRun(t, e, def, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
	assert.Equal(t, InstanceStatusFailed, inst.Status)
	assert.Contains(t, inst.ErrorStack, "disk full")
}
