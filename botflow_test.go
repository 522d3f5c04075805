package botflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/testutil"
	"github.com/BaSui01/botflow/testutil/fixtures"
	"github.com/BaSui01/botflow/testutil/mocks"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
	"github.com/BaSui01/botflow/workflow/nodes"
	"github.com/BaSui01/botflow/workflow/selector"
)

func newRuntime(t *testing.T) (*Runtime, *workflow.Engine) {
	t.Helper()
	return newRuntimeWithPorts(t, nodes.Ports{})
}

func newRuntimeWithPorts(t *testing.T, ports nodes.Ports, opts ...nodes.Option) (*Runtime, *workflow.Engine) {
	t.Helper()
	registry := nodes.NewRegistry(ports, opts...)
	registry.Register(fixtures.NodeTypeBoom, workflow.NodeHandlerFunc(func(context.Context, *workflow.NodeInput) (*workflow.NodeResult, error) {
		return nil, errors.New("boom")
	}))

	store := workflow.NewMemoryStore()
	engine := workflow.NewEngine(store, registry, workflow.WithLogger(zap.NewNop()))
	t.Cleanup(engine.Wait)
	return New(engine, selector.New(store, zap.NewNop()), zap.NewNop()), engine
}

func create(t *testing.T, engine *workflow.Engine, b *workflow.FlowBuilder) *workflow.FlowDefinition {
	t.Helper()
	def, err := engine.CreateFlowDefinition(context.Background(), b.MustBuild())
	require.NoError(t, err)
	return def
}

func TestRuntime_TriggerSyncDefaultFlow(t *testing.T) {
	rt, engine := newRuntime(t)
	create(t, engine, fixtures.ReplyFlow("greeting", "hi {{senderId}}").Default())
	create(t, engine, fixtures.ReplyFlow("other", "unused"))

	instances, err := rt.Trigger(context.Background(), TriggerRequest{
		TriggerType: workflow.TriggerTypeMessage,
		TriggerData: map[string]any{"senderId": "u1"},
		Sync:        true,
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst := instances[0]
	assert.Equal(t, "greeting", inst.FlowDefinitionID)
	assert.Equal(t, workflow.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "hi u1", inst.Result["reply"])
}

func TestRuntime_TriggerStampsRobot(t *testing.T) {
	rt, engine := newRuntime(t)
	create(t, engine, fixtures.ReplyFlow("bound", "ok").Default().ForRobot("robot-1"))

	instances, err := rt.Trigger(context.Background(), TriggerRequest{
		RobotID:     "robot-1",
		TriggerType: workflow.TriggerTypeMessage,
		Metadata:    map[string]any{"channel": "web"},
		Sync:        true,
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "robot-1", instances[0].Metadata["robotId"])
	assert.Equal(t, "web", instances[0].Metadata["channel"])
}

func TestRuntime_TriggerNoMatch(t *testing.T) {
	rt, engine := newRuntime(t)
	create(t, engine, fixtures.ReplyFlow("bound", "ok").Default().ForRobot("robot-1"))

	instances, err := rt.Trigger(context.Background(), TriggerRequest{
		RobotID:     "robot-2",
		TriggerType: workflow.TriggerTypeMessage,
	})
	assert.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRuntime_TriggerAsyncAllMatched(t *testing.T) {
	rt, engine := newRuntime(t)
	create(t, engine, fixtures.ReplyFlow("a", "first"))
	create(t, engine, fixtures.ReplyFlow("b", "second"))

	instances, err := rt.Trigger(context.Background(), TriggerRequest{
		TriggerType: workflow.TriggerTypeMessage,
		Strategy:    selector.StrategyAllMatched,
	})
	require.NoError(t, err)
	require.Len(t, instances, 2)

	for _, inst := range instances {
		final := testutil.WaitForInstance(t, engine, inst.ID, 2*time.Second)
		assert.Equal(t, workflow.InstanceStatusCompleted, final.Status)
	}
}

func TestRuntime_TriggerSyncJoinsFailures(t *testing.T) {
	rt, engine := newRuntime(t)
	create(t, engine, fixtures.ReplyFlow("ok", "fine").WithPriority(1))
	create(t, engine, fixtures.FailingFlow("broken"))

	instances, err := rt.Trigger(context.Background(), TriggerRequest{
		TriggerType: workflow.TriggerTypeMessage,
		Strategy:    selector.StrategyAllMatched,
		Sync:        true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.Len(t, instances, 2)

	statuses := map[string]workflow.InstanceStatus{}
	for _, inst := range instances {
		statuses[inst.FlowDefinitionID] = inst.Status
	}
	assert.Equal(t, workflow.InstanceStatusCompleted, statuses["ok"])
	assert.Equal(t, workflow.InstanceStatusFailed, statuses["broken"])
}

func TestRuntime_TriggerUnknownStrategy(t *testing.T) {
	rt, _ := newRuntime(t)
	_, err := rt.Trigger(context.Background(), TriggerRequest{Strategy: "RANDOM"})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestRuntime_ImportUpserts(t *testing.T) {
	rt, engine := newRuntime(t)
	ctx := context.Background()
	create(t, engine, fixtures.ReplyFlow("existing", "old").WithPriority(5))

	updated := fixtures.ReplyFlow("existing", "new").MustBuild()
	fresh := fixtures.ReplyFlow("fresh", "hello").MustBuild()
	anonymous := fixtures.ReplyFlow("anon", "x").MustBuild()
	anonymous.ID = ""

	res, err := rt.Import(ctx, []*workflow.FlowDefinition{updated, fresh, anonymous})
	require.NoError(t, err)
	assert.Equal(t, []string{"existing"}, res.Updated)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "fresh", res.Created[0])
	assert.NotEmpty(t, res.Created[1])

	got, err := engine.GetFlowDefinition(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 0, got.Priority)
	assert.Equal(t, "new", got.Nodes[1].Data["variables"].(map[string]any)["reply"])
}

func TestRuntime_ImportStopsOnInvalid(t *testing.T) {
	rt, engine := newRuntime(t)
	bad := &workflow.FlowDefinition{ID: "bad", Name: "bad", TriggerType: workflow.TriggerTypeMessage}

	res, err := rt.Import(context.Background(), []*workflow.FlowDefinition{
		fixtures.ReplyFlow("good", "ok").MustBuild(),
		bad,
		fixtures.ReplyFlow("never", "ok").MustBuild(),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"good"}, res.Created)

	_, err = engine.GetFlowDefinition(context.Background(), "never")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRuntime_TriggerAIChatThroughGuard(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.Retry.Delay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	g, err := guard.New(cfg, guard.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)

	chat := mocks.NewChatPort("how can I help?").FailNext(nil)
	rt, engine := newRuntimeWithPorts(t, nodes.Ports{AIChat: chat}, nodes.WithGuard(g))
	create(t, engine, fixtures.AIReplyFlow("assistant", "gpt-4o").Default())

	ctx := testutil.TestContext(t)
	instances, err := rt.Trigger(ctx, TriggerRequest{
		TriggerType: workflow.TriggerTypeMessage,
		TriggerData: map[string]any{"message": "my robot is stuck"},
		Sync:        true,
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, workflow.InstanceStatusCompleted, instances[0].Status)
	assert.Equal(t, "how can I help?", instances[0].Result["reply"])
	assert.Equal(t, "gpt-4o", instances[0].Result["model"])

	// 第一次失败后由保护层重试
	calls := chat.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages
	require.Len(t, last, 2)
	assert.Equal(t, "system", last[0].Role)
	assert.Equal(t, "my robot is stuck", last[1].Content)
}

func TestRuntime_TriggerDispatchesReply(t *testing.T) {
	messages := &mocks.MessagePort{}
	rt, engine := newRuntimeWithPorts(t, nodes.Ports{
		AIChat:  mocks.NewChatPort("on my way"),
		Message: messages,
	})
	create(t, engine, workflow.NewFlowBuilder("answer", workflow.TriggerTypeMessage).
		WithID("answer").
		Default().
		AddNode("start", workflow.NodeTypeStart, nil).
		AddNode("chat", workflow.NodeTypeAIChat, map[string]any{"prompt": "{{message}}"}).
		AddNode("send", workflow.NodeTypeMessageDispatch, map[string]any{
			"to":   "{{senderId}}",
			"text": "{{reply}}",
		}).
		AddNode("end", workflow.NodeTypeEnd, nil).
		AddEdge("start", "chat").
		AddEdge("chat", "send").
		AddEdge("send", "end"))

	instances, err := rt.Trigger(testutil.TestContext(t), TriggerRequest{
		TriggerType: workflow.TriggerTypeMessage,
		TriggerData: map[string]any{"senderId": "u9", "message": "where is my order"},
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	final := testutil.WaitForInstance(t, engine, instances[0].ID, 2*time.Second)
	assert.Equal(t, workflow.InstanceStatusCompleted, final.Status)
	assert.Equal(t, true, final.Result["dispatched"])

	sent := messages.Dispatched()
	require.Len(t, sent, 1)
	assert.Equal(t, "u9", sent[0]["to"])
	assert.Equal(t, "on my way", sent[0]["text"])
	assert.Empty(t, messages.Synced())
}
