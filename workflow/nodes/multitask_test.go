package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// scriptedTasks 按子任务配置决定行为：fail 失败，block 等待取消，panic 触发 panic
type scriptedTasks struct {
	mu    sync.Mutex
	calls []string
}

func (s *scriptedTasks) Execute(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in.Node.Name)
	s.mu.Unlock()

	switch {
	case boolField(in.NodeData, "panic"):
		panic("sub-task exploded")
	case boolField(in.NodeData, "block"):
		<-ctx.Done()
		return nil, ctx.Err()
	case boolField(in.NodeData, "fail"):
		return nil, errors.New("assignment rejected")
	}
	return &workflow.NodeResult{Output: map[string]any{"assigned": in.Node.Name}}, nil
}

func (s *scriptedTasks) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newMultiTaskRegistry() (*Registry, *scriptedTasks) {
	r := NewRegistry(Ports{})
	tasks := &scriptedTasks{}
	r.Register(workflow.NodeTypeTaskAssign, tasks)
	return r, tasks
}

func task(id string, cfg map[string]any) map[string]any {
	return map[string]any{"id": id, "operation": "assign", "config": cfg}
}

func multiTaskInput(mode string, failFast bool, tasks ...map[string]any) *workflow.NodeInput {
	list := make([]any, len(tasks))
	for i, t := range tasks {
		list[i] = t
	}
	return newInput(workflow.NodeTypeMultiTaskTask, map[string]any{
		"tasks":       list,
		"executeMode": mode,
		"failFast":    failFast,
	}, map[string]any{"ticket": "T-1"})
}

func statuses(t *testing.T, res *workflow.NodeResult) []string {
	t.Helper()
	list, ok := res.Output["results"].([]any)
	require.True(t, ok)
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = item.(map[string]any)["status"].(string)
	}
	return out
}

func TestMultiTask_SequentialFailFastStops(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("sequential", true,
		task("t1", nil),
		task("t2", map[string]any{"fail": true}),
		task("t3", nil),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2"}, tasks.called())
	assert.Equal(t, []string{"completed", "failed", "skipped"}, statuses(t, res))
	assert.Equal(t, true, res.Output["hasFailure"])
	assert.Equal(t, 1, res.Output["completedCount"])
	assert.Equal(t, 1, res.Output["failedCount"])
	assert.Equal(t, ResultHasFailure, res.ConditionResult)

	failed := res.Output["results"].([]any)[1].(map[string]any)
	assert.Equal(t, "assignment rejected", failed["error"])
	assert.NotContains(t, failed, "output")
}

func TestMultiTask_SequentialContinuesWithoutFailFast(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("", false,
		task("t1", nil),
		task("t2", map[string]any{"fail": true}),
		task("t3", nil),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, tasks.called())
	assert.Equal(t, []string{"completed", "failed", "completed"}, statuses(t, res))
	assert.Equal(t, 2, res.Output["completedCount"])
}

func TestMultiTask_ParallelAllSucceed(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("parallel", true,
		task("t1", nil), task("t2", nil), task("t3", nil),
	))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, tasks.called())
	assert.Equal(t, []string{"completed", "completed", "completed"}, statuses(t, res))
	assert.Equal(t, false, res.Output["hasFailure"])
	assert.Equal(t, ResultSuccess, res.ConditionResult)

	first := res.Output["results"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"assigned": "t1"}, first["output"])
	assert.Equal(t, "task_assign", first["operation"])
}

func TestMultiTask_ParallelFailFastCancelsInFlight(t *testing.T) {
	r, _ := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("parallel", true,
		task("t1", map[string]any{"fail": true}),
		task("t2", map[string]any{"block": true}),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"failed", "cancelled"}, statuses(t, res))
	assert.Equal(t, true, res.Output["hasFailure"])
}

func TestMultiTask_ParallelFailFastCancelsNotStarted(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	in := multiTaskInput("parallel", true,
		task("t1", map[string]any{"fail": true}),
		task("t2", nil),
		task("t3", nil),
	)
	in.NodeData["maxParallel"] = 1

	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tasks.called())
	assert.Equal(t, []string{"failed", "cancelled", "cancelled"}, statuses(t, res))
}

func TestMultiTask_ParallelWithoutFailFastRunsAll(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("parallel", false,
		task("t1", map[string]any{"fail": true}),
		task("t2", nil),
	))
	require.NoError(t, err)
	assert.Len(t, tasks.called(), 2)
	assert.Equal(t, []string{"failed", "completed"}, statuses(t, res))
}

func TestMultiTask_PanicIsReportedAsFailure(t *testing.T) {
	r, _ := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("parallel", false,
		task("t1", map[string]any{"panic": true}),
		task("t2", nil),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"failed", "completed"}, statuses(t, res))
	failed := res.Output["results"].([]any)[0].(map[string]any)
	assert.Contains(t, failed["error"], "panicked")
}

func TestMultiTask_OperationResolution(t *testing.T) {
	r, tasks := newMultiTaskRegistry()
	res, err := run(t, r, multiTaskInput("sequential", false,
		map[string]any{"id": "short", "operation": "assign"},
		map[string]any{"id": "full", "operation": "task_assign"},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "full"}, tasks.called())
	assert.Equal(t, []string{"completed", "completed"}, statuses(t, res))

	for _, op := range []string{"chat", "multi_task_ai", "teleport"} {
		_, err := run(t, r, multiTaskInput("sequential", false,
			map[string]any{"id": "x", "operation": op},
		))
		require.Error(t, err, op)
		assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
	}
}

func TestMultiTask_InvalidConfig(t *testing.T) {
	r, _ := newMultiTaskRegistry()
	tests := map[string]map[string]any{
		"no tasks":     {"tasks": []any{}},
		"bad mode":     {"tasks": []any{task("t1", nil)}, "executeMode": "sideways"},
		"duplicate id": {"tasks": []any{task("t1", nil), task("t1", nil)}},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, r, newInput(workflow.NodeTypeMultiTaskTask, data, nil))
			require.Error(t, err)
			assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
		})
	}
}

func TestMultiTask_BuiltinSubTasks(t *testing.T) {
	r := NewRegistry(Ports{})
	res, err := run(t, r, newInput(workflow.NodeTypeMultiTaskData, map[string]any{
		"tasks": []any{
			map[string]any{"id": "greet", "operation": "set", "config": map[string]any{
				"variables": map[string]any{"greeting": "hi {{name}}"},
			}},
			map[string]any{"id": "pick", "operation": "transform", "config": map[string]any{
				"mappings": map[string]any{"who": "name"},
			}},
		},
		"executeMode": "parallel",
	}, map[string]any{"name": "Ann"}))
	require.NoError(t, err)
	list := res.Output["results"].([]any)
	assert.Equal(t, map[string]any{"greeting": "hi Ann"}, list[0].(map[string]any)["output"])
	assert.Equal(t, map[string]any{"who": "Ann"}, list[1].(map[string]any)["output"])
}
