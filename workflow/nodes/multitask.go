package nodes

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// SubTaskStatus 子任务状态
type SubTaskStatus string

const (
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskCancelled SubTaskStatus = "cancelled"
	// SubTaskSkipped 顺序模式 failFast 停止后未尝试的子任务
	SubTaskSkipped SubTaskStatus = "skipped"
)

// 复合节点的条件结果
const (
	ResultHasFailure = "hasFailure"
	ResultSuccess    = "success"
)

var multiTaskTypes = []workflow.NodeType{
	workflow.NodeTypeMultiTaskAI,
	workflow.NodeTypeMultiTaskData,
	workflow.NodeTypeMultiTaskHTTP,
	workflow.NodeTypeMultiTaskTask,
	workflow.NodeTypeMultiTaskAlert,
	workflow.NodeTypeMultiTaskStaff,
	workflow.NodeTypeMultiTaskAnalysis,
	workflow.NodeTypeMultiTaskRobot,
	workflow.NodeTypeMultiTaskMessage,
}

// familyOps 各复合类型支持的简写操作
var familyOps = map[workflow.NodeType]map[string]workflow.NodeType{
	workflow.NodeTypeMultiTaskAI: {
		"chat":   workflow.NodeTypeAIChat,
		"intent": workflow.NodeTypeIntent,
	},
	workflow.NodeTypeMultiTaskData: {
		"query":     workflow.NodeTypeDataQuery,
		"transform": workflow.NodeTypeDataTransform,
		"set":       workflow.NodeTypeVariableSet,
	},
	workflow.NodeTypeMultiTaskHTTP: {
		"request": workflow.NodeTypeHTTPRequest,
	},
	workflow.NodeTypeMultiTaskTask: {
		"assign":  workflow.NodeTypeTaskAssign,
		"session": workflow.NodeTypeSessionCreate,
	},
	workflow.NodeTypeMultiTaskAlert: {
		"save":     workflow.NodeTypeAlertSave,
		"rule":     workflow.NodeTypeAlertRule,
		"notify":   workflow.NodeTypeAlertNotify,
		"escalate": workflow.NodeTypeAlertEscalate,
	},
	workflow.NodeTypeMultiTaskStaff: {
		"intervention": workflow.NodeTypeStaffIntervention,
		"handover":     workflow.NodeTypeHumanHandover,
	},
	workflow.NodeTypeMultiTaskAnalysis: {
		"intent":    workflow.NodeTypeIntent,
		"chat":      workflow.NodeTypeAIChat,
		"condition": workflow.NodeTypeCondition,
		"transform": workflow.NodeTypeDataTransform,
	},
	workflow.NodeTypeMultiTaskRobot: {
		"dispatch": workflow.NodeTypeRobotDispatch,
		"command":  workflow.NodeTypeSendCommand,
		"status":   workflow.NodeTypeCommandStatus,
	},
	workflow.NodeTypeMultiTaskMessage: {
		"receive":  workflow.NodeTypeMessageReceive,
		"dispatch": workflow.NodeTypeMessageDispatch,
		"sync":     workflow.NodeTypeMessageSync,
		"log":      workflow.NodeTypeLogSave,
	},
}

// SubTaskResult 单个子任务的结果
type SubTaskResult struct {
	ID        string            `json:"id"`
	Operation workflow.NodeType `json:"operation"`
	Status    SubTaskStatus     `json:"status"`
	Output    map[string]any    `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`

	cause error
}

func (s SubTaskResult) toMap() map[string]any {
	m := map[string]any{
		"id":        s.ID,
		"operation": string(s.Operation),
		"status":    string(s.Status),
	}
	if s.Output != nil {
		m["output"] = s.Output
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	return m
}

// =============================================================================
// 🧩 复合节点
// =============================================================================

// multiTaskHandler 顺序或并行执行子任务，并汇总每个子任务的状态。
// 子任务失败不会让节点失败：汇总中的 hasFailure 交给下游边判断。
type multiTaskHandler struct {
	registry *Registry
	nodeType workflow.NodeType
}

type resolvedTask struct {
	task    workflow.SubTask
	op      workflow.NodeType
	handler workflow.NodeHandler
}

// resolveOperation 解析子任务操作：完整节点类型或本族简写
func (h *multiTaskHandler) resolveOperation(op string) (workflow.NodeType, error) {
	t := workflow.NodeType(op)
	if mapped, ok := familyOps[h.nodeType][op]; ok {
		t = mapped
	}
	if t.IsMultiTask() {
		return "", fmt.Errorf("operation %q: nested multi-task nodes are not allowed", op)
	}
	if _, ok := h.registry.Handler(t); !ok {
		return "", fmt.Errorf("operation %q is not supported by %s", op, h.nodeType)
	}
	return t, nil
}

func (h *multiTaskHandler) Execute(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	cfg, err := workflow.ParseMultiTaskConfig(in.NodeData)
	if err != nil {
		return nil, types.NewError(types.ErrHandler, "invalid multi-task config").
			WithNode(in.Node.ID).WithCause(err).WithRetryable(false)
	}

	tasks := make([]resolvedTask, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		op, err := h.resolveOperation(t.Operation)
		if err != nil {
			return nil, types.Errorf(types.ErrHandler, "sub-task %s: %v", t.ID, err).
				WithNode(in.Node.ID).WithRetryable(false)
		}
		handler, _ := h.registry.Handler(op)
		tasks[i] = resolvedTask{task: t, op: op, handler: handler}
	}

	var results []SubTaskResult
	if cfg.ExecuteMode == workflow.ExecuteModeParallel {
		results = h.runParallel(ctx, in, tasks, cfg)
	} else {
		results = h.runSequential(ctx, in, tasks, cfg)
	}
	return aggregate(results), nil
}

func (h *multiTaskHandler) runSequential(ctx context.Context, in *workflow.NodeInput, tasks []resolvedTask, cfg *workflow.MultiTaskConfig) []SubTaskResult {
	results := make([]SubTaskResult, len(tasks))
	stopped := false
	for i, rt := range tasks {
		results[i] = SubTaskResult{ID: rt.task.ID, Operation: rt.op}
		switch {
		case stopped:
			results[i].Status = SubTaskSkipped
			continue
		case ctx.Err() != nil:
			results[i].Status = SubTaskCancelled
			continue
		}
		results[i] = h.runOne(ctx, in, rt)
		if results[i].Status == SubTaskFailed && cfg.FailFast {
			stopped = true
		}
	}
	return results
}

func (h *multiTaskHandler) runParallel(ctx context.Context, in *workflow.NodeInput, tasks []resolvedTask, cfg *workflow.MultiTaskConfig) []SubTaskResult {
	results := make([]SubTaskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for i, rt := range tasks {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = SubTaskResult{ID: rt.task.ID, Operation: rt.op, Status: SubTaskCancelled}
				return nil
			}
			res := h.runOne(gctx, in, rt)
			if res.Status == SubTaskFailed && gctx.Err() != nil && isCancellation(res) {
				res.Status = SubTaskCancelled
			}
			results[i] = res
			if res.Status == SubTaskFailed && cfg.FailFast {
				// 返回错误会取消 gctx，其余子任务收到取消信号
				return errors.New(res.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func isCancellation(res SubTaskResult) bool {
	return res.cause != nil && (errors.Is(res.cause, context.Canceled) || types.IsErrorCode(res.cause, types.ErrCancelled))
}

// runOne 执行单个子任务，处理器 panic 记为失败
func (h *multiTaskHandler) runOne(ctx context.Context, in *workflow.NodeInput, rt resolvedTask) (res SubTaskResult) {
	res = SubTaskResult{ID: rt.task.ID, Operation: rt.op}
	defer func() {
		if p := recover(); p != nil {
			h.registry.logger.Error("sub-task panicked",
				zap.String("node_id", in.Node.ID),
				zap.String("task_id", rt.task.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res.Status = SubTaskFailed
			res.Error = fmt.Sprintf("sub-task panicked: %v", p)
			res.cause = nil
		}
	}()

	sub := &workflow.NodeInput{
		InstanceID: in.InstanceID,
		FlowID:     in.FlowID,
		Node: workflow.Node{
			ID:   in.Node.ID + "." + rt.task.ID,
			Type: rt.op,
			Name: rt.task.ID,
			Data: rt.task.Config,
		},
		Attempt:        in.Attempt,
		Variables:      workflow.CloneMap(in.Variables),
		TriggerData:    workflow.CloneMap(in.TriggerData),
		PreviousOutput: workflow.CloneMap(in.PreviousOutput),
		NodeData:       workflow.CloneMap(rt.task.Config),
	}
	if sub.NodeData == nil {
		sub.NodeData = map[string]any{}
	}

	out, err := rt.handler.Execute(ctx, sub)
	if err != nil {
		res.Status = SubTaskFailed
		res.Error = err.Error()
		res.cause = err
		return res
	}
	res.Status = SubTaskCompleted
	if out != nil {
		res.Output = out.Output
	}
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	return res
}

func aggregate(results []SubTaskResult) *workflow.NodeResult {
	list := make([]any, len(results))
	completed, failed, cancelled := 0, 0, 0
	for i, r := range results {
		list[i] = r.toMap()
		switch r.Status {
		case SubTaskCompleted:
			completed++
		case SubTaskFailed:
			failed++
		case SubTaskCancelled:
			cancelled++
		}
	}
	hasFailure := failed > 0 || cancelled > 0
	cond := ResultSuccess
	if hasFailure {
		cond = ResultHasFailure
	}
	return &workflow.NodeResult{
		Output: map[string]any{
			"results":        list,
			"hasFailure":     hasFailure,
			"completedCount": completed,
			"failedCount":    failed,
			"cancelledCount": cancelled,
		},
		ConditionResult: cond,
	}
}
