package nodes

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// Guard 受保护调用的入口，*guard.Guard 实现该接口。
type Guard interface {
	ExecuteWithProtection(ctx context.Context, providerID, modelID string, fn func(ctx context.Context) error, opts ...guard.CallOption) error
}

// Option 配置 Registry
type Option func(*Registry)

// WithGuard 让 AI 相关处理器经由 g 调用外部服务
func WithGuard(g Guard) Option {
	return func(r *Registry) { r.guard = g }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// =============================================================================
// 📋 处理器注册表
// =============================================================================

// Registry 节点类型到处理器的映射，实现 workflow.HandlerRegistry。
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.NodeType]workflow.NodeHandler

	ports  Ports
	guard  Guard
	logger *zap.Logger
}

// NewRegistry 创建注册表并注册全部内置节点类型
func NewRegistry(ports Ports, opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[workflow.NodeType]workflow.NodeHandler),
		ports:    ports,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "node_registry"))
	r.registerBuiltins()
	return r
}

// Register 注册或替换某个节点类型的处理器
func (r *Registry) Register(t workflow.NodeType, h workflow.NodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handler 实现 workflow.HandlerRegistry
func (r *Registry) Handler(t workflow.NodeType) (workflow.NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types 返回已注册的节点类型（排序后）
func (r *Registry) Types() []workflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) registerBuiltins() {
	fn := func(t workflow.NodeType, f workflow.NodeHandlerFunc) { r.handlers[t] = f }

	fn(workflow.NodeTypeStart, r.start)
	fn(workflow.NodeTypeEnd, r.end)
	fn(workflow.NodeTypeIntent, r.intent)
	fn(workflow.NodeTypeAIChat, r.aiChat)
	fn(workflow.NodeTypeCondition, r.condition)
	fn(workflow.NodeTypeDecision, r.decision)
	fn(workflow.NodeTypeHTTPRequest, r.httpRequest)
	fn(workflow.NodeTypeDataQuery, r.dataQuery)
	fn(workflow.NodeTypeDataTransform, r.dataTransform)
	fn(workflow.NodeTypeVariableSet, r.variableSet)
	fn(workflow.NodeTypeMessageReceive, r.messageReceive)
	fn(workflow.NodeTypeAlertRule, r.alertRule)
	fn(workflow.NodeTypeLogSave, r.logSave)

	// 端口型处理器：渲染 data 后交给对应端口
	p := r.ports
	fn(workflow.NodeTypeMessageDispatch, portHandler("message", p.Message != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Message.Dispatch(ctx, m)
	}))
	fn(workflow.NodeTypeMessageSync, portHandler("message", p.Message != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Message.Sync(ctx, m)
	}))
	fn(workflow.NodeTypeAlertSave, portHandler("alert", p.Alert != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Alert.Save(ctx, m)
	}))
	fn(workflow.NodeTypeAlertNotify, portHandler("alert", p.Alert != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Alert.Notify(ctx, m)
	}))
	fn(workflow.NodeTypeAlertEscalate, portHandler("alert", p.Alert != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Alert.Escalate(ctx, m)
	}))
	fn(workflow.NodeTypeRobotDispatch, portHandler("robot", p.Robot != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Robot.Dispatch(ctx, m)
	}))
	fn(workflow.NodeTypeSendCommand, portHandler("robot", p.Robot != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Robot.SendCommand(ctx, m)
	}))
	fn(workflow.NodeTypeCommandStatus, portHandler("robot", p.Robot != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Robot.CommandStatus(ctx, m)
	}))
	fn(workflow.NodeTypeStaffIntervention, portHandler("staff", p.Staff != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Staff.RequestIntervention(ctx, m)
	}))
	fn(workflow.NodeTypeHumanHandover, portHandler("staff", p.Staff != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Staff.Handover(ctx, m)
	}))
	fn(workflow.NodeTypeTaskAssign, portHandler("task", p.Task != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Task.Assign(ctx, m)
	}))
	fn(workflow.NodeTypeSessionCreate, portHandler("session", p.Session != nil, func(ctx context.Context, m map[string]any) (map[string]any, error) {
		return p.Session.Create(ctx, m)
	}))

	for _, t := range multiTaskTypes {
		r.handlers[t] = &multiTaskHandler{registry: r, nodeType: t}
	}
}

// call 经由 Guard 执行 AI 相关调用，未配置 Guard 时直接执行。
func (r *Registry) call(ctx context.Context, provider, model string, fn func(ctx context.Context) error) error {
	if r.guard == nil {
		return fn(ctx)
	}
	return r.guard.ExecuteWithProtection(ctx, provider, model, fn)
}

// portHandler 构造“渲染 data，调用端口，输出端口结果”的通用处理器。
// 端口未配置时返回 HANDLER 错误。
func portHandler(name string, configured bool, call func(ctx context.Context, payload map[string]any) (map[string]any, error)) workflow.NodeHandlerFunc {
	return func(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
		if !configured {
			return nil, portNotConfigured(name, in)
		}
		payload := renderMap(in.NodeData, scope(in))
		delete(payload, "timeoutMs")
		out, err := call(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &workflow.NodeResult{
			Output:          out,
			ConditionResult: stringField(out, "conditionResult", ""),
		}, nil
	}
}

func portNotConfigured(name string, in *workflow.NodeInput) error {
	return types.Errorf(types.ErrHandler, "%s port not configured", name).
		WithNode(in.Node.ID).
		WithRetryable(false)
}
