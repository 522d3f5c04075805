package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// ExecuteFlow walks a pending instance from its start node until an end
// node, a terminal error, the instance deadline, the node visit bound or a
// cancellation. The instance and its execution logs are updated as it goes.
// The returned error is the one the instance failed with, nil on completion.
func (e *Engine) ExecuteFlow(ctx context.Context, instanceID string) error {
	inst, cancelled, err := e.startInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	defer e.untrack(instanceID)

	timeout := inst.Definition.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = types.WithInstanceID(runCtx, inst.ID)

	runCtx, span := e.tracer.Start(runCtx, "flow.execute", trace.WithAttributes(
		attribute.String("flow.instance_id", inst.ID),
		attribute.String("flow.definition_id", inst.FlowDefinitionID),
		attribute.Int("flow.version", inst.FlowVersion),
	))
	defer span.End()

	x := &execution{
		engine:    e,
		inst:      inst,
		def:       inst.Definition,
		cancelled: cancelled,
		logger: e.logger.With(
			zap.String("instance_id", inst.ID),
			zap.String("flow_id", inst.FlowDefinitionID),
		),
	}
	if traceID, ok := types.TraceID(ctx); ok {
		x.logger = x.logger.With(zap.String("trace_id", traceID))
		span.SetAttributes(attribute.String("flow.trace_id", traceID))
	}

	x.logger.Info("flow execution started", zap.Duration("timeout", timeout))
	runErr := x.run(runCtx)
	finalErr := x.finish(ctx, runErr)

	if finalErr != nil {
		span.RecordError(finalErr)
		span.SetStatus(codes.Error, string(types.GetErrorCode(finalErr)))
	}
	span.SetAttributes(attribute.String("flow.status", string(x.inst.Status)))
	return finalErr
}

// startInstance moves the instance from pending to running and registers
// its cancel channel under the instance lock.
func (e *Engine) startInstance(ctx context.Context, instanceID string) (*FlowInstance, <-chan struct{}, error) {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status != InstanceStatusPending {
		return nil, nil, types.Errorf(types.ErrInvalidTransition, "flow instance %s is %s, expected pending", instanceID, inst.Status)
	}
	if inst.Definition == nil {
		def, err := e.store.GetDefinition(ctx, inst.FlowDefinitionID)
		if err != nil {
			return nil, nil, err
		}
		inst.Definition = def
	}

	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}

	now := e.now()
	inst.Status = InstanceStatusRunning
	inst.StartedAt = &now
	if start, ok := inst.Definition.StartNode(); ok {
		inst.CurrentNodeID = start.ID
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, nil, err
	}
	return inst, e.track(instanceID), nil
}

// execution is the state of one ExecuteFlow call.
type execution struct {
	engine    *Engine
	inst      *FlowInstance
	def       *FlowDefinition
	cancelled <-chan struct{}
	logger    *zap.Logger

	// cancelledByRequest is set once the stored instance is known to have
	// been cancelled through CancelFlowInstance.
	cancelledByRequest bool
}

func (x *execution) run(ctx context.Context) error {
	node, ok := x.def.StartNode()
	if !ok {
		return types.NewError(types.ErrValidation, "flow definition has no start node")
	}

	var previous map[string]any
	visits := 0
	for {
		if err := x.checkBoundary(ctx); err != nil {
			return err
		}
		visits++
		if visits > x.engine.maxNodeVisits {
			return types.Errorf(types.ErrRouting, "max node visits exceeded (%d)", x.engine.maxNodeVisits).WithNode(node.ID)
		}

		result, err := x.executeNode(ctx, node, previous)
		if err != nil {
			return err
		}

		for k, v := range result.Output {
			x.inst.Variables[k] = v
		}
		x.inst.ExecutionPath = append(x.inst.ExecutionPath, node.ID)

		if node.Type == NodeTypeEnd {
			return nil
		}

		edge, err := ResolveEdge(node.ID, x.def.OutgoingEdges(node.ID), EvalContext{
			ConditionResult: result.ConditionResult,
			Intent:          result.Intent,
			Output:          result.Output,
			Variables:       x.inst.Variables,
		})
		if err != nil {
			return err
		}
		next, ok := x.def.Node(edge.Target)
		if !ok {
			return types.Errorf(types.ErrRouting, "edge %s targets unknown node %s", edge.ID, edge.Target).WithNode(node.ID)
		}

		x.logger.Debug("routing",
			zap.String("from", node.ID),
			zap.String("to", next.ID),
			zap.String("edge_id", edge.ID),
			zap.String("condition_result", result.ConditionResult),
		)

		x.inst.CurrentNodeID = next.ID
		if err := x.persist(ctx); err != nil {
			return err
		}
		previous = result.Output
		node = next
	}
}

// checkBoundary observes cancellation and the instance deadline between nodes.
func (x *execution) checkBoundary(ctx context.Context) error {
	select {
	case <-x.cancelled:
		x.cancelledByRequest = true
		return types.NewError(types.ErrCancelled, "flow instance cancelled")
	default:
	}
	return contextError(ctx)
}

func contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, "flow instance timed out").WithCause(err)
	default:
		return types.NewError(types.ErrCancelled, "execution context cancelled").WithCause(err)
	}
}

// executeNode runs one node with the definition's fixed-delay retry budget.
// Every attempt gets its own log row.
func (x *execution) executeNode(ctx context.Context, node *Node, previous map[string]any) (*NodeResult, error) {
	maxAttempts := 1 + x.def.RetryConfig.MaxRetries
	interval := x.def.RetryConfig.RetryInterval()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			x.logger.Warn("retrying node",
				zap.String("node_id", node.ID),
				zap.Int("attempt", attempt),
				zap.Duration("interval", interval),
				zap.Error(lastErr),
			)
			if err := x.waitRetry(ctx, interval); err != nil {
				return nil, err
			}
		}

		result, err := x.attempt(ctx, node, attempt, previous)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// 实例超时优先于剩余重试次数
		if bErr := contextError(ctx); bErr != nil {
			return nil, bErr
		}
	}

	code := types.GetErrorCode(lastErr)
	if code == "" {
		code = types.ErrHandler
	}
	return nil, types.Errorf(code, "node %s (%s) failed after %d attempt(s)", node.ID, node.Type, maxAttempts).
		WithNode(node.ID).WithCause(lastErr)
}

func (x *execution) waitRetry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return x.checkBoundary(ctx)
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return x.checkBoundary(ctx)
	case <-x.cancelled:
		x.cancelledByRequest = true
		return types.NewError(types.ErrCancelled, "flow instance cancelled")
	case <-ctx.Done():
		return contextError(ctx)
	}
}

// attempt performs a single logged handler invocation.
func (x *execution) attempt(ctx context.Context, node *Node, attempt int, previous map[string]any) (*NodeResult, error) {
	e := x.engine
	input := &NodeInput{
		InstanceID:     x.inst.ID,
		FlowID:         x.inst.FlowDefinitionID,
		Node:           *node,
		Attempt:        attempt,
		Variables:      CloneMap(x.inst.Variables),
		TriggerData:    CloneMap(x.inst.TriggerData),
		PreviousOutput: CloneMap(previous),
		NodeData:       CloneMap(node.Data),
	}

	entry, err := e.recorder.RecordNodeStart(ctx, x.inst.ID, node, attempt, input.AsMap())
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "append execution log").WithCause(err).WithNode(node.ID)
	}

	nodeCtx, span := e.tracer.Start(types.WithNodeID(ctx, node.ID), "flow.node", trace.WithAttributes(
		attribute.String("flow.node_id", node.ID),
		attribute.String("flow.node_type", string(node.Type)),
		attribute.Int("flow.attempt", attempt),
	))
	started := time.Now()
	result, herr := x.invoke(nodeCtx, node, input)
	elapsed := time.Since(started)
	if herr != nil {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
	}
	span.End()

	var output map[string]any
	if result != nil {
		output = result.Output
	}
	e.recorder.RecordNodeEnd(ctx, entry, CloneMap(output), herr)

	status := LogStatusCompleted
	if herr != nil {
		status = LogStatusFailed
	}
	e.metrics.RecordNodeAttempt(string(node.Type), string(status), elapsed)

	if herr != nil {
		x.logger.Warn("node attempt failed",
			zap.String("node_id", node.ID),
			zap.String("node_type", string(node.Type)),
			zap.Int("attempt", attempt),
			zap.Duration("duration", elapsed),
			zap.Error(herr),
		)
		return nil, herr
	}
	x.logger.Debug("node attempt completed",
		zap.String("node_id", node.ID),
		zap.String("node_type", string(node.Type)),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}

// invoke dispatches to the handler, applying the optional per-node timeout
// from data.timeoutMs and turning panics into handler errors.
func (x *execution) invoke(ctx context.Context, node *Node, input *NodeInput) (result *NodeResult, err error) {
	if x.engine.handlers == nil {
		return nil, types.Errorf(types.ErrHandler, "no handler registry configured")
	}
	handler, ok := x.engine.handlers.Handler(node.Type)
	if !ok {
		return nil, types.Errorf(types.ErrHandler, "no handler registered for node type %s", node.Type).WithNode(node.ID)
	}

	if d := nodeTimeout(node); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("node handler panicked",
				zap.String("node_id", node.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = types.Errorf(types.ErrHandler, "handler panicked: %v", r).WithNode(node.ID)
		}
	}()

	result, err = handler.Execute(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !types.IsErrorCode(err, types.ErrTimeout) {
			err = types.Errorf(types.ErrTimeout, "node %s timed out", node.ID).WithNode(node.ID).WithCause(err)
		}
		return nil, err
	}
	if result == nil {
		result = &NodeResult{}
	}
	return result, nil
}

func nodeTimeout(node *Node) time.Duration {
	v, ok := node.Data["timeoutMs"]
	if !ok {
		return 0
	}
	ms, ok := toFloat(v)
	if !ok || ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// persist writes the in-memory instance. A refused write means the stored
// instance went terminal underneath, which the executor reports as the
// reason to stop.
func (x *execution) persist(ctx context.Context) error {
	e := x.engine
	unlock := e.locks.lock(x.inst.ID)
	defer unlock()

	err := e.store.UpdateInstance(context.WithoutCancel(ctx), x.inst)
	if err == nil {
		return nil
	}
	if !types.IsErrorCode(err, types.ErrInvalidTransition) {
		return types.NewError(types.ErrInternalError, "persist flow instance").WithCause(err)
	}

	stored, gerr := e.store.GetInstance(context.WithoutCancel(ctx), x.inst.ID)
	if gerr == nil && stored.Status == InstanceStatusCancelled {
		x.cancelledByRequest = true
		return types.NewError(types.ErrCancelled, "flow instance cancelled")
	}
	return err
}

// finish records the terminal state of the instance.
func (x *execution) finish(ctx context.Context, runErr error) error {
	e := x.engine
	now := e.now()
	elapsed := now.Sub(*x.inst.StartedAt)

	if runErr != nil && x.cancelledByRequest {
		// CancelFlowInstance already stored the terminal state.
		x.inst.Status = InstanceStatusCancelled
		x.logger.Info("flow execution stopped by cancellation",
			zap.Strings("execution_path", x.inst.ExecutionPath),
		)
		return runErr
	}

	x.inst.CompletedAt = &now
	x.inst.ProcessingTimeMs = elapsed.Milliseconds()

	switch {
	case runErr == nil:
		x.inst.Status = InstanceStatusCompleted
		x.inst.Result = CloneMap(x.inst.Variables)
	case types.IsErrorCode(runErr, types.ErrCancelled):
		x.inst.Status = InstanceStatusCancelled
		x.inst.CancelReason = runErr.Error()
	default:
		x.inst.Status = InstanceStatusFailed
		code := types.GetErrorCode(runErr)
		if code == "" {
			code = types.ErrInternalError
		}
		x.inst.ErrorCode = string(code)
		x.inst.ErrorMessage = runErr.Error()
		x.inst.ErrorStack = errorStack(x.inst.CurrentNodeID, runErr)
	}

	if err := x.persist(ctx); err != nil {
		if types.IsErrorCode(err, types.ErrCancelled) {
			x.inst.Status = InstanceStatusCancelled
			return err
		}
		x.logger.Error("failed to persist terminal flow state", zap.Error(err))
		if runErr == nil {
			return err
		}
	}

	e.metrics.RecordFlowInstance(string(x.inst.Status), elapsed)
	if runErr != nil {
		x.logger.Warn("flow execution ended",
			zap.String("status", string(x.inst.Status)),
			zap.String("error_code", x.inst.ErrorCode),
			zap.Strings("execution_path", x.inst.ExecutionPath),
			zap.Duration("duration", elapsed),
			zap.Error(runErr),
		)
		return runErr
	}
	x.logger.Info("flow execution completed",
		zap.Strings("execution_path", x.inst.ExecutionPath),
		zap.Duration("duration", elapsed),
	)
	return nil
}

// errorStack renders the wrapped error chain, innermost last.
func errorStack(nodeID string, err error) string {
	var b strings.Builder
	if e, ok := types.AsError(err); ok && e.NodeID != "" {
		nodeID = e.NodeID
	}
	if nodeID != "" {
		fmt.Fprintf(&b, "at node %s\n", nodeID)
	}
	b.WriteString(strings.Join(types.ErrorChain(err), "\n"))
	return b.String()
}
