package nodes

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

func (r *Registry) start(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	return &workflow.NodeResult{Output: workflow.CloneMap(in.TriggerData)}, nil
}

func (r *Registry) end(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	return &workflow.NodeResult{Output: workflow.CloneMap(in.Variables)}, nil
}

// conditionRule data.rules 中的一条规则
type conditionRule struct {
	Condition workflow.Condition `json:"condition"`
	Result    string             `json:"result"`
}

type conditionData struct {
	Rules         []conditionRule `json:"rules"`
	DefaultResult string          `json:"defaultResult"`
	Field         string          `json:"field"`
}

func evalContext(in *workflow.NodeInput) workflow.EvalContext {
	return workflow.EvalContext{
		ConditionResult: stringField(in.PreviousOutput, "conditionResult", ""),
		Intent:          stringField(in.Variables, "intent", ""),
		Output:          in.PreviousOutput,
		Variables:       in.Variables,
	}
}

// condition 按顺序评估规则，输出首个命中规则的 result
func (r *Registry) condition(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	var cfg conditionData
	if err := workflow.DecodeNodeData(in.NodeData, &cfg); err != nil {
		return nil, types.NewError(types.ErrHandler, "invalid condition config").WithNode(in.Node.ID).WithCause(err)
	}
	return evaluateRules(in, cfg)
}

// decision 在 condition 的基础上支持 data.field：直接以变量值作为结果
func (r *Registry) decision(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	var cfg conditionData
	if err := workflow.DecodeNodeData(in.NodeData, &cfg); err != nil {
		return nil, types.NewError(types.ErrHandler, "invalid decision config").WithNode(in.Node.ID).WithCause(err)
	}
	if cfg.Field != "" && len(cfg.Rules) == 0 {
		result := cfg.DefaultResult
		if v, ok := workflow.LookupPath(in.Variables, cfg.Field); ok && v != nil {
			result = stringify(v)
		} else if v, ok := workflow.LookupPath(in.PreviousOutput, cfg.Field); ok && v != nil {
			result = stringify(v)
		}
		return &workflow.NodeResult{
			Output:          map[string]any{"result": result},
			ConditionResult: result,
		}, nil
	}
	return evaluateRules(in, cfg)
}

func evaluateRules(in *workflow.NodeInput, cfg conditionData) (*workflow.NodeResult, error) {
	ec := evalContext(in)
	for i, rule := range cfg.Rules {
		ok, err := rule.Condition.Evaluate(ec)
		if err != nil {
			return nil, types.Errorf(types.ErrHandler, "rule %d: %v", i, err).WithNode(in.Node.ID).WithCause(err)
		}
		if ok {
			return &workflow.NodeResult{
				Output:          map[string]any{"result": rule.Result, "matchedRule": i},
				ConditionResult: rule.Result,
			}, nil
		}
	}
	return &workflow.NodeResult{
		Output:          map[string]any{"result": cfg.DefaultResult, "matchedRule": -1},
		ConditionResult: cfg.DefaultResult,
	}, nil
}

// variableSet 渲染 data.variables 并作为输出合并进实例变量
func (r *Registry) variableSet(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	vars := mapField(in.NodeData, "variables")
	if vars == nil {
		return nil, types.NewError(types.ErrHandler, "variable_set requires data.variables").WithNode(in.Node.ID).WithRetryable(false)
	}
	return &workflow.NodeResult{Output: renderMap(vars, scope(in))}, nil
}

// dataTransform 按 data.mappings {target: sourcePath} 取值
func (r *Registry) dataTransform(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	mappings := mapField(in.NodeData, "mappings")
	if mappings == nil {
		return nil, types.NewError(types.ErrHandler, "data_transform requires data.mappings").WithNode(in.Node.ID).WithRetryable(false)
	}
	strict := boolField(in.NodeData, "strict")
	vars := scope(in)
	out := make(map[string]any, len(mappings))
	for target, src := range mappings {
		path, ok := src.(string)
		if !ok {
			return nil, types.Errorf(types.ErrHandler, "mapping %q: source must be a path string", target).WithNode(in.Node.ID)
		}
		v, found := workflow.LookupPath(vars, path)
		if !found {
			if strict {
				return nil, types.Errorf(types.ErrHandler, "mapping %q: path %q not found", target, path).WithNode(in.Node.ID)
			}
			continue
		}
		out[target] = workflow.CloneValue(v)
	}
	return &workflow.NodeResult{Output: out}, nil
}

// dataQuery 通过 DataPort 查询，query 与 params 支持模板
func (r *Registry) dataQuery(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	if r.ports.Data == nil {
		return nil, portNotConfigured("data", in)
	}
	vars := scope(in)
	query := Render(stringField(in.NodeData, "query", ""), vars)
	if query == "" {
		return nil, types.NewError(types.ErrHandler, "data_query requires data.query").WithNode(in.Node.ID).WithRetryable(false)
	}
	out, err := r.ports.Data.Query(ctx, query, renderMap(mapField(in.NodeData, "params"), vars))
	if err != nil {
		return nil, err
	}
	if key := stringField(in.NodeData, "outputKey", ""); key != "" {
		out = map[string]any{key: out}
	}
	return &workflow.NodeResult{Output: out}, nil
}

// messageReceive 从触发数据中提取消息
func (r *Registry) messageReceive(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	var text string
	for _, key := range []string{"message", "content", "text"} {
		if v, ok := in.TriggerData[key]; ok && v != nil {
			if m, isMap := v.(map[string]any); isMap {
				text = stringField(m, "content", stringField(m, "text", ""))
			} else {
				text = stringify(v)
			}
			if text != "" {
				break
			}
		}
	}
	if text == "" {
		return nil, types.NewError(types.ErrHandler, "trigger data carries no message").WithNode(in.Node.ID).WithRetryable(false)
	}
	out := map[string]any{
		"message":     text,
		"messageType": stringField(in.TriggerData, "messageType", "text"),
	}
	for _, key := range []string{"senderId", "sessionId", "channel", "robotId"} {
		if v, ok := in.TriggerData[key]; ok {
			out[key] = v
		}
	}
	return &workflow.NodeResult{Output: out}, nil
}

// alertRule 在进程内评估阈值：data.metric 路径、data.operator、data.threshold
func (r *Registry) alertRule(_ context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	metric := stringField(in.NodeData, "metric", "")
	if metric == "" {
		return nil, types.NewError(types.ErrHandler, "alert_rule requires data.metric").WithNode(in.Node.ID).WithRetryable(false)
	}
	op := workflow.Operator(stringField(in.NodeData, "operator", string(workflow.OpGt)))
	cond := workflow.Condition{Field: metric, Operator: op, Value: in.NodeData["threshold"]}
	ec := evalContext(in)
	triggered, err := cond.Evaluate(ec)
	if err != nil {
		return nil, types.NewError(types.ErrHandler, "evaluate alert rule").WithNode(in.Node.ID).WithCause(err)
	}
	value, _ := ec.Lookup(metric)
	result := "not_triggered"
	if triggered {
		result = "triggered"
	}
	out := map[string]any{
		"triggered": triggered,
		"value":     value,
		"severity":  stringField(in.NodeData, "severity", "warning"),
	}
	return &workflow.NodeResult{Output: out, ConditionResult: result}, nil
}

// logSave 写业务日志；未配置 LogPort 时写结构化日志
func (r *Registry) logSave(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	vars := scope(in)
	entry := renderMap(in.NodeData, vars)
	delete(entry, "timeoutMs")
	entry["instanceId"] = in.InstanceID
	entry["nodeId"] = in.Node.ID

	if r.ports.Log != nil {
		out, err := r.ports.Log.Save(ctx, entry)
		if err != nil {
			return nil, err
		}
		return &workflow.NodeResult{Output: out}, nil
	}

	level, err := zapcore.ParseLevel(stringField(in.NodeData, "level", "info"))
	if err != nil {
		level = zapcore.InfoLevel
	}
	msg := stringField(entry, "message", fmt.Sprintf("flow log from node %s", in.Node.ID))
	if ce := r.logger.Check(level, msg); ce != nil {
		ce.Write(
			zap.String("instance_id", in.InstanceID),
			zap.String("node_id", in.Node.ID),
			zap.Any("entry", entry),
		)
	}
	return &workflow.NodeResult{Output: map[string]any{"logged": true}}, nil
}
