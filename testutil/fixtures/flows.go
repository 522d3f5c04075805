// Package fixtures 提供测试用的流程定义样例。
package fixtures

import (
	"github.com/BaSui01/botflow/workflow"
)

// NodeTypeBoom 测试注册的必然失败节点类型
const NodeTypeBoom workflow.NodeType = "boom"

// ReplyFlow start → variable_set(reply) → end，reply 支持 {{path}} 模板
func ReplyFlow(id, reply string) *workflow.FlowBuilder {
	return workflow.NewFlowBuilder(id, workflow.TriggerTypeMessage).
		WithID(id).
		AddNode("start", workflow.NodeTypeStart, nil).
		AddNode("set", workflow.NodeTypeVariableSet, map[string]any{
			"variables": map[string]any{"reply": reply},
		}).
		AddNode("end", workflow.NodeTypeEnd, nil).
		AddEdge("start", "set").
		AddEdge("set", "end")
}

// GreetingFlow 默认的消息流程，回复 "hello {{senderId}}"
func GreetingFlow(id string) *workflow.FlowDefinition {
	return ReplyFlow(id, "hello {{senderId}}").Default().MustBuild()
}

// FailingFlow start → NodeTypeBoom，需要调用方注册 NodeTypeBoom
func FailingFlow(id string) *workflow.FlowBuilder {
	return workflow.NewFlowBuilder(id, workflow.TriggerTypeMessage).
		WithID(id).
		AddNode("start", workflow.NodeTypeStart, nil).
		AddNode("explode", NodeTypeBoom, nil).
		AddEdge("start", "explode")
}

// AIReplyFlow start → ai_chat → end，回复写入 reply
func AIReplyFlow(id, model string) *workflow.FlowBuilder {
	return workflow.NewFlowBuilder(id, workflow.TriggerTypeMessage).
		WithID(id).
		AddNode("start", workflow.NodeTypeStart, nil).
		AddNode("chat", workflow.NodeTypeAIChat, map[string]any{
			"systemPrompt": "You are a support bot.",
			"prompt":       "{{message}}",
			"model":        model,
		}).
		AddNode("end", workflow.NodeTypeEnd, nil).
		AddEdge("start", "chat").
		AddEdge("chat", "end")
}

// GreetingYAML 单文档形式的 GreetingFlow
const GreetingYAML = `
id: greeting
name: greeting
trigger_type: message
is_active: true
is_default: true
nodes:
  - id: start
    type: start
  - id: set
    type: variable_set
    data:
      variables:
        reply: "hello {{senderId}}"
  - id: end
    type: end
edges:
  - source: start
    target: set
  - source: set
    target: end
`
