package workflow

import "context"

// NodeInput is what a node handler receives for one attempt.
type NodeInput struct {
	InstanceID     string
	FlowID         string
	Node           Node
	Attempt        int
	Variables      map[string]any
	TriggerData    map[string]any
	PreviousOutput map[string]any
	NodeData       map[string]any
}

// AsMap renders the input the way it is recorded in the execution log.
func (in *NodeInput) AsMap() map[string]any {
	return map[string]any{
		"variables":      CloneMap(in.Variables),
		"triggerData":    CloneMap(in.TriggerData),
		"previousOutput": CloneMap(in.PreviousOutput),
		"nodeData":       CloneMap(in.NodeData),
	}
}

// NodeResult is a successful handler outcome. ConditionResult and Intent
// feed edge routing; Output is merged into the instance variables.
type NodeResult struct {
	Output          map[string]any
	ConditionResult string
	Intent          string
}

// NodeHandler executes one node type.
type NodeHandler interface {
	Execute(ctx context.Context, in *NodeInput) (*NodeResult, error)
}

// NodeHandlerFunc adapts a function to NodeHandler.
type NodeHandlerFunc func(ctx context.Context, in *NodeInput) (*NodeResult, error)

// Execute implements NodeHandler.
func (f NodeHandlerFunc) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	return f(ctx, in)
}

// HandlerRegistry resolves node types to handlers.
type HandlerRegistry interface {
	Handler(t NodeType) (NodeHandler, bool)
}

// HandlerMap is the simplest HandlerRegistry.
type HandlerMap map[NodeType]NodeHandler

// Handler implements HandlerRegistry.
func (m HandlerMap) Handler(t NodeType) (NodeHandler, bool) {
	h, ok := m[t]
	return h, ok
}
