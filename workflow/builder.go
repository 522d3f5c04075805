package workflow

import "fmt"

// FlowBuilder provides a fluent API for constructing flow definitions.
type FlowBuilder struct {
	def *FlowDefinition
}

// NewFlowBuilder creates a builder for an active definition with the given name.
func NewFlowBuilder(name string, trigger TriggerType) *FlowBuilder {
	return &FlowBuilder{def: &FlowDefinition{
		Name:        name,
		TriggerType: trigger,
		IsActive:    true,
	}}
}

// WithID sets an explicit definition ID.
func (b *FlowBuilder) WithID(id string) *FlowBuilder {
	b.def.ID = id
	return b
}

// WithDescription sets the description.
func (b *FlowBuilder) WithDescription(desc string) *FlowBuilder {
	b.def.Description = desc
	return b
}

// Inactive marks the definition as not eligible for triggers.
func (b *FlowBuilder) Inactive() *FlowBuilder {
	b.def.IsActive = false
	return b
}

// Default marks the definition as the default for its trigger.
func (b *FlowBuilder) Default() *FlowBuilder {
	b.def.IsDefault = true
	return b
}

// WithPriority sets the selection priority.
func (b *FlowBuilder) WithPriority(p int) *FlowBuilder {
	b.def.Priority = p
	return b
}

// ForRobot binds the definition to one robot.
func (b *FlowBuilder) ForRobot(robotID string) *FlowBuilder {
	b.def.RobotID = robotID
	return b
}

// WithVariables sets the default variable bag.
func (b *FlowBuilder) WithVariables(vars map[string]any) *FlowBuilder {
	b.def.Variables = CloneMap(vars)
	return b
}

// WithTimeoutMs sets the instance deadline in milliseconds.
func (b *FlowBuilder) WithTimeoutMs(ms int64) *FlowBuilder {
	b.def.TimeoutMs = ms
	return b
}

// WithRetry sets node-level retries with a fixed interval.
func (b *FlowBuilder) WithRetry(maxRetries int, intervalMs int64) *FlowBuilder {
	b.def.RetryConfig = RetryConfig{MaxRetries: maxRetries, RetryIntervalMs: intervalMs}
	return b
}

// AddNode adds a node.
func (b *FlowBuilder) AddNode(id string, t NodeType, data map[string]any) *FlowBuilder {
	b.def.Nodes = append(b.def.Nodes, Node{ID: id, Type: t, Name: id, Data: data})
	return b
}

// AddEdge adds an unconditioned edge.
func (b *FlowBuilder) AddEdge(from, to string) *FlowBuilder {
	return b.addEdge(Edge{Source: from, Target: to})
}

// AddConditionEdge adds an edge taken when the source's result equals condition.
func (b *FlowBuilder) AddConditionEdge(from, to, condition string) *FlowBuilder {
	return b.addEdge(Edge{Source: from, Target: to, Condition: condition})
}

// AddMatchEdge adds an edge guarded by a typed condition.
func (b *FlowBuilder) AddMatchEdge(from, to string, c Condition) *FlowBuilder {
	return b.addEdge(Edge{Source: from, Target: to, Match: &c})
}

// AddDefaultEdge adds the fallback edge of a node.
func (b *FlowBuilder) AddDefaultEdge(from, to string) *FlowBuilder {
	return b.addEdge(Edge{Source: from, Target: to, Default: true})
}

func (b *FlowBuilder) addEdge(e Edge) *FlowBuilder {
	base := e.Source + "->" + e.Target
	e.ID = base
	for n := 2; b.hasEdge(e.ID); n++ {
		e.ID = fmt.Sprintf("%s#%d", base, n)
	}
	b.def.Edges = append(b.def.Edges, e)
	return b
}

// Build validates structure (node types unchecked) and returns the definition.
func (b *FlowBuilder) Build() (*FlowDefinition, error) {
	def := b.def.Clone()
	if err := ValidateDefinition(def, nil); err != nil {
		return nil, err
	}
	return def, nil
}

// MustBuild is Build that panics on error, for tests and fixtures.
func (b *FlowBuilder) MustBuild() *FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// UnreachableNodes lists nodes that cannot be reached from the start node.
// Such nodes are legal but usually a mistake in the definition.
func UnreachableNodes(def *FlowDefinition) []string {
	start, ok := def.StartNode()
	if !ok {
		return nil
	}
	reachable := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range def.OutgoingEdges(id) {
			if !reachable[e.Target] {
				reachable[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	var orphaned []string
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			orphaned = append(orphaned, n.ID)
		}
	}
	return orphaned
}

func (b *FlowBuilder) hasEdge(id string) bool {
	for _, e := range b.def.Edges {
		if e.ID == id {
			return true
		}
	}
	return false
}
