package workflow

import (
	"strings"
	"time"
)

// NodeType defines the type of a flow node
type NodeType string

const (
	NodeTypeStart             NodeType = "start"
	NodeTypeEnd               NodeType = "end"
	NodeTypeIntent            NodeType = "intent"
	NodeTypeAIChat            NodeType = "ai_chat"
	NodeTypeCondition         NodeType = "condition"
	NodeTypeDecision          NodeType = "decision"
	NodeTypeHTTPRequest       NodeType = "http_request"
	NodeTypeDataQuery         NodeType = "data_query"
	NodeTypeDataTransform     NodeType = "data_transform"
	NodeTypeVariableSet       NodeType = "variable_set"
	NodeTypeMessageReceive    NodeType = "message_receive"
	NodeTypeMessageDispatch   NodeType = "message_dispatch"
	NodeTypeMessageSync       NodeType = "message_sync"
	NodeTypeAlertSave         NodeType = "alert_save"
	NodeTypeAlertRule         NodeType = "alert_rule"
	NodeTypeAlertNotify       NodeType = "alert_notify"
	NodeTypeAlertEscalate     NodeType = "alert_escalate"
	NodeTypeRobotDispatch     NodeType = "robot_dispatch"
	NodeTypeSendCommand       NodeType = "send_command"
	NodeTypeCommandStatus     NodeType = "command_status"
	NodeTypeStaffIntervention NodeType = "staff_intervention"
	NodeTypeHumanHandover     NodeType = "human_handover"
	NodeTypeTaskAssign        NodeType = "task_assign"
	NodeTypeSessionCreate     NodeType = "session_create"
	NodeTypeLogSave           NodeType = "log_save"
)

// Composite node types. Each runs a list of sub-tasks.
const (
	NodeTypeMultiTaskAI       NodeType = "multi_task_ai"
	NodeTypeMultiTaskData     NodeType = "multi_task_data"
	NodeTypeMultiTaskHTTP     NodeType = "multi_task_http"
	NodeTypeMultiTaskTask     NodeType = "multi_task_task"
	NodeTypeMultiTaskAlert    NodeType = "multi_task_alert"
	NodeTypeMultiTaskStaff    NodeType = "multi_task_staff"
	NodeTypeMultiTaskAnalysis NodeType = "multi_task_analysis"
	NodeTypeMultiTaskRobot    NodeType = "multi_task_robot"
	NodeTypeMultiTaskMessage  NodeType = "multi_task_message"
)

const multiTaskPrefix = "multi_task_"

// IsMultiTask reports whether the node type is a composite multi-task type.
func (t NodeType) IsMultiTask() bool {
	return strings.HasPrefix(string(t), multiTaskPrefix)
}

// TriggerType is the class of external event that can start a flow.
type TriggerType string

const (
	TriggerTypeMessage  TriggerType = "message"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeEvent    TriggerType = "event"
)

// InstanceStatus is the lifecycle status of a flow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses an instance can end in.
var TerminalStatuses = []InstanceStatus{
	InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled,
}

// CanTransition reports whether from -> to respects the monotonic lifecycle.
func CanTransition(from, to InstanceStatus) bool {
	switch from {
	case InstanceStatusPending:
		return to == InstanceStatusRunning || to == InstanceStatusCancelled
	case InstanceStatusRunning:
		return to.IsTerminal()
	}
	return false
}

// LogStatus is the status of one node execution attempt.
type LogStatus string

const (
	LogStatusRunning   LogStatus = "running"
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// RetryConfig controls node-level retries. The interval is a fixed delay.
type RetryConfig struct {
	MaxRetries      int   `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=20"`
	RetryIntervalMs int64 `json:"retry_interval_ms" yaml:"retry_interval_ms" validate:"gte=0"`
}

// RetryInterval returns the fixed delay between node attempts.
func (c RetryConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

// Node is a typed unit of work in the graph.
type Node struct {
	ID   string         `json:"id" yaml:"id" validate:"required"`
	Type NodeType       `json:"type" yaml:"type" validate:"required"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// DisplayName returns the node name, falling back to its ID.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a directed, optionally conditioned transition between nodes.
// Condition is the shorthand form compared against the source node's
// conditionResult or intent; Match is the typed form.
type Edge struct {
	ID        string     `json:"id" yaml:"id"`
	Source    string     `json:"source" yaml:"source" validate:"required"`
	Target    string     `json:"target" yaml:"target" validate:"required"`
	Condition string     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Match     *Condition `json:"match,omitempty" yaml:"match,omitempty"`
	Default   bool       `json:"default,omitempty" yaml:"default,omitempty"`
}

// IsConditional reports whether the edge declares any condition.
func (e Edge) IsConditional() bool {
	return e.Condition != "" || e.Match != nil
}

// FlowDefinition is a versioned node-graph template plus trigger and
// routing metadata.
type FlowDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name" validate:"required,max=200"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version       int            `json:"version" yaml:"version"`
	IsActive      bool           `json:"is_active" yaml:"is_active"`
	TriggerType   TriggerType    `json:"trigger_type" yaml:"trigger_type" validate:"required"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	Nodes         []Node         `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges         []Edge         `json:"edges" yaml:"edges" validate:"dive"`
	Variables     map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" validate:"gte=0"`
	RetryConfig   RetryConfig    `json:"retry_config" yaml:"retry_config"`
	IsDefault     bool           `json:"is_default,omitempty" yaml:"is_default,omitempty"`
	Priority      int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	RobotID       string         `json:"robot_id,omitempty" yaml:"robot_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Timeout returns the instance-level deadline, zero meaning unset.
func (d *FlowDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// StartNode returns the single start node.
func (d *FlowDefinition) StartNode() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeStart {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Node looks up a node by ID.
func (d *FlowDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingEdges returns the edges leaving nodeID in declaration order.
func (d *FlowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// MatchesRobot reports whether the definition may run for robotID.
// An unbound definition matches any robot.
func (d *FlowDefinition) MatchesRobot(robotID string) bool {
	return d.RobotID == "" || d.RobotID == robotID
}

// Clone returns a deep copy.
func (d *FlowDefinition) Clone() *FlowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.TriggerConfig = CloneMap(d.TriggerConfig)
	c.Variables = CloneMap(d.Variables)
	c.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		n.Data = CloneMap(n.Data)
		c.Nodes[i] = n
	}
	c.Edges = make([]Edge, len(d.Edges))
	for i, e := range d.Edges {
		if e.Match != nil {
			m := *e.Match
			m.Value = CloneValue(m.Value)
			e.Match = &m
		}
		c.Edges[i] = e
	}
	return &c
}

// FlowInstance is one execution of a FlowDefinition against trigger data.
type FlowInstance struct {
	ID               string          `json:"id"`
	FlowDefinitionID string          `json:"flow_definition_id"`
	FlowVersion      int             `json:"flow_version"`
	Status           InstanceStatus  `json:"status"`
	CurrentNodeID    string          `json:"current_node_id,omitempty"`
	ExecutionPath    []string        `json:"execution_path"`
	TriggerData      map[string]any  `json:"trigger_data,omitempty"`
	Variables        map[string]any  `json:"variables,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Result           map[string]any  `json:"result,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorStack       string          `json:"error_stack,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Definition       *FlowDefinition `json:"definition,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (i *FlowInstance) Clone() *FlowInstance {
	if i == nil {
		return nil
	}
	c := *i
	c.ExecutionPath = append([]string(nil), i.ExecutionPath...)
	c.TriggerData = CloneMap(i.TriggerData)
	c.Variables = CloneMap(i.Variables)
	c.Metadata = CloneMap(i.Metadata)
	c.Result = CloneMap(i.Result)
	c.Definition = i.Definition.Clone()
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FlowExecutionLog records one node execution attempt.
type FlowExecutionLog struct {
	ID               string         `json:"id"`
	FlowInstanceID   string         `json:"flow_instance_id"`
	NodeID           string         `json:"node_id"`
	NodeType         NodeType       `json:"node_type"`
	NodeName         string         `json:"node_name"`
	Attempt          int            `json:"attempt"`
	Status           LogStatus      `json:"status"`
	InputData        map[string]any `json:"input_data,omitempty"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// Clone returns a deep copy.
func (l *FlowExecutionLog) Clone() *FlowExecutionLog {
	if l == nil {
		return nil
	}
	c := *l
	c.InputData = CloneMap(l.InputData)
	c.OutputData = CloneMap(l.OutputData)
	if l.CompletedAt != nil {
		t := *l.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = CloneMap(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
