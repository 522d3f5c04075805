package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BaSui01/botflow/types"
)

// ExecuteMode controls how a multi-task node runs its sub-tasks.
type ExecuteMode string

const (
	ExecuteModeSequential ExecuteMode = "sequential"
	ExecuteModeParallel   ExecuteMode = "parallel"
)

// SubTask is one entry of a multi-task node.
type SubTask struct {
	ID        string         `json:"id" validate:"required"`
	Operation string         `json:"operation" validate:"required"`
	Config    map[string]any `json:"config,omitempty"`
}

// MultiTaskConfig is the data block of a multi_task_* node.
type MultiTaskConfig struct {
	Tasks       []SubTask   `json:"tasks" validate:"required,min=1,dive"`
	ExecuteMode ExecuteMode `json:"executeMode" validate:"omitempty,oneof=sequential parallel"`
	FailFast    bool        `json:"failFast"`
	MaxParallel int         `json:"maxParallel,omitempty" validate:"gte=0"`
}

// DecodeNodeData decodes a node's loosely typed data block into out.
func DecodeNodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode node data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode node data: %w", err)
	}
	return nil
}

// ParseMultiTaskConfig decodes and validates a multi-task data block.
func ParseMultiTaskConfig(data map[string]any) (*MultiTaskConfig, error) {
	var cfg MultiTaskConfig
	if err := DecodeNodeData(data, &cfg); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid multi-task config").WithCause(err)
	}
	if cfg.ExecuteMode == "" {
		cfg.ExecuteMode = ExecuteModeSequential
	}
	if err := defaultValidator.Struct(&cfg); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid multi-task config: "+describeValidation(err)).WithCause(err)
	}
	seen := make(map[string]struct{}, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if _, dup := seen[t.ID]; dup {
			return nil, types.Errorf(types.ErrValidation, "duplicate sub-task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return &cfg, nil
}

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// NodeTypeChecker reports whether a node type has a registered handler.
type NodeTypeChecker func(NodeType) bool

// ValidateDefinition checks a definition before it is stored.
//
// Rules: struct tags, unique node and edge ids, exactly one start node,
// every edge endpoint exists, typed edge conditions are well formed,
// multi-task data blocks decode, and every node type is known when
// known is non-nil.
func ValidateDefinition(def *FlowDefinition, known NodeTypeChecker) error {
	if def == nil {
		return types.NewError(types.ErrValidation, "definition is nil")
	}
	if err := defaultValidator.Struct(def); err != nil {
		return types.NewError(types.ErrValidation, describeValidation(err)).WithCause(err)
	}

	var problems []string
	nodes := make(map[string]struct{}, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodes[n.ID] = struct{}{}
		if n.Type == NodeTypeStart {
			starts++
		}
		if known != nil && !known(n.Type) {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
		if n.Type.IsMultiTask() {
			if _, err := ParseMultiTaskConfig(n.Data); err != nil {
				problems = append(problems, fmt.Sprintf("node %q: %s", n.ID, messageOf(err)))
			}
		}
		if t, ok := n.Data["timeoutMs"]; ok {
			if ms, ok := toFloat(t); !ok || ms < 0 {
				problems = append(problems, fmt.Sprintf("node %q: timeoutMs must be a non-negative number", n.ID))
			}
		}
	}
	if starts != 1 {
		problems = append(problems, fmt.Sprintf("expected exactly one start node, found %d", starts))
	}

	edges := make(map[string]struct{}, len(def.Edges))
	for i, e := range def.Edges {
		if e.ID != "" {
			if _, dup := edges[e.ID]; dup {
				problems = append(problems, fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edges[e.ID] = struct{}{}
		}
		label := e.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if _, ok := nodes[e.Source]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s references unknown source %q", label, e.Source))
		}
		if _, ok := nodes[e.Target]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s references unknown target %q", label, e.Target))
		}
		if e.Match != nil && !e.Match.Operator.Valid() {
			problems = append(problems, fmt.Sprintf("edge %s has unknown operator %q", label, e.Match.Operator))
		}
	}

	if len(problems) > 0 {
		return types.NewError(types.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func messageOf(err error) string {
	if e, ok := types.AsError(err); ok {
		return e.Message
	}
	return err.Error()
}
