package workflow

import (
	"context"
)

// DefinitionFilter narrows ListDefinitions. Zero values match everything.
type DefinitionFilter struct {
	IDs         []string
	IsActive    *bool
	TriggerType TriggerType
	Name        string
	Limit       int
	Offset      int
}

// Matches reports whether def passes the filter.
func (f DefinitionFilter) Matches(def *FlowDefinition) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, def.ID) {
		return false
	}
	if f.IsActive != nil && def.IsActive != *f.IsActive {
		return false
	}
	if f.TriggerType != "" && def.TriggerType != f.TriggerType {
		return false
	}
	if f.Name != "" && def.Name != f.Name {
		return false
	}
	return true
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	FlowDefinitionID string
	Status           InstanceStatus
	Limit            int
	Offset           int
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst *FlowInstance) bool {
	if f.FlowDefinitionID != "" && inst.FlowDefinitionID != f.FlowDefinitionID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	FlowInstanceID string
	NodeID         string
	Status         LogStatus
	Limit          int
	Offset         int
}

// Matches reports whether l passes the filter.
func (f LogFilter) Matches(l *FlowExecutionLog) bool {
	if f.FlowInstanceID != "" && l.FlowInstanceID != f.FlowInstanceID {
		return false
	}
	if f.NodeID != "" && l.NodeID != f.NodeID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}

// DefinitionStore persists flow definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *FlowDefinition) error
	// GetDefinition returns a NOT_FOUND types.Error when id is unknown.
	GetDefinition(ctx context.Context, id string) (*FlowDefinition, error)
	// ListDefinitions orders by CreatedAt ascending.
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*FlowDefinition, error)
	UpdateDefinition(ctx context.Context, def *FlowDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
}

// InstanceStore persists flow instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *FlowInstance) error
	GetInstance(ctx context.Context, id string) (*FlowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*FlowInstance, error)
	// UpdateInstance overwrites a non-terminal instance. Writing over a
	// terminal one fails with INVALID_TRANSITION, so terminal instances
	// stay immutable even when a cancel races the executor.
	UpdateInstance(ctx context.Context, inst *FlowInstance) error
}

// LogStore persists execution logs. Rows are appended, then closed once.
type LogStore interface {
	AppendLog(ctx context.Context, log *FlowExecutionLog) error
	UpdateLog(ctx context.Context, log *FlowExecutionLog) error
	// ListLogs orders by append order.
	ListLogs(ctx context.Context, filter LogFilter) ([]*FlowExecutionLog, error)
}

// Store is the persistence port of the engine.
type Store interface {
	DefinitionStore
	InstanceStore
	LogStore
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// paginate applies offset/limit to n items and returns the slice bounds.
func paginate(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
