package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/botflow/types"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*FlowDefinition
	instances   map[string]*FlowInstance
	logs        []*FlowExecutionLog
	logIndex    map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*FlowDefinition),
		instances:   make(map[string]*FlowInstance),
		logIndex:    make(map[string]int),
	}
}

// =============================================================================
// Definitions
// =============================================================================

func (s *MemoryStore) CreateDefinition(_ context.Context, def *FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.definitions[def.ID]; exists {
		return types.Errorf(types.ErrValidation, "flow definition %s already exists", def.ID)
	}
	s.definitions[def.ID] = def.Clone()
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "flow definition %s not found", id)
	}
	return def.Clone(), nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*FlowDefinition, error) {
	s.mu.RLock()
	out := make([]*FlowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		if filter.Matches(def) {
			out = append(out, def.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	lo, hi := paginate(len(out), filter.Offset, filter.Limit)
	return out[lo:hi], nil
}

func (s *MemoryStore) UpdateDefinition(_ context.Context, def *FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[def.ID]; !ok {
		return types.Errorf(types.ErrNotFound, "flow definition %s not found", def.ID)
	}
	s.definitions[def.ID] = def.Clone()
	return nil
}

func (s *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return types.Errorf(types.ErrNotFound, "flow definition %s not found", id)
	}
	delete(s.definitions, id)
	return nil
}

// =============================================================================
// Instances
// =============================================================================

func (s *MemoryStore) CreateInstance(_ context.Context, inst *FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return types.Errorf(types.ErrValidation, "flow instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*FlowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "flow instance %s not found", id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*FlowInstance, error) {
	s.mu.RLock()
	out := make([]*FlowInstance, 0)
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	lo, hi := paginate(len(out), filter.Offset, filter.Limit)
	return out[lo:hi], nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *FlowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[inst.ID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "flow instance %s not found", inst.ID)
	}
	if cur.Status.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition, "flow instance %s is already %s", inst.ID, cur.Status)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// =============================================================================
// Execution logs
// =============================================================================

func (s *MemoryStore) AppendLog(_ context.Context, log *FlowExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.logIndex[log.ID]; exists {
		return types.Errorf(types.ErrValidation, "execution log %s already exists", log.ID)
	}
	s.logIndex[log.ID] = len(s.logs)
	s.logs = append(s.logs, log.Clone())
	return nil
}

func (s *MemoryStore) UpdateLog(_ context.Context, log *FlowExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.logIndex[log.ID]
	if !ok {
		return types.Errorf(types.ErrNotFound, "execution log %s not found", log.ID)
	}
	s.logs[idx] = log.Clone()
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, filter LogFilter) ([]*FlowExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FlowExecutionLog, 0)
	for _, l := range s.logs {
		if filter.Matches(l) {
			out = append(out, l.Clone())
		}
	}
	lo, hi := paginate(len(out), filter.Offset, filter.Limit)
	return out[lo:hi], nil
}

var _ Store = (*MemoryStore)(nil)
