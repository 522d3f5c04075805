package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// Strategy names a selection strategy.
type Strategy string

const (
	StrategyDefaultFirst    Strategy = "DEFAULT_FIRST"
	StrategyHighestPriority Strategy = "HIGHEST_PRIORITY"
	StrategyAllMatched      Strategy = "ALL_MATCHED"
	StrategySingle          Strategy = "SINGLE"
)

// Criteria describes one selection request. An empty TriggerType matches any
// trigger, an empty RobotID only matches unbound definitions. FlowID is only
// consulted by SINGLE.
type Criteria struct {
	RobotID     string               `json:"robot_id,omitempty"`
	TriggerType workflow.TriggerType `json:"trigger_type,omitempty"`
	Strategy    Strategy             `json:"strategy,omitempty"`
	FlowID      string               `json:"flow_id,omitempty"`
}

// StrategyFunc narrows the candidate set. candidates arrive ordered by
// CreatedAt ascending and are owned by the callee.
type StrategyFunc func(candidates []*workflow.FlowDefinition, criteria Criteria) ([]*workflow.FlowDefinition, error)

// DefinitionSource lists stored definitions. workflow.Store satisfies it.
type DefinitionSource interface {
	ListDefinitions(ctx context.Context, filter workflow.DefinitionFilter) ([]*workflow.FlowDefinition, error)
}

// Option configures a Selector.
type Option func(*Selector)

// WithDefaultStrategy sets the strategy used when Criteria.Strategy is empty.
func WithDefaultStrategy(s Strategy) Option {
	return func(sel *Selector) {
		if s != "" {
			sel.defaultStrategy = s
		}
	}
}

// Selector picks flow definitions for a trigger.
type Selector struct {
	source DefinitionSource
	logger *zap.Logger

	mu              sync.RWMutex
	strategies      map[Strategy]StrategyFunc
	defaultStrategy Strategy
}

// New creates a selector with the built-in strategies registered.
func New(source DefinitionSource, logger *zap.Logger, opts ...Option) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		source:          source,
		logger:          logger.With(zap.String("component", "flow_selector")),
		defaultStrategy: StrategyDefaultFirst,
		strategies: map[Strategy]StrategyFunc{
			StrategyDefaultFirst:    defaultFirst,
			StrategyHighestPriority: highestPriority,
			StrategyAllMatched:      allMatched,
			StrategySingle:          single,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterStrategy adds or replaces a strategy.
func (s *Selector) RegisterStrategy(name Strategy, fn StrategyFunc) error {
	if name == "" || fn == nil {
		return types.NewError(types.ErrValidation, "strategy name and function are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[name] = fn
	return nil
}

// Strategies returns the registered strategy names in sorted order.
func (s *Selector) Strategies() []Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Strategy, 0, len(s.strategies))
	for name := range s.strategies {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Selector) strategy(name Strategy) (StrategyFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.strategies[name]
	return fn, ok
}

// SelectFlows returns the definitions that should run for criteria. An empty
// result is not an error.
func (s *Selector) SelectFlows(ctx context.Context, criteria Criteria) ([]*workflow.FlowDefinition, error) {
	if criteria.Strategy == "" {
		criteria.Strategy = s.defaultStrategy
	}
	fn, ok := s.strategy(criteria.Strategy)
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown selection strategy %q", criteria.Strategy)
	}

	candidates, err := s.candidates(ctx, criteria)
	if err != nil {
		return nil, err
	}
	selected, err := fn(candidates, criteria)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("flows selected",
		zap.String("strategy", string(criteria.Strategy)),
		zap.String("trigger_type", string(criteria.TriggerType)),
		zap.String("robot_id", criteria.RobotID),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(selected)),
	)
	return selected, nil
}

// GetDefaultFlow runs DEFAULT_FIRST and returns nil when no default exists.
func (s *Selector) GetDefaultFlow(ctx context.Context, criteria Criteria) (*workflow.FlowDefinition, error) {
	criteria.Strategy = StrategyDefaultFirst
	flows, err := s.SelectFlows(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, nil
	}
	return flows[0], nil
}

func (s *Selector) candidates(ctx context.Context, criteria Criteria) ([]*workflow.FlowDefinition, error) {
	active := true
	filter := workflow.DefinitionFilter{
		IsActive:    &active,
		TriggerType: criteria.TriggerType,
	}
	if criteria.Strategy == StrategySingle {
		if criteria.FlowID == "" {
			return nil, types.NewError(types.ErrValidation, "SINGLE strategy requires a flow id")
		}
		filter.IDs = []string{criteria.FlowID}
	}

	defs, err := s.source.ListDefinitions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list flow definitions: %w", err)
	}

	out := defs[:0]
	for _, def := range defs {
		if def.MatchesRobot(criteria.RobotID) {
			out = append(out, def)
		}
	}
	return out, nil
}

// =============================================================================
// 🎯 Built-in strategies
// =============================================================================

// defaultFirst returns the isDefault candidate. When several qualify, a
// definition bound to the requesting robot beats an unbound one, then
// priority and age decide.
func defaultFirst(candidates []*workflow.FlowDefinition, criteria Criteria) ([]*workflow.FlowDefinition, error) {
	var defaults []*workflow.FlowDefinition
	for _, def := range candidates {
		if def.IsDefault {
			defaults = append(defaults, def)
		}
	}
	if len(defaults) == 0 {
		return nil, nil
	}
	sort.SliceStable(defaults, func(i, j int) bool {
		bi := criteria.RobotID != "" && defaults[i].RobotID == criteria.RobotID
		bj := criteria.RobotID != "" && defaults[j].RobotID == criteria.RobotID
		if bi != bj {
			return bi
		}
		return defaults[i].Priority > defaults[j].Priority
	})
	return defaults[:1], nil
}

func highestPriority(candidates []*workflow.FlowDefinition, _ Criteria) ([]*workflow.FlowDefinition, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sortByPriority(candidates)
	return candidates[:1], nil
}

func allMatched(candidates []*workflow.FlowDefinition, _ Criteria) ([]*workflow.FlowDefinition, error) {
	sortByPriority(candidates)
	return candidates, nil
}

func single(candidates []*workflow.FlowDefinition, criteria Criteria) ([]*workflow.FlowDefinition, error) {
	for _, def := range candidates {
		if def.ID == criteria.FlowID {
			return []*workflow.FlowDefinition{def}, nil
		}
	}
	return nil, nil
}

// sortByPriority orders by priority descending, oldest first on ties.
func sortByPriority(defs []*workflow.FlowDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})
}
