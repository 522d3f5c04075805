package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/pool"
	"github.com/BaSui01/botflow/types"
)

const (
	// DefaultInstanceTimeout bounds executeFlow when a definition sets none.
	DefaultInstanceTimeout = 5 * time.Minute
	// DefaultMaxNodeVisits bounds node visits per instance so cyclic graphs terminate.
	DefaultMaxNodeVisits = 1000
)

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordFlowInstance(status string, duration time.Duration)
	RecordNodeAttempt(nodeType, status string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordFlowInstance(string, time.Duration)        {}
func (noopMetrics) RecordNodeAttempt(string, string, time.Duration) {}

// Submitter runs background work, typically a bounded goroutine pool.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
}

// Engine owns the definition and instance lifecycle and runs the node loop.
type Engine struct {
	store    Store
	handlers HandlerRegistry
	recorder *attemptRecorder

	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   MetricsRecorder
	submitter Submitter
	now       func() time.Time

	defaultTimeout time.Duration
	maxNodeVisits  int

	locks   *instanceLocks
	mu      sync.Mutex
	running map[string]chan struct{}
	wg      sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the OTel tracer.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSubmitter routes ExecuteFlowAsync through s instead of bare goroutines.
func WithSubmitter(s Submitter) EngineOption {
	return func(e *Engine) { e.submitter = s }
}

// WithDefaultTimeout sets the deadline used when a definition has none.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxNodeVisits sets the per-instance node visit bound.
func WithMaxNodeVisits(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxNodeVisits = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a flow engine over a store and a handler registry.
func NewEngine(store Store, handlers HandlerRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		handlers:       handlers,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("github.com/BaSui01/botflow/workflow"),
		metrics:        noopMetrics{},
		now:            time.Now,
		defaultTimeout: DefaultInstanceTimeout,
		maxNodeVisits:  DefaultMaxNodeVisits,
		locks:          newInstanceLocks(),
		running:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "flow_engine"))
	e.recorder = &attemptRecorder{store: store, logger: e.logger, now: e.now}
	return e
}

// =============================================================================
// 🎯 Flow definitions
// =============================================================================

// DefinitionPatch holds the fields UpdateFlowDefinition may change.
// Nil fields are left untouched.
type DefinitionPatch struct {
	Name          *string        `json:"name,omitempty"`
	Description   *string        `json:"description,omitempty"`
	IsActive      *bool          `json:"is_active,omitempty"`
	TriggerType   *TriggerType   `json:"trigger_type,omitempty"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	Nodes         *[]Node        `json:"nodes,omitempty"`
	Edges         *[]Edge        `json:"edges,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	TimeoutMs     *int64         `json:"timeout_ms,omitempty"`
	RetryConfig   *RetryConfig   `json:"retry_config,omitempty"`
	IsDefault     *bool          `json:"is_default,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	RobotID       *string        `json:"robot_id,omitempty"`
}

func (p DefinitionPatch) apply(def *FlowDefinition) {
	if p.Name != nil {
		def.Name = *p.Name
	}
	if p.Description != nil {
		def.Description = *p.Description
	}
	if p.IsActive != nil {
		def.IsActive = *p.IsActive
	}
	if p.TriggerType != nil {
		def.TriggerType = *p.TriggerType
	}
	if p.TriggerConfig != nil {
		def.TriggerConfig = CloneMap(p.TriggerConfig)
	}
	if p.Nodes != nil {
		def.Nodes = (&FlowDefinition{Nodes: *p.Nodes}).Clone().Nodes
	}
	if p.Edges != nil {
		def.Edges = (&FlowDefinition{Edges: *p.Edges}).Clone().Edges
	}
	if p.Variables != nil {
		def.Variables = CloneMap(p.Variables)
	}
	if p.TimeoutMs != nil {
		def.TimeoutMs = *p.TimeoutMs
	}
	if p.RetryConfig != nil {
		def.RetryConfig = *p.RetryConfig
	}
	if p.IsDefault != nil {
		def.IsDefault = *p.IsDefault
	}
	if p.Priority != nil {
		def.Priority = *p.Priority
	}
	if p.RobotID != nil {
		def.RobotID = *p.RobotID
	}
}

func (e *Engine) knownNodeType(t NodeType) bool {
	if e.handlers == nil {
		return true
	}
	_, ok := e.handlers.Handler(t)
	return ok
}

// CreateFlowDefinition validates and stores a new definition.
func (e *Engine) CreateFlowDefinition(ctx context.Context, def *FlowDefinition) (*FlowDefinition, error) {
	if def == nil {
		return nil, types.NewError(types.ErrValidation, "definition is nil")
	}
	stored := def.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Version < 1 {
		stored.Version = 1
	}
	now := e.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := ValidateDefinition(stored, e.knownNodeType); err != nil {
		return nil, err
	}
	if err := e.store.CreateDefinition(ctx, stored); err != nil {
		return nil, err
	}

	e.logger.Info("flow definition created",
		zap.String("flow_id", stored.ID),
		zap.String("name", stored.Name),
		zap.Int("nodes", len(stored.Nodes)),
		zap.Bool("active", stored.IsActive),
	)
	return stored.Clone(), nil
}

// GetFlowDefinition returns a stored definition.
func (e *Engine) GetFlowDefinition(ctx context.Context, id string) (*FlowDefinition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListFlowDefinitions returns definitions matching filter.
func (e *Engine) ListFlowDefinitions(ctx context.Context, filter DefinitionFilter) ([]*FlowDefinition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// UpdateFlowDefinition applies patch, re-validates and bumps the version.
// Instances created earlier keep running against their snapshot.
func (e *Engine) UpdateFlowDefinition(ctx context.Context, id string, patch DefinitionPatch) (*FlowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.apply(def)
	def.Version++
	def.UpdatedAt = e.now()

	if err := ValidateDefinition(def, e.knownNodeType); err != nil {
		return nil, err
	}
	if err := e.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.Info("flow definition updated",
		zap.String("flow_id", id),
		zap.Int("version", def.Version),
	)
	return def, nil
}

// ActivateFlowDefinition marks a definition as eligible for triggers.
func (e *Engine) ActivateFlowDefinition(ctx context.Context, id string) (*FlowDefinition, error) {
	return e.setActive(ctx, id, true)
}

// DeactivateFlowDefinition stops a definition from being selected or instantiated.
func (e *Engine) DeactivateFlowDefinition(ctx context.Context, id string) (*FlowDefinition, error) {
	return e.setActive(ctx, id, false)
}

func (e *Engine) setActive(ctx context.Context, id string, active bool) (*FlowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.IsActive == active {
		return def, nil
	}
	def.IsActive = active
	def.UpdatedAt = e.now()
	if err := e.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.Info("flow definition activation changed",
		zap.String("flow_id", id),
		zap.Bool("active", active),
	)
	return def, nil
}

// DeleteFlowDefinition removes a definition. Existing instances keep their snapshot.
func (e *Engine) DeleteFlowDefinition(ctx context.Context, id string) error {
	if err := e.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	e.logger.Info("flow definition deleted", zap.String("flow_id", id))
	return nil
}

// =============================================================================
// 🎯 Flow instances
// =============================================================================

// CreateFlowInstance creates a pending instance of an active definition.
// Variables are the definition defaults overlaid with triggerData.
func (e *Engine) CreateFlowInstance(ctx context.Context, definitionID string, triggerData, metadata map[string]any) (*FlowInstance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, types.Errorf(types.ErrNotFound, "flow definition %s is not active", definitionID)
	}

	variables := CloneMap(def.Variables)
	if variables == nil {
		variables = make(map[string]any, len(triggerData))
	}
	for k, v := range triggerData {
		variables[k] = CloneValue(v)
	}

	inst := &FlowInstance{
		ID:               uuid.NewString(),
		FlowDefinitionID: def.ID,
		FlowVersion:      def.Version,
		Status:           InstanceStatusPending,
		ExecutionPath:    []string{},
		TriggerData:      CloneMap(triggerData),
		Variables:        variables,
		Metadata:         CloneMap(metadata),
		Definition:       def,
		CreatedAt:        e.now(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Debug("flow instance created",
		zap.String("instance_id", inst.ID),
		zap.String("flow_id", def.ID),
		zap.Int("flow_version", def.Version),
	)
	return inst.Clone(), nil
}

// GetFlowInstance returns a stored instance.
func (e *Engine) GetFlowInstance(ctx context.Context, id string) (*FlowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListFlowInstances returns instances matching filter.
func (e *Engine) ListFlowInstances(ctx context.Context, filter InstanceFilter) ([]*FlowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// GetFlowExecutionLogs returns log rows matching filter in append order.
func (e *Engine) GetFlowExecutionLogs(ctx context.Context, filter LogFilter) ([]*FlowExecutionLog, error) {
	return e.store.ListLogs(ctx, filter)
}

// CancelFlowInstance flips a non-terminal instance to cancelled.
//
// Cancellation is cooperative: a handler already in flight finishes, and the
// executor stops at the next node boundary. A terminal instance is left
// untouched and nil is returned.
func (e *Engine) CancelFlowInstance(ctx context.Context, id, reason string) (*FlowInstance, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, nil
	}

	now := e.now()
	inst.Status = InstanceStatusCancelled
	inst.CancelReason = reason
	inst.CompletedAt = &now
	if inst.StartedAt != nil {
		inst.ProcessingTimeMs = now.Sub(*inst.StartedAt).Milliseconds()
	}
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		if types.IsErrorCode(err, types.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, err
	}

	e.signalCancel(id)
	e.metrics.RecordFlowInstance(string(InstanceStatusCancelled), time.Duration(inst.ProcessingTimeMs)*time.Millisecond)
	e.logger.Info("flow instance cancelled",
		zap.String("instance_id", id),
		zap.String("reason", reason),
	)
	return inst, nil
}

// ExecuteFlowAsync runs ExecuteFlow in the background. The caller's context
// only contributes values; its cancellation does not stop the run.
func (e *Engine) ExecuteFlowAsync(ctx context.Context, instanceID string) error {
	task := func(taskCtx context.Context) error {
		if err := e.ExecuteFlow(taskCtx, instanceID); err != nil {
			e.logger.Debug("async flow execution ended with error",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
			return err
		}
		return nil
	}

	bg := context.WithoutCancel(ctx)
	if e.submitter != nil {
		if err := e.submitter.Submit(bg, task); err != nil {
			return types.NewError(types.ErrInternalError, "submit flow execution").WithCause(err).WithRetryable(errors.Is(err, pool.ErrPoolFull))
		}
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = task(bg)
	}()
	return nil
}

// Wait blocks until executions started with bare goroutines have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// =============================================================================
// 🔧 Cancellation bookkeeping
// =============================================================================

func (e *Engine) track(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.running[id] = ch
	return ch
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Engine) signalCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.running[id]; ok {
		close(ch)
		delete(e.running, id)
	}
}

// instanceLocks serializes read-modify-write cycles on one instance between
// the executor and CancelFlowInstance.
type instanceLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{m: make(map[string]*lockEntry)}
}

func (l *instanceLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.m[id]
	if !ok {
		entry = &lockEntry{}
		l.m[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
