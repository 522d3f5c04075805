package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/botflow/internal/database"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// Transactor runs fn in a transaction, retrying transient failures.
// *database.PoolManager satisfies it.
type Transactor interface {
	WithTransactionRetry(ctx context.Context, maxRetries int, fn database.TransactionFunc) error
}

type plainTransactor struct {
	db *gorm.DB
}

func (t plainTransactor) WithTransactionRetry(ctx context.Context, _ int, fn database.TransactionFunc) error {
	return t.db.WithContext(ctx).Transaction(fn)
}

// Option configures a GormStore.
type Option func(*GormStore)

// WithTransactor routes instance updates through tx.
func WithTransactor(tx Transactor, maxRetries int) Option {
	return func(s *GormStore) {
		if tx != nil {
			s.tx = tx
		}
		if maxRetries > 0 {
			s.txRetries = maxRetries
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *GormStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// GormStore implements workflow.Store on a relational database.
type GormStore struct {
	db        *gorm.DB
	tx        Transactor
	txRetries int
	logger    *zap.Logger
}

var _ workflow.Store = (*GormStore)(nil)

// NewGormStore creates a store over db. Call AutoMigrate before first use.
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	s := &GormStore{
		db:        db,
		tx:        plainTransactor{db: db},
		txRetries: 3,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "gorm_store"))
	return s
}

// AutoMigrate creates or updates the three tables.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&definitionRecord{}, &instanceRecord{}, &logRecord{}); err != nil {
		return fmt.Errorf("auto migrate flow tables: %w", err)
	}
	s.logger.Info("flow tables migrated")
	return nil
}

func page(q *gorm.DB, offset, limit int) *gorm.DB {
	if limit > 0 {
		q = q.Limit(limit)
	} else if offset > 0 {
		// SQLite 不接受单独的 OFFSET
		q = q.Limit(math.MaxInt32)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Errorf(types.ErrNotFound, "%s %s not found", what, id)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func (s *GormStore) exists(ctx context.Context, model any, column, value string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where(column+" = ?", value).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// 🗄️ Definitions
// =============================================================================

func (s *GormStore) CreateDefinition(ctx context.Context, def *workflow.FlowDefinition) error {
	rec, err := toDefinitionRecord(def)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, &definitionRecord{}, "id", def.ID)
	if err != nil {
		return fmt.Errorf("check flow definition %s: %w", def.ID, err)
	}
	if found {
		return types.Errorf(types.ErrValidation, "flow definition %s already exists", def.ID)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create flow definition %s: %w", def.ID, err)
	}
	return nil
}

func (s *GormStore) GetDefinition(ctx context.Context, id string) (*workflow.FlowDefinition, error) {
	var rec definitionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err, "flow definition", id)
	}
	return decodeBody[workflow.FlowDefinition](rec.Body)
}

func (s *GormStore) ListDefinitions(ctx context.Context, filter workflow.DefinitionFilter) ([]*workflow.FlowDefinition, error) {
	q := s.db.WithContext(ctx).Model(&definitionRecord{})
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}
	if filter.TriggerType != "" {
		q = q.Where("trigger_type = ?", string(filter.TriggerType))
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	q = page(q.Order("created_at ASC").Order("id ASC"), filter.Offset, filter.Limit)

	var recs []definitionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list flow definitions: %w", err)
	}
	out := make([]*workflow.FlowDefinition, 0, len(recs))
	for _, rec := range recs {
		def, err := decodeBody[workflow.FlowDefinition](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *GormStore) UpdateDefinition(ctx context.Context, def *workflow.FlowDefinition) error {
	rec, err := toDefinitionRecord(def)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&definitionRecord{}).Where("id = ?", def.ID).Updates(map[string]any{
		"name":         rec.Name,
		"trigger_type": rec.TriggerType,
		"is_active":    rec.IsActive,
		"is_default":   rec.IsDefault,
		"priority":     rec.Priority,
		"robot_id":     rec.RobotID,
		"version":      rec.Version,
		"body":         rec.Body,
		"updated_at":   rec.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update flow definition %s: %w", def.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "flow definition %s not found", def.ID)
	}
	return nil
}

func (s *GormStore) DeleteDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&definitionRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete flow definition %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "flow definition %s not found", id)
	}
	return nil
}

// =============================================================================
// 🗄️ Instances
// =============================================================================

var terminalStatuses = []string{
	string(workflow.InstanceStatusCompleted),
	string(workflow.InstanceStatusFailed),
	string(workflow.InstanceStatusCancelled),
}

func (s *GormStore) CreateInstance(ctx context.Context, inst *workflow.FlowInstance) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, &instanceRecord{}, "id", inst.ID)
	if err != nil {
		return fmt.Errorf("check flow instance %s: %w", inst.ID, err)
	}
	if found {
		return types.Errorf(types.ErrValidation, "flow instance %s already exists", inst.ID)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create flow instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*workflow.FlowInstance, error) {
	var rec instanceRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err, "flow instance", id)
	}
	return decodeBody[workflow.FlowInstance](rec.Body)
}

func (s *GormStore) ListInstances(ctx context.Context, filter workflow.InstanceFilter) ([]*workflow.FlowInstance, error) {
	q := s.db.WithContext(ctx).Model(&instanceRecord{})
	if filter.FlowDefinitionID != "" {
		q = q.Where("flow_definition_id = ?", filter.FlowDefinitionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = page(q.Order("created_at ASC").Order("id ASC"), filter.Offset, filter.Limit)

	var recs []instanceRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list flow instances: %w", err)
	}
	out := make([]*workflow.FlowInstance, 0, len(recs))
	for _, rec := range recs {
		inst, err := decodeBody[workflow.FlowInstance](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// UpdateInstance only writes rows whose stored status is not terminal.
func (s *GormStore) UpdateInstance(ctx context.Context, inst *workflow.FlowInstance) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	return s.tx.WithTransactionRetry(ctx, s.txRetries, func(tx *gorm.DB) error {
		res := tx.Model(&instanceRecord{}).
			Where("id = ? AND status NOT IN ?", inst.ID, terminalStatuses).
			Updates(map[string]any{"status": rec.Status, "body": rec.Body})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var cur instanceRecord
		if err := tx.Select("id", "status").Where("id = ?", inst.ID).Take(&cur).Error; err != nil {
			return notFound(err, "flow instance", inst.ID)
		}
		// MySQL 对未变化的行返回 0
		if !workflow.InstanceStatus(cur.Status).IsTerminal() {
			return nil
		}
		return types.Errorf(types.ErrInvalidTransition, "flow instance %s is already %s", inst.ID, cur.Status)
	})
}

// =============================================================================
// 🗄️ Execution logs
// =============================================================================

func (s *GormStore) AppendLog(ctx context.Context, l *workflow.FlowExecutionLog) error {
	rec, err := toLogRecord(l)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, &logRecord{}, "id", l.ID)
	if err != nil {
		return fmt.Errorf("check execution log %s: %w", l.ID, err)
	}
	if found {
		return types.Errorf(types.ErrValidation, "execution log %s already exists", l.ID)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append execution log %s: %w", l.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateLog(ctx context.Context, l *workflow.FlowExecutionLog) error {
	rec, err := toLogRecord(l)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&logRecord{}).Where("id = ?", l.ID).
		Updates(map[string]any{"status": rec.Status, "body": rec.Body})
	if res.Error != nil {
		return fmt.Errorf("update execution log %s: %w", l.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "execution log %s not found", l.ID)
	}
	return nil
}

func (s *GormStore) ListLogs(ctx context.Context, filter workflow.LogFilter) ([]*workflow.FlowExecutionLog, error) {
	q := s.db.WithContext(ctx).Model(&logRecord{})
	if filter.FlowInstanceID != "" {
		q = q.Where("flow_instance_id = ?", filter.FlowInstanceID)
	}
	if filter.NodeID != "" {
		q = q.Where("node_id = ?", filter.NodeID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = page(q.Order("seq ASC"), filter.Offset, filter.Limit)

	var recs []logRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	out := make([]*workflow.FlowExecutionLog, 0, len(recs))
	for _, rec := range recs {
		l, err := decodeBody[workflow.FlowExecutionLog](rec.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
