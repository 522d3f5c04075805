package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/botflow/workflow"
)

// definitionRecord 流程定义表
type definitionRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Name        string    `gorm:"size:200;not null;index"`
	TriggerType string    `gorm:"size:32;not null;index:idx_flow_def_select"`
	IsActive    bool      `gorm:"not null;index:idx_flow_def_select"`
	IsDefault   bool      `gorm:"not null;default:false"`
	Priority    int       `gorm:"not null;default:0"`
	RobotID     string    `gorm:"size:64;index"`
	Version     int       `gorm:"not null"`
	Body        string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (definitionRecord) TableName() string { return "flow_definitions" }

// instanceRecord 流程实例表
type instanceRecord struct {
	ID               string    `gorm:"primaryKey;size:64"`
	FlowDefinitionID string    `gorm:"size:64;not null;index"`
	Status           string    `gorm:"size:16;not null;index"`
	Body             string    `gorm:"type:text;not null"`
	CreatedAt        time.Time `gorm:"index;autoCreateTime:false"`
}

func (instanceRecord) TableName() string { return "flow_instances" }

// logRecord 执行日志表，Seq 决定追加顺序
type logRecord struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"size:64;not null;uniqueIndex"`
	FlowInstanceID string `gorm:"size:64;not null;index"`
	NodeID         string `gorm:"size:128;not null"`
	Status         string `gorm:"size:16;not null"`
	Body           string `gorm:"type:text;not null"`
}

func (logRecord) TableName() string { return "flow_execution_logs" }

func encodeBody(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record body: %w", err)
	}
	return string(data), nil
}

func decodeBody[T any](body string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decode record body: %w", err)
	}
	return &v, nil
}

func toDefinitionRecord(def *workflow.FlowDefinition) (*definitionRecord, error) {
	body, err := encodeBody(def)
	if err != nil {
		return nil, err
	}
	return &definitionRecord{
		ID:          def.ID,
		Name:        def.Name,
		TriggerType: string(def.TriggerType),
		IsActive:    def.IsActive,
		IsDefault:   def.IsDefault,
		Priority:    def.Priority,
		RobotID:     def.RobotID,
		Version:     def.Version,
		Body:        body,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}, nil
}

func toInstanceRecord(inst *workflow.FlowInstance) (*instanceRecord, error) {
	body, err := encodeBody(inst)
	if err != nil {
		return nil, err
	}
	return &instanceRecord{
		ID:               inst.ID,
		FlowDefinitionID: inst.FlowDefinitionID,
		Status:           string(inst.Status),
		Body:             body,
		CreatedAt:        inst.CreatedAt,
	}, nil
}

func toLogRecord(l *workflow.FlowExecutionLog) (*logRecord, error) {
	body, err := encodeBody(l)
	if err != nil {
		return nil, err
	}
	return &logRecord{
		ID:             l.ID,
		FlowInstanceID: l.FlowInstanceID,
		NodeID:         l.NodeID,
		Status:         string(l.Status),
		Body:           body,
	}, nil
}
