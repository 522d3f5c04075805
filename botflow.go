// Package botflow ties the flow selector to the flow engine.
//
// Usage:
//
//	rt := botflow.New(engine, sel, logger)
//	instances, err := rt.Trigger(ctx, botflow.TriggerRequest{
//	    RobotID:     "robot-1",
//	    TriggerType: workflow.TriggerTypeMessage,
//	    TriggerData: map[string]any{"senderId": "u1", "content": "refund please"},
//	})
//
// Engine and Selector stay usable on their own; Runtime only adds the
// select → instantiate → execute sequence and bulk definition import.
package botflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
	"github.com/BaSui01/botflow/workflow/selector"
)

// Runtime routes inbound events to flow instances.
type Runtime struct {
	engine   *workflow.Engine
	selector *selector.Selector
	logger   *zap.Logger
}

// New creates a Runtime.
func New(engine *workflow.Engine, sel *selector.Selector, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		engine:   engine,
		selector: sel,
		logger:   logger.With(zap.String("component", "runtime")),
	}
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *workflow.Engine { return r.engine }

// TriggerRequest describes one inbound event.
type TriggerRequest struct {
	RobotID     string               `json:"robot_id,omitempty"`
	TriggerType workflow.TriggerType `json:"trigger_type"`
	Strategy    selector.Strategy    `json:"strategy,omitempty"`
	FlowID      string               `json:"flow_id,omitempty"`
	TriggerData map[string]any       `json:"trigger_data,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	// Sync runs the selected flows inline instead of on the worker pool.
	Sync bool `json:"sync,omitempty"`
}

// Trigger selects flows for req, creates one instance per selected
// definition and executes them. No match yields an empty result.
//
// In async mode a pool rejection stops the loop and is returned together
// with the instances submitted so far; the rejected instance is cancelled.
// In sync mode every selected flow runs and the returned instances carry
// their final state; failures are joined into the returned error.
func (r *Runtime) Trigger(ctx context.Context, req TriggerRequest) ([]*workflow.FlowInstance, error) {
	defs, err := r.selector.SelectFlows(ctx, selector.Criteria{
		RobotID:     req.RobotID,
		TriggerType: req.TriggerType,
		Strategy:    req.Strategy,
		FlowID:      req.FlowID,
	})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		r.logger.Debug("no flow matched trigger",
			zap.String("robot_id", req.RobotID),
			zap.String("trigger_type", string(req.TriggerType)),
		)
		return nil, nil
	}

	metadata := workflow.CloneMap(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	if req.RobotID != "" {
		metadata["robotId"] = req.RobotID
	}

	instances := make([]*workflow.FlowInstance, 0, len(defs))
	var runErrs []error
	for _, def := range defs {
		inst, err := r.engine.CreateFlowInstance(ctx, def.ID, req.TriggerData, metadata)
		if err != nil {
			return instances, fmt.Errorf("create instance of %s: %w", def.ID, err)
		}

		if !req.Sync {
			if err := r.engine.ExecuteFlowAsync(ctx, inst.ID); err != nil {
				if _, cerr := r.engine.CancelFlowInstance(context.WithoutCancel(ctx), inst.ID, "submission rejected"); cerr != nil {
					r.logger.Warn("failed to cancel rejected instance", zap.String("instance_id", inst.ID), zap.Error(cerr))
				}
				return instances, fmt.Errorf("submit instance %s: %w", inst.ID, err)
			}
			instances = append(instances, inst)
			continue
		}

		if err := r.engine.ExecuteFlow(ctx, inst.ID); err != nil {
			runErrs = append(runErrs, fmt.Errorf("flow %s: %w", def.ID, err))
		}
		final, err := r.engine.GetFlowInstance(ctx, inst.ID)
		if err != nil {
			return instances, err
		}
		instances = append(instances, final)
	}

	r.logger.Info("trigger dispatched",
		zap.String("robot_id", req.RobotID),
		zap.String("trigger_type", string(req.TriggerType)),
		zap.Int("instances", len(instances)),
		zap.Bool("sync", req.Sync),
	)
	return instances, errors.Join(runErrs...)
}

// ImportResult lists definition ids touched by Import.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// Import creates definitions without a known id and replaces the content of
// existing ones, bumping their version. It stops at the first invalid
// definition; earlier ones stay applied.
func (r *Runtime) Import(ctx context.Context, defs []*workflow.FlowDefinition) (ImportResult, error) {
	var res ImportResult
	for _, def := range defs {
		if def.ID != "" {
			_, err := r.engine.GetFlowDefinition(ctx, def.ID)
			switch {
			case err == nil:
				if _, err := r.engine.UpdateFlowDefinition(ctx, def.ID, replacePatch(def)); err != nil {
					return res, fmt.Errorf("update %s: %w", def.ID, err)
				}
				res.Updated = append(res.Updated, def.ID)
				continue
			case !types.IsErrorCode(err, types.ErrNotFound):
				return res, err
			}
		}
		created, err := r.engine.CreateFlowDefinition(ctx, def)
		if err != nil {
			return res, fmt.Errorf("create %q: %w", def.Name, err)
		}
		res.Created = append(res.Created, created.ID)
	}

	r.logger.Info("flow definitions imported",
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
	)
	return res, nil
}

func replacePatch(def *workflow.FlowDefinition) workflow.DefinitionPatch {
	nodes := def.Nodes
	edges := def.Edges
	trigger := def.TriggerType
	retry := def.RetryConfig
	return workflow.DefinitionPatch{
		Name:          &def.Name,
		Description:   &def.Description,
		IsActive:      &def.IsActive,
		TriggerType:   &trigger,
		TriggerConfig: nonNilMap(def.TriggerConfig),
		Nodes:         &nodes,
		Edges:         &edges,
		Variables:     nonNilMap(def.Variables),
		TimeoutMs:     &def.TimeoutMs,
		RetryConfig:   &retry,
		IsDefault:     &def.IsDefault,
		Priority:      &def.Priority,
		RobotID:       &def.RobotID,
	}
}

// 补丁中 nil map 表示不修改，导入时需要清空
func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
