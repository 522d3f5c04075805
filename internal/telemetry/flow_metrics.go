package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FlowMetrics 通过 OTel meter 导出流程与节点指标，实现 workflow.MetricsRecorder
type FlowMetrics struct {
	instanceTotal    metric.Int64Counter
	instanceDuration metric.Float64Histogram
	attemptTotal     metric.Int64Counter
	attemptDuration  metric.Float64Histogram
}

// NewFlowMetrics 在 meter 上注册流程指标
func NewFlowMetrics(meter metric.Meter) (*FlowMetrics, error) {
	m := &FlowMetrics{}
	var err error

	m.instanceTotal, err = meter.Int64Counter("botflow.flow.instance.total",
		metric.WithDescription("Finished flow instances by terminal status"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return nil, err
	}

	m.instanceDuration, err = meter.Float64Histogram("botflow.flow.instance.duration",
		metric.WithDescription("Flow instance processing time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120))
	if err != nil {
		return nil, err
	}

	m.attemptTotal, err = meter.Int64Counter("botflow.node.attempt.total",
		metric.WithDescription("Node handler attempts by node type and outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	m.attemptDuration, err = meter.Float64Histogram("botflow.node.attempt.duration",
		metric.WithDescription("Node handler attempt duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordFlowInstance 记录实例结束
func (m *FlowMetrics) RecordFlowInstance(status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	ctx := context.Background()
	m.instanceTotal.Add(ctx, 1, attrs)
	m.instanceDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordNodeAttempt 记录一次节点尝试
func (m *FlowMetrics) RecordNodeAttempt(nodeType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("status", status),
	)
	ctx := context.Background()
	m.attemptTotal.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, duration.Seconds(), attrs)
}
