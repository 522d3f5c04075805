package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID    contextKey = "trace_id"
	keyInstanceID contextKey = "flow_instance_id"
	keyNodeID     contextKey = "flow_node_id"
	keyRobotID    contextKey = "robot_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithInstanceID adds the running flow instance ID to context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, keyInstanceID, instanceID)
}

// InstanceID extracts the flow instance ID from context.
func InstanceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyInstanceID).(string)
	return v, ok && v != ""
}

// WithNodeID adds the executing node ID to context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, keyNodeID, nodeID)
}

// NodeID extracts the executing node ID from context.
func NodeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyNodeID).(string)
	return v, ok && v != ""
}

// WithRobotID adds the robot the trigger came from to context.
func WithRobotID(ctx context.Context, robotID string) context.Context {
	return context.WithValue(ctx, keyRobotID, robotID)
}

// RobotID extracts the robot ID from context.
func RobotID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRobotID).(string)
	return v, ok && v != ""
}
