package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// attemptRecorder writes one FlowExecutionLog row per node attempt: the row
// is appended as running before the handler is invoked and closed once as
// completed or failed.
type attemptRecorder struct {
	store  LogStore
	logger *zap.Logger
	now    func() time.Time
}

// RecordNodeStart appends a running row for the attempt.
func (r *attemptRecorder) RecordNodeStart(ctx context.Context, instanceID string, node *Node, attempt int, input map[string]any) (*FlowExecutionLog, error) {
	entry := &FlowExecutionLog{
		ID:             uuid.NewString(),
		FlowInstanceID: instanceID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		NodeName:       node.DisplayName(),
		Attempt:        attempt,
		Status:         LogStatusRunning,
		InputData:      input,
		StartedAt:      r.now(),
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordNodeEnd closes the row with the attempt outcome.
func (r *attemptRecorder) RecordNodeEnd(ctx context.Context, entry *FlowExecutionLog, output map[string]any, err error) {
	end := r.now()
	entry.CompletedAt = &end
	entry.ProcessingTimeMs = end.Sub(entry.StartedAt).Milliseconds()
	if err != nil {
		entry.Status = LogStatusFailed
		entry.ErrorMessage = err.Error()
	} else {
		entry.Status = LogStatusCompleted
		entry.OutputData = output
	}

	// 日志行写入失败不影响实例执行结果，但必须留下痕迹
	if uerr := r.store.UpdateLog(context.WithoutCancel(ctx), entry); uerr != nil {
		r.logger.Error("failed to close execution log",
			zap.String("log_id", entry.ID),
			zap.String("node_id", entry.NodeID),
			zap.Error(uerr),
		)
	}
}
