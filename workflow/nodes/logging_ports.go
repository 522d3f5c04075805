package nodes

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// LoggingPorts 返回只记录调用的端口集合，用于尚未接入外部系统的部署。
// 覆盖消息、告警、机器人、人工、工单、会话和日志端口；AI、HTTP 与数据端口
// 不在其中，需要真实实现。
func LoggingPorts(logger *zap.Logger) Ports {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &loggingPort{logger: logger.With(zap.String("component", "logging_port"))}
	return Ports{
		Message: p,
		Alert:   p,
		Robot:   p,
		Staff:   p,
		Task:    p,
		Session: p,
		Log:     p,
	}
}

type loggingPort struct {
	logger *zap.Logger
}

func (p *loggingPort) accept(op string, payload map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p.logger.Info("port call", zap.String("op", op), zap.Strings("fields", keys))
	return map[string]any{"accepted": true, "op": op}, nil
}

func (p *loggingPort) Dispatch(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("dispatch", m)
}

func (p *loggingPort) Sync(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("sync", m)
}

func (p *loggingPort) Save(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("save", m)
}

func (p *loggingPort) Notify(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("notify", m)
}

func (p *loggingPort) Escalate(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("escalate", m)
}

func (p *loggingPort) SendCommand(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("send_command", m)
}

func (p *loggingPort) CommandStatus(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("command_status", m)
}

func (p *loggingPort) RequestIntervention(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("request_intervention", m)
}

func (p *loggingPort) Handover(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("handover", m)
}

func (p *loggingPort) Assign(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("assign", m)
}

func (p *loggingPort) Create(_ context.Context, m map[string]any) (map[string]any, error) {
	return p.accept("create", m)
}
