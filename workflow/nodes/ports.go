package nodes

import (
	"context"
	"time"
)

// =============================================================================
// 🔌 能力端口
// =============================================================================
// 处理器只依赖这些窄接口，具体实现（AI 客户端、消息通道、机器人传输等）
// 在进程启动时注入。

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelConfig 模型调用参数
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// ChatReply 模型回复
type ChatReply struct {
	Content string         `json:"content"`
	Model   string         `json:"model,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// AIChatPort 生成对话回复
type AIChatPort interface {
	Generate(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (*ChatReply, error)
}

// IntentSpec 候选意图
type IntentSpec struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords,omitempty"`
}

// IntentResult 意图识别结果
type IntentResult struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// IntentPort 识别文本意图
type IntentPort interface {
	Recognize(ctx context.Context, text string, intents []IntentSpec, cfg ModelConfig) (*IntentResult, error)
}

// HTTPRequestSpec 出站 HTTP 请求
type HTTPRequestSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// HTTPResponse 出站 HTTP 响应
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// HTTPPort 发送 HTTP 请求
type HTTPPort interface {
	Request(ctx context.Context, spec HTTPRequestSpec) (*HTTPResponse, error)
}

// DataPort 查询业务数据
type DataPort interface {
	Query(ctx context.Context, query string, params map[string]any) (map[string]any, error)
}

// MessagePort 消息下发与同步
type MessagePort interface {
	Dispatch(ctx context.Context, msg map[string]any) (map[string]any, error)
	Sync(ctx context.Context, msg map[string]any) (map[string]any, error)
}

// AlertPort 告警持久化与通知
type AlertPort interface {
	Save(ctx context.Context, alert map[string]any) (map[string]any, error)
	Notify(ctx context.Context, alert map[string]any) (map[string]any, error)
	Escalate(ctx context.Context, alert map[string]any) (map[string]any, error)
}

// RobotCommandPort 机器人任务与指令
type RobotCommandPort interface {
	Dispatch(ctx context.Context, task map[string]any) (map[string]any, error)
	SendCommand(ctx context.Context, cmd map[string]any) (map[string]any, error)
	CommandStatus(ctx context.Context, query map[string]any) (map[string]any, error)
}

// StaffPort 人工介入
type StaffPort interface {
	RequestIntervention(ctx context.Context, req map[string]any) (map[string]any, error)
	Handover(ctx context.Context, req map[string]any) (map[string]any, error)
}

// TaskPort 工单分派
type TaskPort interface {
	Assign(ctx context.Context, task map[string]any) (map[string]any, error)
}

// SessionPort 会话创建
type SessionPort interface {
	Create(ctx context.Context, session map[string]any) (map[string]any, error)
}

// LogPort 业务日志持久化
type LogPort interface {
	Save(ctx context.Context, entry map[string]any) (map[string]any, error)
}

// Ports 注入到注册表的全部端口，未配置的端口保持 nil。
type Ports struct {
	AIChat  AIChatPort
	Intent  IntentPort
	HTTP    HTTPPort
	Data    DataPort
	Message MessagePort
	Alert   AlertPort
	Robot   RobotCommandPort
	Staff   StaffPort
	Task    TaskPort
	Session SessionPort
	Log     LogPort
}
