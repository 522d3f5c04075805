package nodes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

const (
	defaultProvider = "default"
	defaultModel    = "default"
	defaultIntent   = "unknown"
)

func modelConfig(data map[string]any) ModelConfig {
	cfg := ModelConfig{
		Provider: stringField(data, "provider", defaultProvider),
		Model:    stringField(data, "model", defaultModel),
	}
	if v, ok := numberField(data, "temperature"); ok {
		cfg.Temperature = v
	}
	if v, ok := numberField(data, "maxTokens"); ok {
		cfg.MaxTokens = int(v)
	}
	return cfg
}

type intentData struct {
	Intents       []IntentSpec `json:"intents"`
	Text          string       `json:"text"`
	MinConfidence float64      `json:"minConfidence"`
	DefaultIntent string       `json:"defaultIntent"`
}

// intent 识别用户意图。配置了 IntentPort 时经 Guard 调用模型，否则按关键词匹配。
func (r *Registry) intent(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	var cfg intentData
	if err := workflow.DecodeNodeData(in.NodeData, &cfg); err != nil {
		return nil, types.NewError(types.ErrHandler, "invalid intent config").WithNode(in.Node.ID).WithCause(err)
	}
	if cfg.Text == "" {
		cfg.Text = "{{message}}"
	}
	if cfg.DefaultIntent == "" {
		cfg.DefaultIntent = defaultIntent
	}
	text := Render(cfg.Text, scope(in))

	var res *IntentResult
	if r.ports.Intent != nil {
		mc := modelConfig(in.NodeData)
		err := r.call(ctx, mc.Provider, mc.Model, func(ctx context.Context) error {
			out, err := r.ports.Intent.Recognize(ctx, text, cfg.Intents, mc)
			if err != nil {
				return err
			}
			res = out
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		res = matchKeywords(text, cfg.Intents)
	}

	if res == nil || res.Intent == "" || res.Confidence < cfg.MinConfidence {
		r.logger.Debug("intent below confidence, using default",
			zap.String("node_id", in.Node.ID),
			zap.String("default_intent", cfg.DefaultIntent),
		)
		res = &IntentResult{Intent: cfg.DefaultIntent}
	}

	out := map[string]any{
		"intent":     res.Intent,
		"confidence": res.Confidence,
	}
	if len(res.Entities) > 0 {
		out["entities"] = res.Entities
	}
	return &workflow.NodeResult{
		Output:          out,
		ConditionResult: res.Intent,
		Intent:          res.Intent,
	}, nil
}

// matchKeywords 选出命中关键词比例最高的意图，比例即置信度
func matchKeywords(text string, intents []IntentSpec) *IntentResult {
	lower := strings.ToLower(text)
	var best *IntentResult
	for _, spec := range intents {
		if len(spec.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range spec.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := float64(hits) / float64(len(spec.Keywords))
		if best == nil || conf > best.Confidence {
			best = &IntentResult{Intent: spec.Name, Confidence: conf}
		}
	}
	return best
}

type aiChatData struct {
	SystemPrompt string `json:"systemPrompt"`
	Prompt       string `json:"prompt"`
	HistoryKey   string `json:"historyKey"`
	OutputKey    string `json:"outputKey"`
}

// aiChat 组装消息并经 Guard 调用 AIChatPort
func (r *Registry) aiChat(ctx context.Context, in *workflow.NodeInput) (*workflow.NodeResult, error) {
	if r.ports.AIChat == nil {
		return nil, portNotConfigured("ai chat", in)
	}
	var cfg aiChatData
	if err := workflow.DecodeNodeData(in.NodeData, &cfg); err != nil {
		return nil, types.NewError(types.ErrHandler, "invalid ai_chat config").WithNode(in.Node.ID).WithCause(err)
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "{{message}}"
	}
	vars := scope(in)

	messages := make([]ChatMessage, 0, 4)
	if cfg.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: Render(cfg.SystemPrompt, vars)})
	}
	if cfg.HistoryKey != "" {
		if hist, ok := workflow.LookupPath(vars, cfg.HistoryKey); ok {
			messages = append(messages, historyMessages(hist)...)
		}
	}
	prompt := Render(cfg.Prompt, vars)
	if strings.TrimSpace(prompt) == "" {
		return nil, types.NewError(types.ErrHandler, "ai_chat prompt rendered empty").WithNode(in.Node.ID).WithRetryable(false)
	}
	messages = append(messages, ChatMessage{Role: "user", Content: prompt})

	mc := modelConfig(in.NodeData)
	var reply *ChatReply
	err := r.call(ctx, mc.Provider, mc.Model, func(ctx context.Context) error {
		out, err := r.ports.AIChat.Generate(ctx, messages, mc)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, types.NewError(types.ErrHandler, "ai chat port returned no reply").WithNode(in.Node.ID)
	}

	model := reply.Model
	if model == "" {
		model = mc.Model
	}
	key := cfg.OutputKey
	if key == "" {
		key = "reply"
	}
	out := map[string]any{
		key:        reply.Content,
		"model":    model,
		"provider": mc.Provider,
	}
	if len(reply.Usage) > 0 {
		out["usage"] = reply.Usage
	}
	return &workflow.NodeResult{Output: out}, nil
}

func historyMessages(v any) []ChatMessage {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]ChatMessage, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role := stringField(m, "role", "user")
		content := stringField(m, "content", "")
		if content != "" {
			out = append(out, ChatMessage{Role: role, Content: content})
		}
	}
	return out
}
