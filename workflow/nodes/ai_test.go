package nodes

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

type mockChatPort struct {
	mock.Mock
}

func (m *mockChatPort) Generate(ctx context.Context, messages []ChatMessage, cfg ModelConfig) (*ChatReply, error) {
	args := m.Called(ctx, messages, cfg)
	if r := args.Get(0); r != nil {
		return r.(*ChatReply), args.Error(1)
	}
	return nil, args.Error(1)
}

type intentPortFunc func(ctx context.Context, text string, intents []IntentSpec, cfg ModelConfig) (*IntentResult, error)

func (f intentPortFunc) Recognize(ctx context.Context, text string, intents []IntentSpec, cfg ModelConfig) (*IntentResult, error) {
	return f(ctx, text, intents, cfg)
}

func newTestGuard(t *testing.T, mutate func(*guard.Config)) *guard.Guard {
	t.Helper()
	cfg := guard.DefaultConfig()
	cfg.Retry.Delay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := guard.New(cfg, guard.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	return g
}

var supportIntents = []any{
	map[string]any{"name": "refund", "keywords": []any{"refund", "money back"}},
	map[string]any{"name": "service", "keywords": []any{"help", "support", "agent"}},
}

func TestIntent_KeywordFallback(t *testing.T) {
	r := NewRegistry(Ports{})
	tests := []struct {
		message    string
		wantIntent string
	}{
		{"I need HELP from support", "service"},
		{"give my money back, I want a refund", "refund"},
		{"what's the weather", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			res, err := run(t, r, newInput(workflow.NodeTypeIntent,
				map[string]any{"intents": supportIntents},
				map[string]any{"message": tt.message}))
			require.NoError(t, err)
			assert.Equal(t, tt.wantIntent, res.Intent)
			assert.Equal(t, tt.wantIntent, res.ConditionResult)
			assert.Equal(t, tt.wantIntent, res.Output["intent"])
		})
	}
}

func TestIntent_PortThroughGuard(t *testing.T) {
	var seenText string
	var seenCfg ModelConfig
	port := intentPortFunc(func(_ context.Context, text string, intents []IntentSpec, cfg ModelConfig) (*IntentResult, error) {
		seenText = text
		seenCfg = cfg
		return &IntentResult{Intent: "sales", Confidence: 0.9, Entities: map[string]any{"product": "robot"}}, nil
	})
	r := NewRegistry(Ports{Intent: port}, WithGuard(newTestGuard(t, nil)))

	data := map[string]any{
		"intents":  supportIntents,
		"text":     "{{triggerData.text}}",
		"provider": "openai",
		"model":    "gpt-4o-mini",
	}
	in := newInput(workflow.NodeTypeIntent, data, nil)
	in.TriggerData = map[string]any{"text": "how much is the robot"}

	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, "sales", res.Intent)
	assert.Equal(t, 0.9, res.Output["confidence"])
	assert.Equal(t, map[string]any{"product": "robot"}, res.Output["entities"])
	assert.Equal(t, "how much is the robot", seenText)
	assert.Equal(t, "openai", seenCfg.Provider)
	assert.Equal(t, "gpt-4o-mini", seenCfg.Model)

	data["minConfidence"] = 0.95
	data["defaultIntent"] = "fallback"
	res, err = run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Intent)
}

func TestAIChat_BuildsMessages(t *testing.T) {
	port := &mockChatPort{}
	port.On("Generate", mock.Anything, []ChatMessage{
		{Role: "system", Content: "You are Botty"},
		{Role: "user", Content: "earlier"},
		{Role: "user", Content: "Hello, I am Ann"},
	}, ModelConfig{Provider: "openai", Model: "gpt-4o", Temperature: 0.2}).
		Return(&ChatReply{Content: "Hi Ann!", Model: "gpt-4o-2024"}, nil).Once()

	r := NewRegistry(Ports{AIChat: port}, WithGuard(newTestGuard(t, nil)))
	res, err := run(t, r, newInput(workflow.NodeTypeAIChat, map[string]any{
		"systemPrompt": "You are {{botName}}",
		"prompt":       "Hello, I am {{customer.name}}",
		"historyKey":   "history",
		"provider":     "openai",
		"model":        "gpt-4o",
		"temperature":  0.2,
	}, map[string]any{
		"botName":  "Botty",
		"customer": map[string]any{"name": "Ann"},
		"history":  []any{map[string]any{"role": "user", "content": "earlier"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann!", res.Output["reply"])
	assert.Equal(t, "gpt-4o-2024", res.Output["model"])
	assert.Equal(t, "openai", res.Output["provider"])
	port.AssertExpectations(t)
}

func TestAIChat_EmptyPrompt(t *testing.T) {
	r := NewRegistry(Ports{AIChat: &mockChatPort{}})
	_, err := run(t, r, newInput(workflow.NodeTypeAIChat, nil, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrHandler, types.GetErrorCode(err))
}

func TestAIChat_GuardRetriesAndRateLimits(t *testing.T) {
	var calls atomic.Int32
	port := &mockChatPort{}
	port.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Twice()
	port.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(&ChatReply{Content: "ok"}, nil)

	g := newTestGuard(t, func(c *guard.Config) { c.RateLimit.Limit = 1 })
	r := NewRegistry(Ports{AIChat: port}, WithGuard(g))
	in := newInput(workflow.NodeTypeAIChat, map[string]any{"prompt": "hi", "provider": "p1"}, nil)

	res, err := run(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output["reply"])
	port.AssertNumberOfCalls(t, "Generate", 3)

	// 同一 provider 的第二次节点调用被限流，且不会重试
	_, err = run(t, r, in)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
	assert.Equal(t, int32(1), calls.Load())
}
